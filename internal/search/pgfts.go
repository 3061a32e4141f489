package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS searches threads.search_vector. It is the fallback when
// Meilisearch is down.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

// buildThreadQuery returns the WHERE clause and its arguments. $1 is always
// the search text.
func buildThreadQuery(q Query) (string, []any) {
	where := []string{"t.search_vector @@ plainto_tsquery('english', $1)"}
	args := []any{q.Text}
	if q.DocumentID != "" {
		args = append(args, q.DocumentID)
		where = append(where, fmt.Sprintf("t.document_id = $%d", len(args)))
	}
	if q.Status != "" {
		args = append(args, strings.ToUpper(q.Status))
		where = append(where, fmt.Sprintf("t.status = $%d", len(args)))
	}
	return strings.Join(where, " AND "), args
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	where, args := buildThreadQuery(q)

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM threads t WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT t.id, t.document_id, t.status, t.quoted_text,
			ts_headline('english', t.body, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30')
		FROM threads t
		WHERE %s
		ORDER BY ts_rank(t.search_vector, plainto_tsquery('english', $1)) DESC, t.created_at DESC
		LIMIT %d OFFSET %d`, where, q.limit(), q.offset()), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.DocumentID, &r.Status, &r.Quote, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

func (p *PgFTS) LoadThreadRecords(ctx context.Context) ([]ThreadRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, document_id, body, quoted_text, status, created_by_name
		FROM threads
	`)
	if err != nil {
		return nil, fmt.Errorf("load threads: %w", err)
	}
	defer rows.Close()

	threads := make([]ThreadRecord, 0)
	for rows.Next() {
		var t ThreadRecord
		if err := rows.Scan(&t.ID, &t.DocumentID, &t.Body, &t.QuotedText, &t.Status, &t.Author); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return threads, nil
}
