package store

import (
	"context"
	"database/sql"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const threadColumns = `id, document_id, COALESCE(selection_json::text, ''), quoted_text, body, status, created_by_name, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (Thread, error) {
	var item Thread
	err := row.Scan(
		&item.ID,
		&item.DocumentID,
		&item.Selection,
		&item.QuotedText,
		&item.Body,
		&item.Status,
		&item.Author,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	return item, err
}

func (s *PostgresStore) ListThreads(ctx context.Context, documentID string) ([]Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+threadColumns+`
		FROM threads
		WHERE document_id=$1
		ORDER BY created_at ASC, id ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	items := make([]Thread, 0)
	for rows.Next() {
		item, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetThread(ctx context.Context, documentID, threadID string) (Thread, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+threadColumns+`
		FROM threads
		WHERE document_id=$1 AND id=$2
	`, documentID, threadID)
	item, err := scanThread(row)
	if err != nil {
		return Thread{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertThread(ctx context.Context, thread Thread) error {
	status := thread.Status
	if status == "" {
		status = ThreadOpen
	}
	var selection any
	if thread.Selection != "" {
		selection = thread.Selection
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (id, document_id, selection_json, quoted_text, body, status, created_by_name)
		VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7)
	`, thread.ID, thread.DocumentID, selection, thread.QuotedText, thread.Body, status, thread.Author)
	if err != nil {
		return fmt.Errorf("insert thread: %w", err)
	}
	return nil
}

// MarkThreadOutdated reports false when the thread was not open, which
// includes a thread already outdated.
func (s *PostgresStore) MarkThreadOutdated(ctx context.Context, documentID, threadID string) (bool, error) {
	return s.setThreadStatus(ctx, documentID, threadID, ThreadOpen, ThreadOutdated, "mark thread outdated")
}

func (s *PostgresStore) CloseThread(ctx context.Context, documentID, threadID string) (bool, error) {
	return s.setThreadStatus(ctx, documentID, threadID, ThreadOpen, ThreadClosed, "close thread")
}

func (s *PostgresStore) ReopenThread(ctx context.Context, documentID, threadID string) (bool, error) {
	return s.setThreadStatus(ctx, documentID, threadID, ThreadClosed, ThreadOpen, "reopen thread")
}

func (s *PostgresStore) setThreadStatus(ctx context.Context, documentID, threadID, from, to, op string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE threads
		SET status=$4, updated_at=NOW()
		WHERE document_id=$1 AND id=$2 AND status=$3
	`, documentID, threadID, from, to)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s rows: %w", op, err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) AppendUpdate(ctx context.Context, documentID, originAgent string, payload []byte) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO document_updates (document_id, origin_agent, payload)
		VALUES ($1, $2, $3::jsonb)
		RETURNING id
	`, documentID, originAgent, string(payload)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append update: %w", err)
	}
	return id, nil
}

// ListUpdates returns the log of documentID in append order, starting after
// afterID.
func (s *PostgresStore) ListUpdates(ctx context.Context, documentID string, afterID int64) ([]DocumentUpdate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, origin_agent, payload::text, created_at
		FROM document_updates
		WHERE document_id=$1 AND id>$2
		ORDER BY id ASC
	`, documentID, afterID)
	if err != nil {
		return nil, fmt.Errorf("list updates: %w", err)
	}
	defer rows.Close()

	items := make([]DocumentUpdate, 0)
	for rows.Next() {
		var item DocumentUpdate
		var payload string
		if err := rows.Scan(&item.ID, &item.DocumentID, &item.OriginAgent, &payload, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan update: %w", err)
		}
		item.Payload = []byte(payload)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate updates: %w", err)
	}
	return items, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
