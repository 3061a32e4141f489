// Package search finds comment threads by body and quoted text, through
// Meilisearch when it is reachable and PostgreSQL full-text search otherwise.
package search

import "context"

// Result is a single thread hit.
type Result struct {
	ID         string `json:"id"`
	DocumentID string `json:"documentId"`
	Status     string `json:"status"`
	Quote      string `json:"quote"`
	Snippet    string `json:"snippet"`
}

// Query describes a search request. Empty filters match everything.
type Query struct {
	Text       string
	DocumentID string
	Status     string
	Limit      int
	Offset     int
}

type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// ThreadRecord is the data we index for a thread.
type ThreadRecord struct {
	ID         string `json:"id"`
	DocumentID string `json:"documentId"`
	Body       string `json:"body"`
	QuotedText string `json:"quotedText"`
	Status     string `json:"status"`
	Author     string `json:"author"`
}

func (q Query) limit() int {
	if q.Limit <= 0 || q.Limit > 100 {
		return 20
	}
	return q.Limit
}

func (q Query) offset() int {
	if q.Offset < 0 {
		return 0
	}
	return q.Offset
}
