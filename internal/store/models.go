package store

import "time"

// Thread statuses as stored. The comments package uses lowercase names.
const (
	ThreadOpen     = "OPEN"
	ThreadClosed   = "CLOSED"
	ThreadOutdated = "OUTDATED"
)

type Thread struct {
	ID         string
	DocumentID string
	// Selection is the JSON encoded anchor pair, empty for unanchored threads.
	Selection  string
	QuotedText string
	Body       string
	Status     string
	Author     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// DocumentUpdate is one entry of the relay log for a document.
type DocumentUpdate struct {
	ID          int64
	DocumentID  string
	OriginAgent string
	Payload     []byte
	CreatedAt   time.Time
}
