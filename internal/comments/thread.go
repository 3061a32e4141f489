// Package comments derives inline highlight ranges for comment threads
// anchored in a replicated document, and owns the thread lifecycle state the
// document view reads from.
package comments

import (
	"time"

	"marginalia/internal/textdoc"
)

type Thread struct {
	ID         string     `json:"id"`
	DocumentID string     `json:"documentId"`
	Selection  *Selection `json:"selection,omitempty"`
	QuotedText string     `json:"quotedText,omitempty"`
	Status     Status     `json:"status"`
	Author     string     `json:"author"`
	Body       string     `json:"body"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Selection binds a thread to a span of text. Anchor attaches to the first
// selected character and Head to the last, so the span survives while those
// characters do.
type Selection struct {
	Anchor textdoc.RelativePosition `json:"anchor"`
	Head   textdoc.RelativePosition `json:"head"`
}

type PositionSource interface {
	RelativePosition(index, assoc int) textdoc.RelativePosition
}

func NewSelection(doc PositionSource, start, end int) Selection {
	if end < start {
		start, end = end, start
	}
	return Selection{
		Anchor: doc.RelativePosition(start, 0),
		Head:   doc.RelativePosition(end, -1),
	}
}

// HighlightRange is one visible highlight for the current render pass.
type HighlightRange struct {
	ID     string `json:"id"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
	Active bool   `json:"active"`
}
