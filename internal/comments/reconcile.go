package comments

import "marginalia/internal/textdoc"

// Snapshot is the read side of a document state that anchors resolve
// against.
type Snapshot interface {
	ResolvePosition(textdoc.RelativePosition) (int, bool)
}

// Resolve maps a relative anchor to its offset in snap. ok is false when the
// anchored character no longer exists there.
func Resolve(snap Snapshot, anchor textdoc.RelativePosition) (offset int, ok bool) {
	return snap.ResolvePosition(anchor)
}

type Result struct {
	Ranges []HighlightRange
	// Unresolved lists open threads with an anchor that failed to resolve.
	Unresolved []Thread
}

// Reconcile derives the highlight ranges for threads against snap, keeping
// input order. It has no side effects.
func Reconcile(threads []Thread, snap Snapshot, activeID string) Result {
	result := Result{Ranges: make([]HighlightRange, 0, len(threads))}
	for _, thread := range threads {
		if thread.Status != StatusOpen || thread.Selection == nil {
			continue
		}
		anchor, anchorOK := Resolve(snap, thread.Selection.Anchor)
		head, headOK := Resolve(snap, thread.Selection.Head)
		if !anchorOK || !headOK {
			result.Unresolved = append(result.Unresolved, thread)
			continue
		}
		if anchor == head {
			continue
		}
		start, end := anchor, head
		if start > end {
			start, end = end, start
		}
		result.Ranges = append(result.Ranges, HighlightRange{
			ID:     thread.ID,
			Start:  start,
			End:    end,
			Active: activeID != "" && thread.ID == activeID,
		})
	}
	return result
}
