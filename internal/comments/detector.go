package comments

import (
	"context"
	"log"
	"sync"
)

type Marker interface {
	MarkThreadOutdated(ctx context.Context, thread Thread) error
}

// Detector reports unresolved open threads as outdated, but only while the
// replica is synced. Before that an unresolved anchor may simply be waiting
// on remote ops.
type Detector struct {
	marker Marker

	mu       sync.Mutex
	reported map[string]struct{}
}

func NewDetector(marker Marker) *Detector {
	return &Detector{
		marker:   marker,
		reported: make(map[string]struct{}),
	}
}

// Detect marks each candidate at most once and returns the ids it marked in
// this call. A failed mark is forgotten so a later pass can try again.
func (d *Detector) Detect(ctx context.Context, synced bool, candidates []Thread) []string {
	if !synced || len(candidates) == 0 {
		return nil
	}
	var marked []string
	for _, thread := range candidates {
		if thread.Status != StatusOpen {
			continue
		}
		d.mu.Lock()
		if _, done := d.reported[thread.ID]; done {
			d.mu.Unlock()
			continue
		}
		d.reported[thread.ID] = struct{}{}
		d.mu.Unlock()

		if err := d.marker.MarkThreadOutdated(ctx, thread); err != nil {
			log.Printf("comments: mark thread %s outdated: %v", thread.ID, err)
			d.mu.Lock()
			delete(d.reported, thread.ID)
			d.mu.Unlock()
			continue
		}
		marked = append(marked, thread.ID)
	}
	return marked
}
