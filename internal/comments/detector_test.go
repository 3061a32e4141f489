package comments

import (
	"context"
	"errors"
	"testing"
)

type fakeMarker struct {
	calls []string
	err   error
}

func (f *fakeMarker) MarkThreadOutdated(_ context.Context, thread Thread) error {
	f.calls = append(f.calls, thread.ID)
	return f.err
}

func TestDetectorWaitsForSync(t *testing.T) {
	marker := &fakeMarker{}
	detector := NewDetector(marker)
	candidates := []Thread{{ID: "A", Status: StatusOpen}}

	if marked := detector.Detect(context.Background(), false, candidates); len(marked) != 0 {
		t.Fatalf("expected no marks before sync, got %v", marked)
	}
	if len(marker.calls) != 0 {
		t.Fatalf("marker called before sync: %v", marker.calls)
	}

	marked := detector.Detect(context.Background(), true, candidates)
	if len(marked) != 1 || marked[0] != "A" {
		t.Fatalf("expected A marked, got %v", marked)
	}
}

func TestDetectorMarksEachThreadOnce(t *testing.T) {
	marker := &fakeMarker{}
	detector := NewDetector(marker)
	candidates := []Thread{{ID: "A", Status: StatusOpen}, {ID: "A", Status: StatusOpen}}

	detector.Detect(context.Background(), true, candidates)
	detector.Detect(context.Background(), true, candidates)
	if len(marker.calls) != 1 {
		t.Fatalf("expected exactly one mark, got %v", marker.calls)
	}
}

func TestDetectorIgnoresNonOpenThreads(t *testing.T) {
	marker := &fakeMarker{}
	detector := NewDetector(marker)
	detector.Detect(context.Background(), true, []Thread{
		{ID: "closed", Status: StatusClosed},
		{ID: "outdated", Status: StatusOutdated},
	})
	if len(marker.calls) != 0 {
		t.Fatalf("expected no marks, got %v", marker.calls)
	}
}

func TestDetectorRetriesAfterFailedMark(t *testing.T) {
	marker := &fakeMarker{err: errors.New("boom")}
	detector := NewDetector(marker)
	candidates := []Thread{{ID: "A", Status: StatusOpen}}

	if marked := detector.Detect(context.Background(), true, candidates); len(marked) != 0 {
		t.Fatalf("expected failed mark to be excluded, got %v", marked)
	}
	marker.err = nil
	if marked := detector.Detect(context.Background(), true, candidates); len(marked) != 1 {
		t.Fatalf("expected retry to mark A, got %v", marked)
	}
	if len(marker.calls) != 2 {
		t.Fatalf("expected two attempts, got %v", marker.calls)
	}
}
