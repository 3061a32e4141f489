package comments

import (
	"testing"

	"marginalia/internal/textdoc"
)

func openThread(doc *textdoc.Document, id string, start, end int) Thread {
	sel := NewSelection(doc, start, end)
	return Thread{ID: id, DocumentID: "doc-1", Selection: &sel, Status: StatusOpen}
}

func TestReconcileShiftsWithRemoteInsert(t *testing.T) {
	doc := textdoc.New("alice")
	doc.Insert(0, "hello world")
	thread := openThread(doc, "A", 0, 5)

	remote := textdoc.New("bob")
	if err := remote.Apply(doc.UpdatesSince(remote.StateVector())); err != nil {
		t.Fatalf("seed remote: %v", err)
	}
	if err := doc.Apply(remote.Insert(0, "X ")); err != nil {
		t.Fatalf("apply remote insert: %v", err)
	}

	result := Reconcile([]Thread{thread}, doc.Snapshot(), "")
	if len(result.Ranges) != 1 {
		t.Fatalf("expected one range, got %+v", result.Ranges)
	}
	got := result.Ranges[0]
	if got.ID != "A" || got.Start != 2 || got.End != 7 || got.Active {
		t.Fatalf("expected A 2..7 inactive, got %+v", got)
	}
	if len(result.Unresolved) != 0 {
		t.Fatalf("expected no unresolved threads, got %+v", result.Unresolved)
	}
}

func TestReconcileReportsDeletedAnchor(t *testing.T) {
	doc := textdoc.New("alice")
	doc.Insert(0, "hello world")
	thread := openThread(doc, "A", 6, 11)
	doc.Delete(6, 5)

	result := Reconcile([]Thread{thread}, doc.Snapshot(), "")
	if len(result.Ranges) != 0 {
		t.Fatalf("expected no ranges, got %+v", result.Ranges)
	}
	if len(result.Unresolved) != 1 || result.Unresolved[0].ID != "A" {
		t.Fatalf("expected A unresolved, got %+v", result.Unresolved)
	}
}

func TestReconcileMarksActiveThread(t *testing.T) {
	doc := textdoc.New("alice")
	doc.Insert(0, "hello world")
	threads := []Thread{openThread(doc, "A", 0, 5), openThread(doc, "B", 6, 11)}

	result := Reconcile(threads, doc.Snapshot(), "B")
	if len(result.Ranges) != 2 {
		t.Fatalf("expected two ranges, got %+v", result.Ranges)
	}
	if result.Ranges[0].Active || !result.Ranges[1].Active {
		t.Fatalf("expected only B active, got %+v", result.Ranges)
	}

	result = Reconcile(threads, doc.Snapshot(), "")
	for _, r := range result.Ranges {
		if r.Active {
			t.Fatalf("expected no active range, got %+v", r)
		}
	}
}

func TestReconcileSkipsClosedAndUnanchoredThreads(t *testing.T) {
	doc := textdoc.New("alice")
	doc.Insert(0, "hello world")
	closed := openThread(doc, "closed", 0, 5)
	closed.Status = StatusClosed
	outdated := openThread(doc, "outdated", 0, 5)
	outdated.Status = StatusOutdated
	bare := Thread{ID: "bare", Status: StatusOpen}

	doc.Delete(0, 11)
	result := Reconcile([]Thread{closed, outdated, bare}, doc.Snapshot(), "closed")
	if len(result.Ranges) != 0 || len(result.Unresolved) != 0 {
		t.Fatalf("expected nothing, got %+v", result)
	}
}

func TestReconcileSkipsCollapsedRange(t *testing.T) {
	doc := textdoc.New("alice")
	doc.Insert(0, "hello")
	start := doc.RelativePosition(2, 0)
	end := doc.RelativePosition(2, 0)
	thread := Thread{ID: "A", Status: StatusOpen, Selection: &Selection{Anchor: start, Head: end}}

	result := Reconcile([]Thread{thread}, doc.Snapshot(), "")
	if len(result.Ranges) != 0 || len(result.Unresolved) != 0 {
		t.Fatalf("expected collapsed range to be skipped, got %+v", result)
	}
}

func TestReconcileNormalizesBackwardSelection(t *testing.T) {
	doc := textdoc.New("alice")
	doc.Insert(0, "hello world")
	forward := NewSelection(doc, 0, 5)
	backward := Thread{
		ID:        "A",
		Status:    StatusOpen,
		Selection: &Selection{Anchor: forward.Head, Head: forward.Anchor},
	}

	result := Reconcile([]Thread{backward}, doc.Snapshot(), "")
	if len(result.Ranges) != 1 {
		t.Fatalf("expected one range, got %+v", result.Ranges)
	}
	if r := result.Ranges[0]; r.Start != 0 || r.End != 5 {
		t.Fatalf("expected 0..5, got %+v", r)
	}
}

func TestReconcileKeepsInputOrderAndIsPure(t *testing.T) {
	doc := textdoc.New("alice")
	doc.Insert(0, "abcdefghij")
	threads := []Thread{openThread(doc, "C", 6, 8), openThread(doc, "A", 0, 2), openThread(doc, "B", 3, 5)}
	snap := doc.Snapshot()

	first := Reconcile(threads, snap, "A")
	second := Reconcile(threads, snap, "A")
	if len(first.Ranges) != 3 || len(second.Ranges) != 3 {
		t.Fatalf("expected three ranges, got %+v and %+v", first.Ranges, second.Ranges)
	}
	for i, id := range []string{"C", "A", "B"} {
		if first.Ranges[i].ID != id {
			t.Fatalf("range %d: expected %s, got %s", i, id, first.Ranges[i].ID)
		}
		if first.Ranges[i] != second.Ranges[i] {
			t.Fatalf("range %d differs between passes: %+v vs %+v", i, first.Ranges[i], second.Ranges[i])
		}
	}
	for _, thread := range threads {
		if thread.Status != StatusOpen {
			t.Fatalf("reconcile changed status of %s", thread.ID)
		}
	}
}

func TestResolveDocumentBoundaries(t *testing.T) {
	doc := textdoc.New("alice")
	doc.Insert(0, "abc")
	snap := doc.Snapshot()

	if offset, ok := Resolve(snap, textdoc.RelativePosition{Assoc: 0}); !ok || offset != 3 {
		t.Fatalf("expected end at 3, got %d %v", offset, ok)
	}
	if offset, ok := Resolve(snap, textdoc.RelativePosition{Assoc: -1}); !ok || offset != 0 {
		t.Fatalf("expected start at 0, got %d %v", offset, ok)
	}
	unknown := textdoc.ID{Agent: "mallory", Seq: 1}
	if _, ok := Resolve(snap, textdoc.RelativePosition{Item: &unknown}); ok {
		t.Fatal("expected unknown item to fail")
	}
}
