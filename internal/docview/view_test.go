package docview

import (
	"context"
	"sync"
	"testing"

	"marginalia/internal/comments"
	"marginalia/internal/realtime"
	"marginalia/internal/textdoc"
)

type recordingRenderer struct {
	mu         sync.Mutex
	highlights [][]comments.HighlightRange
	contents   []string
}

func (r *recordingRenderer) RenderHighlights(ranges []comments.HighlightRange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.highlights = append(r.highlights, ranges)
}

func (r *recordingRenderer) RenderContent(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contents = append(r.contents, text)
}

func (r *recordingRenderer) passes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.highlights)
}

type fakeBackend struct {
	mu      sync.Mutex
	threads []comments.Thread
	marked  []string
}

func (f *fakeBackend) ListThreads(context.Context, string) ([]comments.Thread, error) {
	return f.threads, nil
}

func (f *fakeBackend) MarkThreadOutdated(_ context.Context, _, threadID string) (comments.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, threadID)
	return comments.Thread{ID: threadID, Status: comments.StatusOutdated}, nil
}

func (f *fakeBackend) markedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.marked...)
}

type fixture struct {
	doc      *textdoc.Document
	remote   *textdoc.Document
	conn     *realtime.StateTracker
	backend  *fakeBackend
	manager  *comments.Manager
	renderer *recordingRenderer
	view     *View
}

// newFixture seeds "hello world" with thread A on "hello" and B on "world",
// then starts a loaded view.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	doc := textdoc.New("alice")
	doc.Insert(0, "hello world")
	remote := textdoc.New("bob")
	if err := remote.Apply(doc.UpdatesSince(nil)); err != nil {
		t.Fatalf("seed remote: %v", err)
	}

	a := comments.NewSelection(doc, 0, 5)
	b := comments.NewSelection(doc, 6, 11)
	backend := &fakeBackend{threads: []comments.Thread{
		{ID: "A", Selection: &a, Status: comments.StatusOpen},
		{ID: "B", Selection: &b, Status: comments.StatusOpen},
	}}
	manager := comments.NewManager("doc-1", backend)
	conn := realtime.NewStateTracker()
	conn.Set(realtime.StateLoaded)
	renderer := &recordingRenderer{}
	view := New(doc, conn, manager, renderer)
	view.Start(context.Background())
	if err := manager.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	t.Cleanup(view.Close)
	return &fixture{doc: doc, remote: remote, conn: conn, backend: backend, manager: manager, renderer: renderer, view: view}
}

func (f *fixture) applyRemote(t *testing.T, u textdoc.Update) {
	t.Helper()
	if err := f.doc.Apply(u); err != nil {
		t.Fatalf("apply remote: %v", err)
	}
}

func rangeByID(ranges []comments.HighlightRange, id string) (comments.HighlightRange, bool) {
	for _, r := range ranges {
		if r.ID == id {
			return r, true
		}
	}
	return comments.HighlightRange{}, false
}

func TestViewSkipsPassesWhileThreadsLoad(t *testing.T) {
	doc := textdoc.New("alice")
	doc.Insert(0, "hello")
	manager := comments.NewManager("doc-1", &fakeBackend{})
	renderer := &recordingRenderer{}
	conn := realtime.NewStateTracker()
	view := New(doc, conn, manager, renderer)
	view.Start(context.Background())
	defer view.Close()

	doc.Insert(5, "!")
	if renderer.passes() != 0 {
		t.Fatalf("expected no passes while loading, got %d", renderer.passes())
	}
	view.CommentClick([]string{"A"})
	if manager.State().Mode != comments.ModeListLoading {
		t.Fatalf("click during loading changed mode to %s", manager.State().Mode)
	}

	if err := manager.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if renderer.passes() != 1 {
		t.Fatalf("expected one pass after load, got %d", renderer.passes())
	}
	if got := view.Content(); got != "hello!" {
		t.Fatalf("expected content hello!, got %q", got)
	}
}

func TestViewMovesRangeWithRemoteInsert(t *testing.T) {
	f := newFixture(t)
	f.applyRemote(t, f.remote.Insert(0, "X "))

	a, ok := rangeByID(f.view.Ranges(), "A")
	if !ok || a.Start != 2 || a.End != 7 {
		t.Fatalf("expected A at 2..7, got %+v (found %v)", a, ok)
	}
	if got := f.view.Content(); got != "X hello world" {
		t.Fatalf("expected updated content, got %q", got)
	}
}

func TestViewMarksOutdatedOnlyWhenSynced(t *testing.T) {
	f := newFixture(t)
	f.applyRemote(t, f.remote.Delete(6, 5))

	if _, ok := rangeByID(f.view.Ranges(), "B"); ok {
		t.Fatal("expected no range for deleted selection")
	}
	f.manager.Wait()
	if ids := f.backend.markedIDs(); len(ids) != 0 {
		t.Fatalf("marked while only loaded: %v", ids)
	}

	f.conn.Set(realtime.StateSynced)
	f.manager.Wait()

	if ids := f.backend.markedIDs(); len(ids) != 1 || ids[0] != "B" {
		t.Fatalf("expected B marked once, got %v", ids)
	}
	for _, thread := range f.manager.State().Threads {
		want := comments.StatusOpen
		if thread.ID == "B" {
			want = comments.StatusOutdated
		}
		if thread.Status != want {
			t.Fatalf("thread %s: expected %s, got %s", thread.ID, want, thread.Status)
		}
	}
	if _, ok := rangeByID(f.view.Ranges(), "B"); ok {
		t.Fatal("outdated thread still has a range")
	}
	if _, ok := rangeByID(f.view.Ranges(), "A"); !ok {
		t.Fatal("expected A to keep its range")
	}
}

func TestViewMarksOnceAcrossLaterEdits(t *testing.T) {
	f := newFixture(t)
	f.applyRemote(t, f.remote.Delete(6, 5))
	f.conn.Set(realtime.StateSynced)
	f.applyRemote(t, f.remote.Insert(0, "> "))
	f.conn.Set(realtime.StateLoaded)
	f.conn.Set(realtime.StateSynced)
	f.manager.Wait()

	if ids := f.backend.markedIDs(); len(ids) != 1 || ids[0] != "B" {
		t.Fatalf("expected B marked once, got %v", ids)
	}
}

func TestViewSyncWhileLoadingWaitsForThreads(t *testing.T) {
	doc := textdoc.New("alice")
	doc.Insert(0, "hello world")
	sel := comments.NewSelection(doc, 6, 11)
	backend := &fakeBackend{threads: []comments.Thread{{ID: "B", Selection: &sel, Status: comments.StatusOpen}}}
	manager := comments.NewManager("doc-1", backend)
	conn := realtime.NewStateTracker()
	view := New(doc, conn, manager, &recordingRenderer{})
	view.Start(context.Background())
	defer view.Close()

	doc.Delete(6, 5)
	conn.Set(realtime.StateSynced)
	manager.Wait()
	if ids := backend.markedIDs(); len(ids) != 0 {
		t.Fatalf("marked before threads loaded: %v", ids)
	}

	if err := manager.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	manager.Wait()
	if ids := backend.markedIDs(); len(ids) != 1 || ids[0] != "B" {
		t.Fatalf("expected B marked after load, got %v", ids)
	}
}

func TestViewTogglesActiveRange(t *testing.T) {
	f := newFixture(t)

	f.manager.Focus("B")
	b, _ := rangeByID(f.view.Ranges(), "B")
	a, _ := rangeByID(f.view.Ranges(), "A")
	if !b.Active || a.Active {
		t.Fatalf("expected only B active, got A=%+v B=%+v", a, b)
	}

	f.manager.ShowList(nil)
	after, _ := rangeByID(f.view.Ranges(), "B")
	if after.Active {
		t.Fatalf("expected B inactive, got %+v", after)
	}
	if after.Start != b.Start || after.End != b.End {
		t.Fatalf("range moved on selection change: %+v -> %+v", b, after)
	}
}

func TestViewCommentClickFiltersList(t *testing.T) {
	f := newFixture(t)
	f.view.CommentClick([]string{"B"})

	state := f.manager.State()
	if state.Mode != comments.ModeList {
		t.Fatalf("expected list mode, got %s", state.Mode)
	}
	visible := state.Visible()
	if len(visible) != 1 || visible[0].ID != "B" {
		t.Fatalf("expected only B visible, got %+v", visible)
	}
}

func TestViewReadyFollowsConnection(t *testing.T) {
	doc := textdoc.New("alice")
	conn := realtime.NewStateTracker()
	view := New(doc, conn, comments.NewManager("doc-1", &fakeBackend{}), &recordingRenderer{})
	view.Start(context.Background())
	defer view.Close()

	if view.Ready() {
		t.Fatal("expected not ready while loading")
	}
	conn.Set(realtime.StateLoaded)
	if !view.Ready() {
		t.Fatal("expected ready once loaded")
	}
}

func TestViewCloseReleasesSubscriptions(t *testing.T) {
	f := newFixture(t)
	f.view.Close()

	if n := f.doc.Listeners(); n != 0 {
		t.Fatalf("expected no document listeners, got %d", n)
	}
	if n := f.conn.Listeners(); n != 0 {
		t.Fatalf("expected no connection listeners, got %d", n)
	}
	if n := f.manager.Listeners(); n != 0 {
		t.Fatalf("expected no manager listeners, got %d", n)
	}

	before := f.renderer.passes()
	f.applyRemote(t, f.remote.Insert(0, "X "))
	if f.renderer.passes() != before {
		t.Fatal("closed view kept rendering")
	}
}
