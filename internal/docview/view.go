// Package docview keeps the inline comment highlights of an open document in
// step with document edits and with the comment panel selection.
package docview

import (
	"context"
	"sync"

	"marginalia/internal/comments"
	"marginalia/internal/realtime"
	"marginalia/internal/textdoc"
)

// Document is the replicated text a View renders.
type Document interface {
	Subscribe(func(textdoc.Event)) func()
	Snapshot() *textdoc.Snapshot
}

// Connection reports how far the local replica has caught up.
type Connection interface {
	State() realtime.ConnState
	Subscribe(func(realtime.ConnState)) func()
}

// Renderer receives the output of every pass. It is called from whichever
// goroutine delivered the triggering event, never concurrently.
type Renderer interface {
	RenderHighlights([]comments.HighlightRange)
	RenderContent(string)
}

// pass is one queued recompute. A nil snapshot means a selection-only pass
// against the latest document state seen. A pass over a document state no
// full pass has handled yet is promoted to a full pass; this happens when
// edits arrive while the thread list is still loading.
type pass struct {
	snap *textdoc.Snapshot
}

// View recomputes highlights whenever the document, the connection or the
// thread state changes.
type View struct {
	doc      Document
	conn     Connection
	manager  *comments.Manager
	detector *comments.Detector
	renderer Renderer

	ctx context.Context

	mu          sync.Mutex
	queue       []pass
	running     bool
	started     bool
	closed      bool
	snap        *textdoc.Snapshot
	handled     *textdoc.Snapshot
	ranges      []comments.HighlightRange
	content     string
	ready       bool
	unsubscribe []func()
}

// New builds a View. Nothing is subscribed until Start.
func New(doc Document, conn Connection, manager *comments.Manager, renderer Renderer) *View {
	return &View{
		doc:      doc,
		conn:     conn,
		manager:  manager,
		detector: comments.NewDetector(manager),
		renderer: renderer,
		ctx:      context.Background(),
	}
}

// Start subscribes to the document, the connection and the manager, then
// runs one full pass against the current document state.
func (v *View) Start(ctx context.Context) {
	v.mu.Lock()
	if v.started || v.closed {
		v.mu.Unlock()
		return
	}
	v.started = true
	v.ctx = ctx
	v.ready = isReady(v.conn.State())
	v.mu.Unlock()

	unsubs := []func(){
		v.conn.Subscribe(v.onConnState),
		v.manager.Subscribe(func(comments.State) { v.schedule(pass{}) }),
		v.doc.Subscribe(v.onDocumentEvent),
	}
	v.mu.Lock()
	v.unsubscribe = unsubs
	v.mu.Unlock()

	v.schedule(pass{snap: v.doc.Snapshot()})
}

// Close drops every subscription. Passes already queued are discarded.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.queue = nil
	unsubs := v.unsubscribe
	v.unsubscribe = nil
	v.mu.Unlock()

	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
}

// CommentClick shows the list of threads under a clicked highlight. It does
// nothing until the thread list has loaded.
func (v *View) CommentClick(ids []string) {
	if len(ids) == 0 || v.manager.State().Mode == comments.ModeListLoading {
		return
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	v.manager.ShowList(func(thread comments.Thread) bool {
		_, ok := set[thread.ID]
		return ok
	})
}

// Ranges returns the highlights of the last pass.
func (v *View) Ranges() []comments.HighlightRange {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]comments.HighlightRange, len(v.ranges))
	copy(out, v.ranges)
	return out
}

// Content returns the document text of the last full pass.
func (v *View) Content() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.content
}

// Ready reports whether the document content can be shown, which is once
// the replica is at least loaded.
func (v *View) Ready() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ready
}

func (v *View) onDocumentEvent(ev textdoc.Event) {
	snap := ev.Snapshot
	if snap == nil {
		snap = v.doc.Snapshot()
	}
	v.schedule(pass{snap: snap})
}

// onConnState reruns detection once the replica is synced. Edits applied
// during catch-up were reconciled while detection was still gated off.
func (v *View) onConnState(state realtime.ConnState) {
	if !isReady(state) {
		return
	}
	v.mu.Lock()
	v.ready = true
	if state == realtime.StateSynced {
		v.handled = nil
	}
	v.mu.Unlock()
	if state == realtime.StateSynced {
		v.schedule(pass{snap: v.doc.Snapshot()})
	}
}

func isReady(state realtime.ConnState) bool {
	return state == realtime.StateLoaded || state == realtime.StateSynced
}

// schedule queues p and drains the queue unless another call is already
// draining it. Events raised by a pass, such as the manager notifying an
// outdated thread, are queued behind it instead of running inside it.
func (v *View) schedule(p pass) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.queue = append(v.queue, p)
	if v.running {
		v.mu.Unlock()
		return
	}
	v.running = true
	for len(v.queue) > 0 {
		next := v.queue[0]
		v.queue = v.queue[1:]
		v.mu.Unlock()
		v.run(next)
		v.mu.Lock()
	}
	v.running = false
	v.mu.Unlock()
}

func (v *View) run(p pass) {
	state := v.manager.State()

	v.mu.Lock()
	if p.snap != nil && (v.snap == nil || p.snap.Covers(v.snap.StateVector())) {
		v.snap = p.snap
	}
	if v.snap == nil {
		v.snap = v.doc.Snapshot()
	}
	snap := v.snap
	full := snap != v.handled
	ctx := v.ctx
	v.mu.Unlock()

	if state.Mode == comments.ModeListLoading {
		return
	}

	result := comments.Reconcile(state.Threads, snap, state.ActiveThreadID())
	if full {
		v.detector.Detect(ctx, v.conn.State() == realtime.StateSynced, result.Unresolved)
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.ranges = result.Ranges
	if full {
		v.content = snap.Text()
		v.handled = snap
	}
	v.mu.Unlock()

	v.renderer.RenderHighlights(result.Ranges)
	if full {
		v.renderer.RenderContent(snap.Text())
	}
}
