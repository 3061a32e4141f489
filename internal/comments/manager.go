package comments

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

type Mode string

const (
	ModeListLoading Mode = "list_loading"
	ModeList        Mode = "list"
	ModeThread      Mode = "thread"
)

var ErrUnknownThread = errors.New("unknown thread")

// Backend is the server side of the thread store.
type Backend interface {
	ListThreads(ctx context.Context, documentID string) ([]Thread, error)
	MarkThreadOutdated(ctx context.Context, documentID, threadID string) (Thread, error)
}

// State is an immutable copy of the manager state handed to readers.
type State struct {
	Mode    Mode
	Threads []Thread
	// ThreadID is the focused thread when Mode is ModeThread.
	ThreadID string
	filter   func(Thread) bool
}

func (s State) ActiveThreadID() string {
	if s.Mode != ModeThread {
		return ""
	}
	return s.ThreadID
}

// Visible returns the threads the list view shows, applying the list filter.
func (s State) Visible() []Thread {
	if s.Mode != ModeList || s.filter == nil {
		return s.Threads
	}
	visible := make([]Thread, 0, len(s.Threads))
	for _, thread := range s.Threads {
		if s.filter(thread) {
			visible = append(visible, thread)
		}
	}
	return visible
}

type stateListener struct {
	id int
	fn func(State)
}

// Manager holds the thread list of one document and the comment panel mode.
type Manager struct {
	documentID string
	backend    Backend

	mu        sync.Mutex
	state     State
	listeners []stateListener
	nextSub   int

	inflight sync.WaitGroup
}

func NewManager(documentID string, backend Backend) *Manager {
	return &Manager{
		documentID: documentID,
		backend:    backend,
		state:      State{Mode: ModeListLoading, Threads: []Thread{}},
	}
}

func (m *Manager) DocumentID() string {
	return m.documentID
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers fn for every state change.
func (m *Manager) Subscribe(fn func(State)) func() {
	m.mu.Lock()
	m.nextSub++
	id := m.nextSub
	m.listeners = append(m.listeners, stateListener{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, l := range m.listeners {
				if l.id == id {
					m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func (m *Manager) Listeners() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

// Load fetches the thread list. Threads already outdated locally stay
// outdated even if the backend has not caught up yet.
func (m *Manager) Load(ctx context.Context) error {
	threads, err := m.backend.ListThreads(ctx, m.documentID)
	if err != nil {
		return fmt.Errorf("load threads: %w", err)
	}
	m.update(func(s *State) bool {
		outdated := make(map[string]struct{})
		for _, thread := range s.Threads {
			if thread.Status == StatusOutdated {
				outdated[thread.ID] = struct{}{}
			}
		}
		next := make([]Thread, len(threads))
		copy(next, threads)
		for i := range next {
			if _, ok := outdated[next[i].ID]; ok {
				next[i].Status = StatusOutdated
			}
		}
		s.Threads = next
		if s.Mode == ModeListLoading {
			s.Mode = ModeList
		}
		return true
	})
	return nil
}

// Upsert adds or replaces one thread.
func (m *Manager) Upsert(thread Thread) {
	m.update(func(s *State) bool {
		next := make([]Thread, 0, len(s.Threads)+1)
		replaced := false
		for _, existing := range s.Threads {
			if existing.ID == thread.ID {
				if existing.Status == StatusOutdated {
					thread.Status = StatusOutdated
				}
				next = append(next, thread)
				replaced = true
				continue
			}
			next = append(next, existing)
		}
		if !replaced {
			next = append(next, thread)
		}
		s.Threads = next
		return true
	})
}

// SetMode switches mode and clears the focus and the list filter.
func (m *Manager) SetMode(mode Mode) {
	m.update(func(s *State) bool {
		if s.Mode == mode && s.ThreadID == "" && s.filter == nil {
			return false
		}
		s.Mode = mode
		s.ThreadID = ""
		s.filter = nil
		return true
	})
}

// Focus switches to the single-thread mode for threadID.
func (m *Manager) Focus(threadID string) {
	m.update(func(s *State) bool {
		if s.Mode == ModeThread && s.ThreadID == threadID {
			return false
		}
		s.Mode = ModeThread
		s.ThreadID = threadID
		s.filter = nil
		return true
	})
}

// ShowList switches to the list mode. A nil filter shows every thread.
func (m *Manager) ShowList(filter func(Thread) bool) {
	m.update(func(s *State) bool {
		s.Mode = ModeList
		s.ThreadID = ""
		s.filter = filter
		return true
	})
}

// MarkThreadOutdated moves thread to outdated locally and reports it to the
// backend in the background. It is a no-op for threads already outdated.
func (m *Manager) MarkThreadOutdated(ctx context.Context, thread Thread) error {
	var transitionErr error
	changed := m.update(func(s *State) bool {
		idx := -1
		for i := range s.Threads {
			if s.Threads[i].ID == thread.ID {
				idx = i
				break
			}
		}
		if idx < 0 {
			transitionErr = fmt.Errorf("%w: %s", ErrUnknownThread, thread.ID)
			return false
		}
		next, err := Transition(s.Threads[idx].Status, StatusOutdated)
		if err != nil {
			transitionErr = err
			return false
		}
		if next == s.Threads[idx].Status {
			return false
		}
		threads := make([]Thread, len(s.Threads))
		copy(threads, s.Threads)
		threads[idx].Status = next
		s.Threads = threads
		return true
	})
	if transitionErr != nil || !changed {
		return transitionErr
	}

	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		if _, err := m.backend.MarkThreadOutdated(context.WithoutCancel(ctx), m.documentID, thread.ID); err != nil {
			log.Printf("comments: report thread %s outdated: %v", thread.ID, err)
		}
	}()
	return nil
}

// Wait blocks until every background backend call has returned.
func (m *Manager) Wait() {
	m.inflight.Wait()
}

// update applies fn and notifies listeners when fn reports a change.
func (m *Manager) update(fn func(*State) bool) bool {
	m.mu.Lock()
	changed := fn(&m.state)
	state := m.state
	listeners := make([]stateListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	if !changed {
		return false
	}
	for _, l := range listeners {
		l.fn(state)
	}
	return true
}
