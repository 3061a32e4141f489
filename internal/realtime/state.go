// Package realtime moves document updates between replicas over websockets
// and tracks how far the local replica has caught up with the relay.
package realtime

import "sync"

type ConnState int

const (
	// StateLoading: nothing applied yet.
	StateLoading ConnState = iota
	// StateLoaded: the locally cached replica is applied.
	StateLoaded
	// StateSynced: every update the relay held at connect time is applied.
	StateSynced
)

func (s ConnState) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateSynced:
		return "synced"
	default:
		return "unknown"
	}
}

type StateTracker struct {
	mu        sync.Mutex
	state     ConnState
	listeners map[int]func(ConnState)
	nextSub   int
}

func NewStateTracker() *StateTracker {
	return &StateTracker{listeners: make(map[int]func(ConnState))}
}

func (t *StateTracker) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Set records state and notifies listeners if it changed.
func (t *StateTracker) Set(state ConnState) {
	t.mu.Lock()
	if t.state == state {
		t.mu.Unlock()
		return
	}
	t.state = state
	listeners := make([]func(ConnState), 0, len(t.listeners))
	for id := 0; id <= t.nextSub; id++ {
		if fn, ok := t.listeners[id]; ok {
			listeners = append(listeners, fn)
		}
	}
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(state)
	}
}

func (t *StateTracker) Subscribe(fn func(ConnState)) func() {
	t.mu.Lock()
	t.nextSub++
	id := t.nextSub
	t.listeners[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

func (t *StateTracker) Listeners() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.listeners)
}
