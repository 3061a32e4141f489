// Package textdoc is a replicated plain-text document. Characters are kept in
// an RGA sequence ordered by (lamport, agent); deleted characters stay in the
// sequence as tombstones so positions can still be anchored to them.
package textdoc

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginLocal {
		return "local"
	}
	return "remote"
}

// Event is delivered to subscribers once per mutation that changed the
// document. Snapshot is the state right after that mutation.
type Event struct {
	Origin   Origin
	Update   Update
	Snapshot *Snapshot
}

type item struct {
	id      ID
	lamport int
	value   rune
	deleted bool
}

// precedes reports whether a is ordered before a new sibling carrying
// (lamport, agent).
func (a *item) precedes(lamport int, agent string) bool {
	if a.lamport != lamport {
		return a.lamport > lamport
	}
	return a.id.Agent > agent
}

type listener struct {
	id int
	fn func(Event)
}

type Document struct {
	agent string

	// dispatchMu serializes mutation plus delivery so listeners observe
	// events in mutation order. Listeners must not mutate the document.
	dispatchMu sync.Mutex

	mu      sync.Mutex
	seq     int
	clock   int
	items   []*item
	byID    map[ID]*item
	log     map[string][]Op
	pending []Op

	subMu     sync.Mutex
	listeners []listener
	nextSub   int
}

// New creates an empty document edited locally as agent. An empty agent gets
// a random one.
func New(agent string) *Document {
	if agent == "" {
		agent = uuid.NewString()
	}
	return &Document{
		agent: agent,
		byID:  make(map[ID]*item),
		log:   make(map[string][]Op),
	}
}

func (d *Document) Agent() string {
	return d.agent
}

// Subscribe registers fn for every subsequent mutation. The returned function
// removes it; calling it more than once is harmless.
func (d *Document) Subscribe(fn func(Event)) func() {
	d.subMu.Lock()
	d.nextSub++
	id := d.nextSub
	d.listeners = append(d.listeners, listener{id: id, fn: fn})
	d.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.subMu.Lock()
			defer d.subMu.Unlock()
			for i, l := range d.listeners {
				if l.id == id {
					d.listeners = append(d.listeners[:i], d.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Listeners returns the number of live subscriptions.
func (d *Document) Listeners() int {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	return len(d.listeners)
}

// Insert inserts text at the visible offset pos and returns the ops to send
// to other replicas.
func (d *Document) Insert(pos int, text string) Update {
	return d.mutate(OriginLocal, func() Update {
		if pos < 0 {
			pos = 0
		}
		if n := d.visibleLen(); pos > n {
			pos = n
		}
		var origin *ID
		if pos > 0 {
			id := d.visibleAt(pos - 1).id
			origin = &id
		}
		ops := make([]Op, 0, len(text))
		for _, r := range text {
			d.seq++
			d.clock++
			op := Op{
				Type:    OpInsert,
				ID:      ID{Agent: d.agent, Seq: d.seq},
				Lamport: d.clock,
				Origin:  origin,
				Value:   string(r),
			}
			d.integrate(op)
			ops = append(ops, op)
			id := op.ID
			origin = &id
		}
		return Update{Ops: ops}
	})
}

// Delete removes n visible characters starting at pos. A non-positive n
// deletes nothing.
func (d *Document) Delete(pos, n int) Update {
	if n <= 0 {
		return Update{}
	}
	return d.mutate(OriginLocal, func() Update {
		ops := make([]Op, 0, n)
		for i := 0; i < n; i++ {
			if pos < 0 || pos >= d.visibleLen() {
				break
			}
			target := d.visibleAt(pos).id
			d.seq++
			op := Op{
				Type:   OpDelete,
				ID:     ID{Agent: d.agent, Seq: d.seq},
				Target: &target,
			}
			d.integrate(op)
			ops = append(ops, op)
		}
		return Update{Ops: ops}
	})
}

// Apply merges ops received from another replica. Ops already seen are
// skipped; ops whose per-agent predecessor, origin or target is not known yet
// are held until it arrives.
func (d *Document) Apply(u Update) error {
	for _, op := range u.Ops {
		if err := op.validate(); err != nil {
			return err
		}
	}
	d.mutate(OriginRemote, func() Update {
		d.pending = append(d.pending, u.Ops...)
		return d.drainPending()
	})
	return nil
}

// Pending returns the number of received ops still waiting on a dependency.
func (d *Document) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Document) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.textLocked()
}

func (d *Document) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.visibleLen()
}

func (d *Document) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	sv := make(StateVector, len(d.log))
	for agent, ops := range d.log {
		sv[agent] = len(ops)
	}
	return sv
}

// UpdatesSince returns every applied op the holder of sv has not seen, in
// per-agent order.
func (d *Document) UpdatesSince(sv StateVector) Update {
	d.mu.Lock()
	defer d.mu.Unlock()
	agents := make([]string, 0, len(d.log))
	for agent := range d.log {
		agents = append(agents, agent)
	}
	sort.Strings(agents)
	var ops []Op
	for _, agent := range agents {
		seen := sv[agent]
		if seen < 0 {
			seen = 0
		}
		if seen < len(d.log[agent]) {
			ops = append(ops, d.log[agent][seen:]...)
		}
	}
	return Update{Ops: ops}
}

func (d *Document) Snapshot() *Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

func (d *Document) mutate(origin Origin, fn func() Update) Update {
	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()

	update, snap := d.applyLocked(fn)
	if snap != nil {
		d.emit(Event{Origin: origin, Update: update, Snapshot: snap})
	}
	return update
}

func (d *Document) applyLocked(fn func() Update) (Update, *Snapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	update := fn()
	if update.Empty() || d.Listeners() == 0 {
		return update, nil
	}
	return update, d.snapshotLocked()
}

func (d *Document) emit(ev Event) {
	d.subMu.Lock()
	listeners := make([]listener, len(d.listeners))
	copy(listeners, d.listeners)
	d.subMu.Unlock()
	for _, l := range listeners {
		l.fn(ev)
	}
}

func (d *Document) drainPending() Update {
	var applied []Op
	for {
		progressed := false
		rest := d.pending[:0]
		for _, op := range d.pending {
			switch d.check(op) {
			case opDuplicate:
				progressed = true
			case opReady:
				d.integrate(op)
				applied = append(applied, op)
				progressed = true
			default:
				rest = append(rest, op)
			}
		}
		d.pending = rest
		if !progressed || len(d.pending) == 0 {
			break
		}
	}
	return Update{Ops: applied}
}

type readiness int

const (
	opBlocked readiness = iota
	opReady
	opDuplicate
)

func (d *Document) check(op Op) readiness {
	have := len(d.log[op.ID.Agent])
	if op.ID.Seq <= have {
		return opDuplicate
	}
	if op.ID.Seq != have+1 {
		return opBlocked
	}
	switch op.Type {
	case OpInsert:
		if op.Origin != nil {
			if _, ok := d.byID[*op.Origin]; !ok {
				return opBlocked
			}
		}
	case OpDelete:
		if _, ok := d.byID[*op.Target]; !ok {
			return opBlocked
		}
	}
	return opReady
}

// integrate applies an op whose dependencies are present. Inserts skip past
// siblings that sort ahead of them (and, transitively, their descendants,
// whose clocks are always higher).
func (d *Document) integrate(op Op) {
	d.log[op.ID.Agent] = append(d.log[op.ID.Agent], op)
	if op.ID.Agent == d.agent && op.ID.Seq > d.seq {
		d.seq = op.ID.Seq
	}
	switch op.Type {
	case OpInsert:
		if op.Lamport > d.clock {
			d.clock = op.Lamport
		}
		r := []rune(op.Value)[0]
		it := &item{id: op.ID, lamport: op.Lamport, value: r}
		pos := 0
		if op.Origin != nil {
			pos = d.indexOf(*op.Origin) + 1
		}
		for pos < len(d.items) && d.items[pos].precedes(op.Lamport, op.ID.Agent) {
			pos++
		}
		d.items = append(d.items, nil)
		copy(d.items[pos+1:], d.items[pos:])
		d.items[pos] = it
		d.byID[op.ID] = it
	case OpDelete:
		d.byID[*op.Target].deleted = true
	}
}

func (d *Document) indexOf(id ID) int {
	for i, it := range d.items {
		if it.id == id {
			return i
		}
	}
	panic(fmt.Sprintf("textdoc: item %s not integrated", id))
}

func (d *Document) visibleLen() int {
	n := 0
	for _, it := range d.items {
		if !it.deleted {
			n++
		}
	}
	return n
}

func (d *Document) visibleAt(pos int) *item {
	n := 0
	for _, it := range d.items {
		if it.deleted {
			continue
		}
		if n == pos {
			return it
		}
		n++
	}
	return nil
}

func (d *Document) textLocked() string {
	var b strings.Builder
	for _, it := range d.items {
		if !it.deleted {
			b.WriteRune(it.value)
		}
	}
	return b.String()
}
