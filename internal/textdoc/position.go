package textdoc

// RelativePosition points at a character rather than an offset, so it keeps
// its meaning while other replicas edit around it.
//
// With Assoc >= 0 it is the position just before Item; with Assoc < 0 it is
// the position just after Item. A nil Item refers to the document end
// (Assoc >= 0) or start (Assoc < 0).
type RelativePosition struct {
	Item  *ID `json:"item,omitempty"`
	Assoc int `json:"assoc"`
}

// RelativePosition captures the visible offset index.
func (d *Document) RelativePosition(index, assoc int) RelativePosition {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.visibleLen()
	if assoc >= 0 {
		if index < 0 {
			index = 0
		}
		if index >= n {
			return RelativePosition{Assoc: assoc}
		}
		id := d.visibleAt(index).id
		return RelativePosition{Item: &id, Assoc: assoc}
	}
	if index > n {
		index = n
	}
	if index <= 0 {
		return RelativePosition{Assoc: assoc}
	}
	id := d.visibleAt(index - 1).id
	return RelativePosition{Item: &id, Assoc: assoc}
}

// ResolvePosition maps rp to a visible offset in the current state.
func (d *Document) ResolvePosition(rp RelativePosition) (int, bool) {
	return d.Snapshot().ResolvePosition(rp)
}

// Snapshot is an immutable view of a document at one point in its history.
type Snapshot struct {
	text   string
	length int
	// offsets holds the visible offset of every live character.
	offsets map[ID]int
	vector  StateVector
}

func (d *Document) snapshotLocked() *Snapshot {
	s := &Snapshot{
		text:    d.textLocked(),
		offsets: make(map[ID]int, len(d.items)),
		vector:  make(StateVector, len(d.log)),
	}
	for _, it := range d.items {
		if it.deleted {
			continue
		}
		s.offsets[it.id] = s.length
		s.length++
	}
	for agent, ops := range d.log {
		s.vector[agent] = len(ops)
	}
	return s
}

func (s *Snapshot) Text() string {
	return s.text
}

func (s *Snapshot) Len() int {
	return s.length
}

func (s *Snapshot) StateVector() StateVector {
	sv := make(StateVector, len(s.vector))
	for agent, n := range s.vector {
		sv[agent] = n
	}
	return sv
}

// Covers reports whether every op counted in sv is part of this snapshot.
func (s *Snapshot) Covers(sv StateVector) bool {
	for agent, n := range sv {
		if s.vector[agent] < n {
			return false
		}
	}
	return true
}

// ResolvePosition returns false when the referenced character was deleted or
// has not reached this replica yet.
func (s *Snapshot) ResolvePosition(rp RelativePosition) (int, bool) {
	if rp.Item == nil {
		if rp.Assoc >= 0 {
			return s.length, true
		}
		return 0, true
	}
	offset, ok := s.offsets[*rp.Item]
	if !ok {
		return 0, false
	}
	if rp.Assoc < 0 {
		offset++
	}
	return offset, true
}
