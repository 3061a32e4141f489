package textdoc

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ID identifies one operation. Insert ids double as character ids.
type ID struct {
	Agent string `json:"agent"`
	Seq   int    `json:"seq"`
}

func (id ID) String() string {
	return fmt.Sprintf("%s:%d", id.Agent, id.Seq)
}

type OpType string

const (
	OpInsert OpType = "ins"
	OpDelete OpType = "del"
)

// Op is a single replicated operation. Inserts place Value after Origin
// (nil means document start); deletes tombstone Target.
type Op struct {
	Type    OpType `json:"type"`
	ID      ID     `json:"id"`
	Lamport int    `json:"lamport,omitempty"`
	Origin  *ID    `json:"origin,omitempty"`
	Value   string `json:"value,omitempty"`
	Target  *ID    `json:"target,omitempty"`
}

// Update is the unit exchanged between replicas.
type Update struct {
	Ops []Op `json:"ops"`
}

func (u Update) Empty() bool {
	return len(u.Ops) == 0
}

var ErrMalformedOp = errors.New("malformed op")

func (op Op) validate() error {
	if op.ID.Agent == "" || op.ID.Seq <= 0 {
		return fmt.Errorf("%w: invalid id %s", ErrMalformedOp, op.ID)
	}
	switch op.Type {
	case OpInsert:
		if utf8.RuneCountInString(op.Value) != 1 {
			return fmt.Errorf("%w: insert %s must carry exactly one character", ErrMalformedOp, op.ID)
		}
		if op.Lamport <= 0 {
			return fmt.Errorf("%w: insert %s has no lamport clock", ErrMalformedOp, op.ID)
		}
	case OpDelete:
		if op.Target == nil {
			return fmt.Errorf("%w: delete %s has no target", ErrMalformedOp, op.ID)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformedOp, op.Type)
	}
	return nil
}

func EncodeUpdate(u Update) ([]byte, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	return data, nil
}

func DecodeUpdate(data []byte) (Update, error) {
	var u Update
	if err := json.Unmarshal(data, &u); err != nil {
		return Update{}, fmt.Errorf("decode update: %w", err)
	}
	for _, op := range u.Ops {
		if err := op.validate(); err != nil {
			return Update{}, err
		}
	}
	return u, nil
}

// StateVector maps each agent to the number of its ops applied locally.
type StateVector map[string]int
