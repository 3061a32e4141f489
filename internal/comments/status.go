package comments

import (
	"errors"
	"fmt"
	"strings"
)

// Status is the lifecycle state of a thread. The set is closed; use
// Transition to move between values.
type Status string

const (
	StatusOpen     Status = "open"
	StatusClosed   Status = "closed"
	StatusOutdated Status = "outdated"
)

var ErrInvalidTransition = errors.New("invalid status transition")

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusOpen: {
		StatusClosed:   {},
		StatusOutdated: {},
	},
	StatusClosed: {
		StatusOpen: {},
	},
	// outdated is terminal
	StatusOutdated: {},
}

// Transition validates from -> to. Moving to the current status is allowed
// and returns it unchanged, which keeps repeated requests idempotent.
func Transition(from, to Status) (Status, error) {
	if _, ok := allowedTransitions[from]; !ok {
		return from, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, from)
	}
	if from == to {
		return from, nil
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return to, nil
}

func ParseStatus(value string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := allowedTransitions[status]; !ok {
		return "", fmt.Errorf("unknown thread status %q", value)
	}
	return status, nil
}

func (s Status) Terminal() bool {
	return s == StatusOutdated
}
