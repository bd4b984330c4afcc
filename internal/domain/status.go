package domain

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a product instance.
type Status string

// Product lifecycle states.
const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusFailed   Status = "failed"
)

// transitions is the single source of truth for legal status changes.
var transitions = map[Status]map[Status]struct{}{
	StatusStopped: {
		StatusStarting: {},
	},
	StatusStarting: {
		StatusStarting: {},
		StatusRunning:  {},
		StatusFailed:   {},
		StatusStopping: {},
		StatusStopped:  {},
	},
	StatusRunning: {
		StatusStopping: {},
		StatusStopped:  {},
	},
	StatusStopping: {
		StatusStopping: {},
		StatusStopped:  {},
	},
	StatusFailed: {
		StatusStarting: {},
		StatusStopping: {},
		StatusStopped:  {},
	},
}

// TransitionError reports a status change the lifecycle table does not allow.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

// ParseStatus converts a persisted value into a Status.
func ParseStatus(value string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(value)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown product status %q", value)
	}
	return s, nil
}

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether moving from s to next is permitted.
func (s Status) CanTransition(next Status) bool {
	allowed, ok := transitions[s]
	if !ok {
		return false
	}
	_, ok = allowed[next]
	return ok
}

// ValidateTransition returns a *TransitionError when from -> to is not permitted.
func ValidateTransition(from, to Status) error {
	if !from.CanTransition(to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// Deployed reports whether a product in this state is expected to own a cluster service.
func (s Status) Deployed() bool {
	return s == StatusRunning || s == StatusStopping
}

func (s Status) String() string {
	return string(s)
}
