package cluster

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the requested cluster resource does not exist.
var ErrNotFound = errors.New("cluster: resource not found")

var errConflict = errors.New("cluster: resource already exists")

// APIError wraps a failure reported by the orchestration platform.
type APIError struct {
	Op  string
	Err error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cluster %s: %v", e.Op, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

func apiError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("cluster %s: %w", op, err)
	}
	var existing *APIError
	if errors.As(err, &existing) {
		return err
	}
	return &APIError{Op: op, Err: err}
}
