package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is a replica reporting that the key does not exist.
	ErrNotFound = errors.New("storage: key not found")

	// ErrUnderReplicated is the liveness gate: fewer live connections
	// than the configured minimum, so no operation is attempted.
	ErrUnderReplicated = errors.New("storage: too low number of existing states")
)

// ConsistencyError reports a write that did not meet the namespace
// policy. Good and Bad list the groups that did and did not confirm.
type ConsistencyError struct {
	Good []int
	Bad  []int
	Errs error
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("storage: consistency not satisfied: good=%v bad=%v", e.Good, e.Bad)
}

func (e *ConsistencyError) Unwrap() error {
	return e.Errs
}
