package statemachine

import (
	"errors"
	"fmt"
)

var (
	ErrIncompleteTransition = errors.New("transition needs a target state and an event")
	ErrUnfinishedTransition = errors.New("transition started with From but never added")
	ErrNoTransitionStarted  = errors.New("transition step called before From")
)

// NoTransitionError means the current state has no edge for the event.
type NoTransitionError struct {
	State string
	Event string
}

func (e *NoTransitionError) Error() string {
	return fmt.Sprintf("no transition available from state '%s' for event '%s'", e.State, e.Event)
}

// RejectedError means every candidate edge was blocked by a guard.
type RejectedError struct {
	State string
	Event string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("transition from state '%s' for event '%s' was rejected by guards", e.State, e.Event)
}

func IsNoTransition(err error) bool {
	var e *NoTransitionError
	return errors.As(err, &e)
}

func IsRejected(err error) bool {
	var e *RejectedError
	return errors.As(err, &e)
}
