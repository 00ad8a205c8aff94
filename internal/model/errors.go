package model

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidState = errors.New("invalid state transition")
	ErrNoCommand    = errors.New("command is empty")
)

// StateError is returned when a job would leave the state machine.
type StateError struct {
	ID   string
	From State
	To   State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("job %s: %s -> %s: %s", e.ID, e.From, e.To, ErrInvalidState)
}

func (e *StateError) Unwrap() error {
	return ErrInvalidState
}
