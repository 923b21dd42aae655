package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrInvalidArgument = errors.New("invalid argument")
)

// StepExecutionError is returned when a step handler fails. It ends the run.
type StepExecutionError struct {
	Step int
	Err  error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %d (%s) failed: %v", e.Step, StepName(e.Step), e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

// PersistenceError marks a durable write that failed. Callers log it and keep going.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
