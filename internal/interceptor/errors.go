package interceptor

import (
	"errors"
	"fmt"
)

var (
	// ErrSuspended signals that an invocation was parked for external completion.
	ErrSuspended = errors.New("invocation suspended")
	// ErrUnknownPhase is returned when an interceptor names a phase the chain does not have.
	ErrUnknownPhase = errors.New("unknown phase")
	// ErrNotFound is returned when a start id does not match any interceptor.
	ErrNotFound = errors.New("interceptor not found")
	// ErrNotPaused is returned by Resume when the chain has nothing to continue.
	ErrNotPaused = errors.New("chain is not paused")
	// ErrResumeQueued is returned by Resume when a running walk takes over the resume.
	ErrResumeQueued = errors.New("resume queued for the running walk")
)

// SuspendedInvocationError parks the current invocation. It matches ErrSuspended.
type SuspendedInvocationError struct {
	Cause error
}

// Suspend returns a SuspendedInvocationError wrapping cause.
func Suspend(cause error) error {
	return &SuspendedInvocationError{Cause: cause}
}

func (e *SuspendedInvocationError) Error() string {
	if e.Cause == nil {
		return ErrSuspended.Error()
	}
	return fmt.Sprintf("%s: %v", ErrSuspended, e.Cause)
}

func (e *SuspendedInvocationError) Is(target error) bool { return target == ErrSuspended }

func (e *SuspendedInvocationError) Unwrap() error { return e.Cause }

// OrderingConflictError reports an interceptor whose before and after constraints cannot
// both be satisfied within its phase.
type OrderingConflictError struct {
	ID     string
	Phase  string
	Before string
	After  string
}

func (e *OrderingConflictError) Error() string {
	return fmt.Sprintf("interceptor %q in phase %q must run before %q and after %q", e.ID, e.Phase, e.Before, e.After)
}

// PanicError is the fault recorded when an interceptor panics.
type PanicError struct {
	ID    string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("interceptor %q panicked: %v", e.ID, e.Value)
}

// Unwrap exposes the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
