package report

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a selector matches no stored attempt.
var ErrNotFound = errors.New("no matching attempt")

// StoreInitError means the backing file is unwritable or carries an
// incompatible schema. It is fatal at startup.
type StoreInitError struct {
	Path string
	Err  error
}

func (e *StoreInitError) Error() string {
	return fmt.Sprintf("init store %s: %v", e.Path, e.Err)
}

func (e *StoreInitError) Unwrap() error { return e.Err }

// MalformedRowError reports a stored row whose structured field cannot be
// parsed. Reconstruction skips such rows.
type MalformedRowError struct {
	Index int
	Field string
	Err   error
}

func (e *MalformedRowError) Error() string {
	return fmt.Sprintf("malformed row %d: field %s: %v", e.Index, e.Field, e.Err)
}

func (e *MalformedRowError) Unwrap() error { return e.Err }

// NotAcceptableError is returned when accept is requested on a state that
// is not failing. No row is written.
type NotAcceptableError struct {
	Selector Selector
	Status   Status
}

func (e *NotAcceptableError) Error() string {
	return fmt.Sprintf("state %q has status %q and cannot be accepted", e.Selector.String(), e.Status)
}

// StoreCopyError reports a failed hand-off of the store file to long-term
// storage. The local file is retained.
type StoreCopyError struct {
	Dest string
	Err  error
}

func (e *StoreCopyError) Error() string {
	return fmt.Sprintf("copy store to %s: %v", e.Dest, e.Err)
}

func (e *StoreCopyError) Unwrap() error { return e.Err }

// CollaboratorError wraps a failure of an external collaborator (execution
// engine, differ, custom GUI action).
type CollaboratorError struct {
	Collaborator string
	Err          error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s: %v", e.Collaborator, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }
