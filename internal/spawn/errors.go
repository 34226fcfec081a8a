package spawn

import (
	"errors"
	"fmt"
)

// Error kinds. Match them with errors.Is.
var (
	// ErrPreconditionMissing means the caller's turn lacks a required field.
	// It signals an integration bug and is never shown to the model.
	ErrPreconditionMissing = errors.New("spawn precondition missing")
	ErrNotFound            = errors.New("agent type not found")
	ErrPermissionDenied    = errors.New("spawn not permitted")
	ErrSchemaViolation     = errors.New("schema violation")
	ErrTargetUnavailable   = errors.New("target agent unavailable")
)

// Error carries a user-facing message and the kind it belongs to.
type Error struct {
	Kind error
	Msg  string
}

func (e *Error) Error() string { return e.Msg }
func (e *Error) Unwrap() error { return e.Kind }

func NewError(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func missing(field string) *Error {
	return NewError(ErrPreconditionMissing, "missing %s in agent turn", field)
}
