package provider

import (
	"errors"
	"fmt"

	"github.com/docspreview/previewctl/internal/resource"
)

// Op names a provider operation.
type Op string

const (
	OpCreate Op = "create"
	OpRead   Op = "read"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// ErrNotFound is returned by Read when the resource does not exist.
var ErrNotFound = errors.New("provider: resource not found")

// ErrTimeout is wrapped by the UnavailableError reported when a call
// exceeds its bound.
var ErrTimeout = errors.New("provider: call timed out")

// RejectedError is a non-transient rejection: validation, quota or a
// conflicting resource. Retrying the same request cannot succeed.
type RejectedError struct {
	Op     Op
	Kind   resource.Kind
	Reason string
	Err    error
}

func (e *RejectedError) Error() string {
	msg := fmt.Sprintf("provider: %s %s rejected", e.Op, e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RejectedError) Unwrap() error { return e.Err }

// UnavailableError is a transient failure: network, throttling,
// credentials or a timeout. The same request may succeed later.
type UnavailableError struct {
	Op   Op
	Kind resource.Kind
	Err  error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("provider: %s %s unavailable: %v", e.Op, e.Kind, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// IsRejected reports whether err contains a *RejectedError.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// IsUnavailable reports whether err contains an *UnavailableError.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
