package reconcile

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/docspreview/previewctl/internal/provider"
)

// OperationError is a failed operation and its cause.
type OperationError struct {
	Operation Operation
	Err       error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Operation.Action, e.Operation.Key, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// PartialApplyError reports that some operations of a plan failed or were
// skipped because a dependency failed. Confirmed operations were recorded;
// reconciling the same target again resumes with what is left.
type PartialApplyError struct {
	EnvKey  string
	Failed  []*OperationError
	Skipped []Operation
	causes  *multierror.Error
}

func newPartialApplyError(envKey string, failed []*OperationError, skipped []Operation) *PartialApplyError {
	var causes *multierror.Error
	for _, f := range failed {
		causes = multierror.Append(causes, f)
	}
	return &PartialApplyError{EnvKey: envKey, Failed: failed, Skipped: skipped, causes: causes}
}

func (e *PartialApplyError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "reconcile: %s: %d operation(s) failed, %d skipped", e.EnvKey, len(e.Failed), len(e.Skipped))
	for _, f := range e.Failed {
		b.WriteString("; ")
		b.WriteString(f.Error())
	}
	return b.String()
}

// Unwrap exposes the provider errors to errors.Is and errors.As.
func (e *PartialApplyError) Unwrap() error { return e.causes.ErrorOrNil() }

// Transient reports whether every failure was a transient provider error,
// so retrying the same target may succeed.
func (e *PartialApplyError) Transient() bool {
	if len(e.Failed) == 0 {
		return false
	}
	for _, f := range e.Failed {
		if !provider.IsUnavailable(f.Err) {
			return false
		}
	}
	return true
}
