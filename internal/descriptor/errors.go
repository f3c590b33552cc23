package descriptor

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidConfiguration is matched by every error Build returns for bad
// input. It is fatal: retrying with the same input cannot succeed.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// InvalidConfigurationError lists every problem found in the input.
type InvalidConfigurationError struct {
	Identifier string
	Problems   []string
}

func (e *InvalidConfigurationError) Error() string {
	if e.Identifier != "" {
		return fmt.Sprintf("invalid configuration for environment %q: %s", e.Identifier, strings.Join(e.Problems, "; "))
	}
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Is makes errors.Is(err, ErrInvalidConfiguration) true.
func (e *InvalidConfigurationError) Is(target error) bool {
	return target == ErrInvalidConfiguration
}
