// Command previewctl manages per-pull-request documentation preview
// environments.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/docspreview/previewctl/internal/descriptor"
	"github.com/docspreview/previewctl/internal/reconcile"
	"github.com/docspreview/previewctl/internal/state"
)

// Exit codes.
const (
	exitError         = 1
	exitInvalidConfig = 2
	exitLockContended = 3
	exitPartialApply  = 4
)

func main() {
	if err := execute(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var pae *reconcile.PartialApplyError
	switch {
	case errors.Is(err, descriptor.ErrInvalidConfiguration):
		return exitInvalidConfig
	case errors.Is(err, state.ErrLockContended):
		return exitLockContended
	case errors.As(err, &pae):
		return exitPartialApply
	}
	return exitError
}
