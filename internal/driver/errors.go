package driver

import (
	"errors"
	"fmt"
	"strings"

	"github.com/wheelforge/wheelforge/internal/codes"
)

// ErrBuildFailed matches every BuildFailedError
var ErrBuildFailed = errors.New("native build failed")

// BuildFailedError reports a failed native tool invocation
type BuildFailedError struct {
	Stage    string
	ExitCode int
	// Tail holds the last lines of combined output
	Tail []string
	Err  error
}

func (e *BuildFailedError) Error() string {
	return fmt.Sprintf("%s stage failed with exit code %d (%s)", e.Stage, e.ExitCode, e.Reason())
}

func (e *BuildFailedError) Unwrap() []error {
	return []error{ErrBuildFailed, e.Err}
}

// Reason describes the exit code
func (e *BuildFailedError) Reason() string {
	return codes.GetErrorMessage(e.ExitCode)
}

// Output returns the captured output tail as one string
func (e *BuildFailedError) Output() string {
	return strings.Join(e.Tail, "\n")
}
