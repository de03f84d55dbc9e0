package cli

import "fmt"

// Exit codes.
const (
	exitFailure = 1 // the operation ran and reported success=false
	exitUsage   = 2
)

// ExitError carries the process exit code from RunE to main.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

func exitError(code int, format string, args ...any) *ExitError {
	return &ExitError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}
