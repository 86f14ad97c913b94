package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Exit codes.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // negative result: run not resumable, rows outstanding
	ExitCommandError = 2 // bad invocation: missing database, unknown run
)

// ExitError carries a specific exit code out of a command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

// GetExitCode extracts the exit code from an error. Non-ExitErrors map
// to ExitCommandError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitCommandError
}

// Response is the standard JSON envelope for command output.
type Response struct {
	Status string `json:"status"` // "ok" or "error"
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Formatter renders command results as text or JSON.
type Formatter struct {
	Format string
	Writer io.Writer
}

// JSON emits the success envelope.
func (f *Formatter) JSON(data any) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(Response{Status: "ok", Data: data})
}

// Text emits formatted text output.
func (f *Formatter) Text(format string, args ...any) {
	fmt.Fprintf(f.Writer, format, args...)
}

// IsJSON reports whether the formatter renders JSON.
func (f *Formatter) IsJSON() bool { return f.Format == "json" }
