package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Exit codes for attendctl.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the station answered no: scan rejected, sync failed or skipped
	ExitCommandError = 2 // bad flags, unreadable data dir
)

// ExitError carries the process exit code for a failed command.
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

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// printer writes either a JSON document or a text rendering of a result.
type printer struct {
	format string
	w      io.Writer
}

type response struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// print emits data; text is used in text mode.
func (p printer) print(data any, text func(w io.Writer)) error {
	if p.format == "json" {
		return json.NewEncoder(p.w).Encode(response{Status: "ok", Data: data})
	}
	text(p.w)
	return nil
}

// fail emits data alongside a failure and returns the matching exit error.
func (p printer) fail(code int, msg string, data any, text func(w io.Writer)) error {
	if p.format == "json" {
		_ = json.NewEncoder(p.w).Encode(response{Status: "error", Data: data, Error: msg})
	} else if text != nil {
		text(p.w)
	}
	return &ExitError{Code: code, Message: msg}
}
