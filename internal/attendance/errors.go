package attendance

import (
	"errors"
	"fmt"
)

// Kind classifies failures so callers can tell retryable from terminal ones.
type Kind string

const (
	KindValidation Kind = "VALIDATION"
	KindPolicy     Kind = "POLICY"
	KindStorage    Kind = "STORAGE"
	KindNetwork    Kind = "NETWORK"
	KindConflict   Kind = "CONFLICT"
)

// Error is a classified failure with a human-readable reason.
type Error struct {
	Kind      Kind
	Reason    string
	SubjectID string
	Err       error
}

func (e *Error) Error() string {
	msg := string(e.Kind) + ": " + e.Reason
	if e.SubjectID != "" {
		msg = fmt.Sprintf("%s: %s (subject %s)", e.Kind, e.Reason, e.SubjectID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches an *Error of the same kind and reason, whatever subject either
// carries, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Reason == e.Reason
}

// Scan refusals callers tell apart.
var (
	ErrIdentifierRequired = &Error{Kind: KindValidation, Reason: "identifier required"}
	ErrSubjectNotFound    = &Error{Kind: KindValidation, Reason: "subject not found"}
)

func (e *Error) clone() *Error {
	c := *e
	return &c
}

// Errorf builds a classified error without a cause.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind.
func Wrap(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether the failure may succeed on a later cycle.
func IsRetryable(err error) bool {
	return KindOf(err) == KindNetwork
}

// ReasonOf returns the human-readable reason of a classified error, or err's text.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
