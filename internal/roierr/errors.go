// Package roierr defines the error taxonomy shared by the decoding pipeline.
package roierr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	// InvalidRegion marks a bad ROI index or an empty region. Recoverable per ROI.
	InvalidRegion Kind = iota + 1
	// UnsupportedMethod marks an unknown decoding method. Fatal.
	UnsupportedMethod
	// CorpusUnavailable marks a corpus that can be neither read nor fetched. Fatal.
	CorpusUnavailable
	// MalformedInput marks an ROI table or atlas that cannot be used. Fatal.
	MalformedInput
)

func (k Kind) String() string {
	switch k {
	case InvalidRegion:
		return "invalid region"
	case UnsupportedMethod:
		return "unsupported method"
	case CorpusUnavailable:
		return "corpus unavailable"
	case MalformedInput:
		return "malformed input"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is.
var (
	ErrInvalidRegion     = &Error{Kind: InvalidRegion}
	ErrUnsupportedMethod = &Error{Kind: UnsupportedMethod}
	ErrCorpusUnavailable = &Error{Kind: CorpusUnavailable}
	ErrMalformedInput    = &Error{Kind: MalformedInput}
)

// Error wraps an operation, a human-facing message and the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
	default:
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels above work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// New constructs an Error.
func New(kind Kind, op, msg string, err error) error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// Newf constructs an Error with a formatted message and no cause.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Fatal reports whether err must abort the whole run. Only invalid-region
// failures are confined to a single ROI; unclassified errors are fatal.
func Fatal(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err) != InvalidRegion
}
