// Package apperr defines the error taxonomy shared by all Vocalis subsystems.
//
// Errors are classified by [Kind]. Subsystems wrap causes with [E] and callers
// branch on [KindOf]; the HTTP layer maps kinds to status codes in one place.
// Retry policy follows the kind: only [Transport] errors are retry candidates,
// and only where the operation is documented as safe to repeat.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and retry decisions.
type Kind int

const (
	// Unknown is the zero kind, used when an error carries no classification.
	Unknown Kind = iota

	// Validation marks bad caller input. Never retried. HTTP 400.
	Validation

	// NotFound marks a missing resource. HTTP 404.
	NotFound

	// Conflict marks a uniqueness or idempotency violation (duplicate slug,
	// phone collision, double confirm). HTTP 409.
	Conflict

	// Admission marks rejection by a concurrency cap or quota. HTTP 429.
	Admission

	// Transport marks a network or timeout failure against an upstream
	// (LLM, STT, TTS, parse, embed, SIP). Retried with bounded backoff where
	// the operation is safe; otherwise surfaced as HTTP 502.
	Transport

	// Pipeline marks a non-retryable semantic failure inside a processing
	// stage (unparseable file, empty chunk set). Terminates the stage.
	Pipeline

	// Cancelled marks an explicit cancel or TTL expiry.
	Cancelled

	// Fatal marks an invariant violation. The process shuts down with exit
	// code 1.
	Fatal
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case Admission:
		return "admission"
	case Transport:
		return "transport"
	case Pipeline:
		return "pipeline"
	case Cancelled:
		return "cancelled"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

// Error is a classified error with an optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return e.Msg + ": " + e.Err.Error()
		}
		return e.Err.Error()
	}
	return e.Msg
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error { return e.Err }

// New constructs a classified error with a plain message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Errorf constructs a classified error from a format string. The %w verb is
// supported and the wrapped cause remains reachable via errors.Is/As.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to an existing error without reformatting it.
// Returns nil if err is nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the kind from err. Unclassified errors report [Unknown];
// context cancellation and deadline expiry are normalised to [Cancelled] and
// [Transport] respectively.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transport
	}
	return Unknown
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool { return KindOf(err) == kind }

// Retryable reports whether err may be retried per the propagation policy:
// only transport failures qualify.
func Retryable(err error) bool { return KindOf(err) == Transport }
