package contract

import (
	"context"
	"errors"
)

var (
	// Recoverable kinds: the session keeps its stage and slots.
	ErrValidation      = errors.New("validation failed")
	ErrSecurityDenied  = errors.New("denied by security policy")
	ErrUngrounded      = errors.New("claim not grounded in a tool result")
	ErrConflict        = errors.New("slot no longer available")
	ErrUpstreamTimeout = errors.New("upstream call timed out")
	ErrNotFound        = errors.New("no matching record")

	// LLM boundary.
	ErrModelInvoke     = errors.New("model invoke failed")
	ErrSchemaViolation = errors.New("model response violates schema")
	ErrPromptMissing   = errors.New("required prompt is missing")

	// Fatal: internal invariant violation, the session cannot continue.
	ErrInvariant = errors.New("internal invariant violated")
)

// ErrorKind is the wire-safe classification carried on tool results.
type ErrorKind string

const (
	ErrorKindNone            ErrorKind = ""
	ErrorKindValidation      ErrorKind = "validation"
	ErrorKindSecurityDenied  ErrorKind = "security_denied"
	ErrorKindUngrounded      ErrorKind = "ungrounded"
	ErrorKindConflict        ErrorKind = "conflict"
	ErrorKindUpstreamTimeout ErrorKind = "upstream_timeout"
	ErrorKindNotFound        ErrorKind = "not_found"
	ErrorKindInternal        ErrorKind = "internal"
)

// KindOf classifies an error into its wire-safe kind.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorKindNone
	case errors.Is(err, ErrValidation):
		return ErrorKindValidation
	case errors.Is(err, ErrSecurityDenied):
		return ErrorKindSecurityDenied
	case errors.Is(err, ErrUngrounded):
		return ErrorKindUngrounded
	case errors.Is(err, ErrConflict):
		return ErrorKindConflict
	case errors.Is(err, ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorKindUpstreamTimeout
	case errors.Is(err, ErrNotFound):
		return ErrorKindNotFound
	default:
		return ErrorKindInternal
	}
}
