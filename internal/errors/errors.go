package errors

import "errors"

// Classified operation failures surfaced to the presentation layer.
var (
	// ErrTransientNetwork marks a pull or mutate call that never reached
	// the service. Retried by the user, not auto-retried by the core.
	ErrTransientNetwork = errors.New("service unreachable")

	// ErrValidationRejected marks input rejected locally before any
	// network call (empty send, empty edit).
	ErrValidationRejected = errors.New("validation rejected")

	// ErrConflictOrGone marks a mutation whose target no longer exists.
	// The target is treated as already in its desired end state and the
	// local view refreshed.
	ErrConflictOrGone = errors.New("target no longer exists")

	// ErrChannelUnavailable marks the push channel being down. The core
	// stays fully functional in pull-only mode, at the cost of latency.
	ErrChannelUnavailable = errors.New("push channel unavailable")
)

// Transport errors.
var (
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrAPIResponse  = errors.New("unexpected API response")
)
