// Package gatewayerr defines the gateway's error taxonomy.
//
// Every error that crosses a package boundary and might change caller
// behavior (retry, circuit trip, SSE error event, HTTP status) is one of
// these typed errors rather than a bare fmt.Errorf. Errors that are purely
// internal bookkeeping (e.g. "LRU node not found") stay as plain errors.
package gatewayerr

import "fmt"

// Kind identifies which branch of the taxonomy an error belongs to.
// The string values are stable and safe to use as metric labels.
type Kind string

const (
	KindConfig             Kind = "CONFIG_ERROR"
	KindInvalidInput        Kind = "INVALID_INPUT"
	KindInvalidModel        Kind = "INVALID_MODEL"
	KindCacheConnection     Kind = "CACHE_CONNECTION"
	KindCacheKey            Kind = "CACHE_KEY"
	KindQueueFull           Kind = "QUEUE_FULL"
	KindQueueConsumer       Kind = "QUEUE_CONSUMER"
	KindProviderNotAvailable Kind = "PROVIDER_NOT_AVAILABLE"
	KindProviderAuth        Kind = "PROVIDER_AUTH"
	KindProviderTimeout     Kind = "PROVIDER_TIMEOUT"
	KindProviderAPI         Kind = "PROVIDER_API"
	KindAllProvidersDown    Kind = "ALL_PROVIDERS_DOWN"
	KindCircuitOpen         Kind = "CIRCUIT_OPEN"
	KindRateLimitExceeded   Kind = "RATE_LIMIT_EXCEEDED"
	KindPoolExhausted       Kind = "CONNECTION_POOL_EXHAUSTED"
	KindUserConnectionLimit Kind = "USER_CONNECTION_LIMIT"
	KindStreamingTimeout    Kind = "STREAMING_TIMEOUT"
	KindServiceOverloaded   Kind = "SERVICE_OVERLOADED"
)

// Error is the concrete type behind every gatewayerr.Kind. It carries the
// fields spec §7 requires: a message, an optional thread id for
// correlation, and a details bag for anything structured.
type Error struct {
	Kind     Kind
	Message  string
	ThreadID string
	Details  map[string]any
	Cause    error
}

func (e *Error) Error() string {
	if e.ThreadID != "" {
		return fmt.Sprintf("%s: %s (thread_id=%s)", e.Kind, e.Message, e.ThreadID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with no thread correlation or details. Callers
// that have a thread id should set it with WithThread.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error that records an underlying cause, preserving it
// for errors.Is/errors.As while giving callers a stable Kind to switch on.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithThread returns a copy of e annotated with a thread id.
func (e *Error) WithThread(threadID string) *Error {
	cp := *e
	cp.ThreadID = threadID
	return &cp
}

// WithDetails returns a copy of e whose Details is details; any details
// e already carried are replaced, not merged.
func (e *Error) WithDetails(details map[string]any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// Is reports whether err is a gatewayerr.Error of the given kind.
func Is(err error, kind Kind) bool {
	var ge *Error
	if ae, ok := err.(*Error); ok {
		ge = ae
	} else {
		return false
	}
	return ge.Kind == kind
}

// Retryable reports whether the resilience wrapper (internal/resilience)
// should retry a call that failed with this error. Per spec §4.4, only
// network-level / timeout errors are retried — not provider 4xx errors.
func Retryable(err error) bool {
	ge, ok := err.(*Error)
	if !ok {
		return false
	}
	switch ge.Kind {
	case KindProviderTimeout, KindProviderNotAvailable:
		return true
	default:
		return false
	}
}
