// Package errs implements the universal error taxonomy the orchestration
// core classifies every provider/cache/transport failure into. Every layer
// above a raw HTTP or cache client speaks this taxonomy, never provider-
// specific error shapes.
package errs

import "fmt"

// Kind is one of the language-agnostic error kinds the orchestrator core
// reasons about. Retryability and user messaging are keyed off Kind, not
// off provider-specific codes.
type Kind string

const (
	RateLimit       Kind = "RATE_LIMIT"
	QuotaExhausted  Kind = "QUOTA_EXHAUSTED"
	InvalidParam    Kind = "INVALID_PARAMETER"
	ModelNotFound   Kind = "MODEL_NOT_FOUND"
	AccessDenied    Kind = "ACCESS_DENIED"
	ContentFilter   Kind = "CONTENT_FILTER"
	Timeout         Kind = "TIMEOUT"
	Transport       Kind = "TRANSPORT"
	Provider        Kind = "PROVIDER"
	CircuitOpen     Kind = "CIRCUIT_OPEN"
	Cancelled       Kind = "CANCELLED"
	Validation      Kind = "VALIDATION"
)

// defaultRetryable is the default retryability per kind. Individual *Error values
// may still override Retryable explicitly (e.g. RateLimit with a
// retry-after header the caller has already exhausted).
var defaultRetryable = map[Kind]bool{
	RateLimit:      true,
	QuotaExhausted: false,
	InvalidParam:   false,
	ModelNotFound:  false,
	AccessDenied:   false,
	ContentFilter:  false,
	Timeout:        true,
	Transport:      true,
	Provider:       true,
	CircuitOpen:    false,
	Cancelled:      false,
	Validation:     false,
}

// Error is the structured error every component in the core returns.
// Internal logs may attach Cause for full detail; Message is assumed to be
// safe to surface to a caller (never a raw provider payload).
type Error struct {
	Kind       Kind
	Message    string
	HTTPStatus int
	Retryable  bool
	Provider   string
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with the default retryability for kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Retryable: defaultRetryable[kind]}
}

func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// IsRetryable reports whether err is a retryable *Error. Non-*Error values
// are treated as non-retryable — only the taxonomy decides retries.
func IsRetryable(err error) bool {
	var e *Error
	if As(err, &e) {
		return e.Retryable
	}
	return false
}

// KindOf extracts the Kind from err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if As(err, &e) {
		return e.Kind
	}
	return ""
}

// As is a tiny local errors.As to avoid importing the stdlib package twice
// in call sites that already alias it. Unlike errors.As it follows only
// single-error Unwrap() chains and does not consult As methods.
func As(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// IsClientError reports whether the error reflects a caller mistake rather
// than a provider/infrastructure fault. The circuit breaker must not count
// these against a physical model's health; mirrored from
// llm/circuitbreaker/breaker.go's isClientError.
func IsClientError(err error) bool {
	switch KindOf(err) {
	case InvalidParam, ModelNotFound, AccessDenied, ContentFilter, Validation, QuotaExhausted:
		return true
	default:
		return false
	}
}
