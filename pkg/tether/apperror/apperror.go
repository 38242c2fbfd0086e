// Package apperror normalizes transport, server, and library failures into a
// closed taxonomy of kinds and severities with user-facing messages. It is
// pure classification: nothing in this package performs I/O or retries.
package apperror

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the closed set of failure categories the client reasons about.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindAuth
	KindOAuth
	KindDatabase
	KindFileUpload
	KindAIService
	KindValidation
	KindPermission
	KindRateLimit
)

// String returns the string representation of a Kind.
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindOAuth:
		return "oauth"
	case KindDatabase:
		return "database"
	case KindFileUpload:
		return "file_upload"
	case KindAIService:
		return "ai_service"
	case KindValidation:
		return "validation"
	case KindPermission:
		return "permission"
	case KindRateLimit:
		return "rate_limit"
	case KindUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("kind_%d", k)
	}
}

// Severity ranks how alarming a failure is to the user and the logs.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the string representation of a Severity.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity_%d", s)
	}
}

// RetryFunc re-executes the failed operation from the beginning.
type RetryFunc func() error

// FallbackFunc produces a substitute value (typically a cached read model)
// for use while the real operation is unavailable.
type FallbackFunc func() any

// AppError is a classified failure. It is constructed once and treated as
// immutable afterward; the optional Retry and Fallback capabilities are
// supplied by the call site that knows how to resume the operation.
type AppError struct {
	Kind        Kind
	Severity    Severity
	Message     string
	UserMessage string
	Code        int            // HTTP status code, 0 when not HTTP-derived
	Context     map[string]any // extra detail such as retryAfter, url, method
	Timestamp   time.Time
	Wrapped     error

	Retry    RetryFunc
	Fallback FallbackFunc
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *AppError) Unwrap() error {
	return e.Wrapped
}

// Is matches two AppErrors by kind, so callers can branch with
// errors.Is(err, &AppError{Kind: KindNetwork}).
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// RetryAfter reports the server-provided wait, if the error carries one.
func (e *AppError) RetryAfter() (int, bool) {
	if e.Context == nil {
		return 0, false
	}
	secs, ok := e.Context["retryAfter"].(int)
	return secs, ok
}

// New constructs an AppError of the given kind with default severity and
// user message for that kind.
func New(kind Kind, message string) *AppError {
	return &AppError{
		Kind:        kind,
		Severity:    DefaultSeverity(kind, 0),
		Message:     message,
		UserMessage: UserMessage(kind),
		Timestamp:   time.Now(),
	}
}

// Wrap is New with an underlying cause attached.
func Wrap(kind Kind, message string, err error) *AppError {
	e := New(kind, message)
	e.Wrapped = err
	return e
}

// FromError returns err as an *AppError, classifying it first if it is not
// one already.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return ae
	}
	return Wrap(Classify(err), err.Error(), err)
}
