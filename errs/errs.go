// Package errs provides structured error types shared across the order engine.
package errs

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// Code identifies a broker-facing error category.
type Code string

const (
	// CodeRateLimited indicates that the request exceeded broker rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeTimeout indicates the broker did not answer within the allowed window.
	CodeTimeout Code = "timeout"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeUnavailable indicates the broker is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeAuth indicates authentication or authorization errors.
	CodeAuth Code = "auth"
	// CodeInsufficientFunds indicates the account cannot cover the order.
	CodeInsufficientFunds Code = "insufficient_funds"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeBroker indicates an uncategorized broker-side failure.
	CodeBroker Code = "broker_error"
	// CodeStorage indicates a persistence-layer failure.
	CodeStorage Code = "storage"
)

// Transient reports whether errors in this category are safe to retry.
func (c Code) Transient() bool {
	switch c {
	case CodeRateLimited, CodeTimeout, CodeNetwork, CodeUnavailable:
		return true
	default:
		return false
	}
}

// E captures structured error information produced across the order engine.
type E struct {
	Venue    string
	Code     Code
	HTTP     int
	RawCode  string
	RawMsg   string
	Message  string
	Attempts int
	Elapsed  time.Duration

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the venue and error code.
func New(venue string, code Code, opts ...Option) *E {
	e := &E{
		Venue: strings.TrimSpace(venue),
		Code:  code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw broker error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw broker error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	venue := strings.TrimSpace(e.Venue)
	if venue == "" {
		venue = "unknown"
	}
	parts = append(parts, "venue="+venue)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.Attempts > 0 {
		parts = append(parts, "attempts="+strconv.Itoa(e.Attempts))
	}
	if e.Elapsed > 0 {
		parts = append(parts, "elapsed="+e.Elapsed.String())
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the error category from err, or CodeBroker when uncategorized.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeBroker
}

// IsTransient reports whether err belongs to a retryable category.
func IsTransient(err error) bool {
	var e *E
	if errors.As(err, &e) {
		return e.Code.Transient()
	}
	return false
}

// IsConflict reports whether err is a concurrent mutation conflict.
func IsConflict(err error) bool {
	return CodeOf(err) == CodeConflict
}

// IsNotFound reports whether err indicates a missing resource.
func IsNotFound(err error) bool {
	return CodeOf(err) == CodeNotFound
}

// Exhausted annotates err with the attempt count and elapsed time of a
// retry run. The original category is preserved so callers can still
// classify the failure.
func Exhausted(err error, attempts int, elapsed time.Duration) error {
	var e *E
	if errors.As(err, &e) {
		annotated := *e
		annotated.Attempts = attempts
		annotated.Elapsed = elapsed
		return &annotated
	}
	annotated := New("", CodeBroker, WithCause(err))
	annotated.Attempts = attempts
	annotated.Elapsed = elapsed
	return annotated
}
