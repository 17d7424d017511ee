package ratelimit

import (
	"fmt"
	"strings"
	"time"

	"github.com/Iron-Ham/buildpilot/internal/errors"
)

// StatusCoder is implemented by errors that carry an HTTP-style status code.
type StatusCoder interface {
	StatusCode() int
}

// Coder is implemented by errors that carry a provider error code.
type Coder interface {
	Code() string
}

// RetryAfterer is implemented by errors that carry a server retry hint.
type RetryAfterer interface {
	RetryAfter() time.Duration
}

// StatusTooManyRequests is the status code that always means rate limited.
const StatusTooManyRequests = 429

var rateLimitCodes = map[string]bool{
	"rate_limit_exceeded": true,
	"rate_limit_error":    true,
	"overloaded_error":    true,
	"too_many_requests":   true,
	"throttled":           true,
}

var rateLimitMarkers = []string{
	"rate limit",
	"rate_limit",
	"ratelimit",
	"too many requests",
	"throttle",
	"quota exceeded",
	"overloaded",
}

// IsRateLimitError reports whether err signals that the callee is rate limiting.
// Detection checks, in order: a 429 status, a known error code, and finally
// well-known phrases in the message.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}

	var sc StatusCoder
	if errors.As(err, &sc) && sc.StatusCode() == StatusTooManyRequests {
		return true
	}

	var coder Coder
	if errors.As(err, &coder) && rateLimitCodes[strings.ToLower(coder.Code())] {
		return true
	}

	return ContainsRateLimitMarker(err.Error())
}

// ContainsRateLimitMarker reports whether text contains a rate-limit phrase.
func ContainsRateLimitMarker(text string) bool {
	msg := strings.ToLower(text)
	for _, marker := range rateLimitMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// RetryAfterHint extracts a positive retry hint from err.
func RetryAfterHint(err error) (time.Duration, bool) {
	var ra RetryAfterer
	if errors.As(err, &ra) && ra.RetryAfter() > 0 {
		return ra.RetryAfter(), true
	}
	return 0, false
}

// Error is a rate-limit error raised by adapters that talk to the worker.
type Error struct {
	Status  int
	ErrCode string
	Hint    time.Duration
	Message string
}

// NewError creates a 429 Error with an optional retry hint.
func NewError(message string, hint time.Duration) *Error {
	return &Error{Status: StatusTooManyRequests, Hint: hint, Message: message}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("rate limited (status %d)", e.Status)
	}
	return e.Message
}

// StatusCode implements StatusCoder.
func (e *Error) StatusCode() int { return e.Status }

// Code implements Coder.
func (e *Error) Code() string { return e.ErrCode }

// RetryAfter implements RetryAfterer.
func (e *Error) RetryAfter() time.Duration { return e.Hint }
