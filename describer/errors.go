package describer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Error is returned by Describer and Summarizer implementations. Retryable
// separates transient faults (rate limits, timeouts, network hiccups) from
// fatal ones (bad credentials, unsupported input, malformed requests).
type Error struct {
	Provider  string
	Code      string
	Status    int
	Message   string
	Retryable bool

	// RetryAfter is the backend's requested wait before the next attempt, if
	// it sent one.
	RetryAfter time.Duration

	Cause error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = "error"
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Provider != "" {
		return e.Provider + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Transient returns a retryable error.
func Transient(provider, code string, cause error) *Error {
	return &Error{Provider: provider, Code: code, Message: causeMessage(cause), Retryable: true, Cause: cause}
}

// Fatal returns an error that must not be retried.
func Fatal(provider, code string, cause error) *Error {
	return &Error{Provider: provider, Code: code, Message: causeMessage(cause), Retryable: false, Cause: cause}
}

// FromStatus classifies a non-2xx HTTP response. body is included in the
// message, trimmed.
func FromStatus(provider string, status int, body string) *Error {
	code := "http_error"
	switch {
	case status == http.StatusTooManyRequests:
		code = "rate_limited"
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = "unauthorized"
	case status == http.StatusRequestTimeout:
		code = "timeout"
	case status >= 500:
		code = "server_error"
	}

	msg := strings.TrimSpace(body)
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &Error{
		Provider:  provider,
		Code:      code,
		Status:    status,
		Message:   msg,
		Retryable: ShouldRetryStatus(status),
	}
}

// FromNetwork classifies an error returned by an HTTP client or SDK before a
// response was received.
func FromNetwork(provider string, err error) *Error {
	switch {
	case errors.Is(err, context.Canceled):
		return Fatal(provider, "canceled", err)
	case errors.Is(err, context.DeadlineExceeded):
		return Transient(provider, "timeout", err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Transient(provider, "timeout", err)
	}
	return Transient(provider, "network_error", err)
}

// ShouldRetryStatus reports whether an HTTP status is worth retrying.
func ShouldRetryStatus(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusConflict ||
		status == http.StatusTooManyRequests ||
		(status >= 500 && status <= 599)
}

// ParseRetryAfter parses a Retry-After header value, either delay-seconds or
// an HTTP date.
func ParseRetryAfter(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		return time.Duration(n) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(time.Until(t), 0), true
	}
	return 0, false
}

// IsTransient reports whether err, or any error it wraps, is a retryable
// *Error. Anything else is treated as fatal.
func IsTransient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}

// RetryAfter returns the backend-requested delay carried by err, if any.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

func causeMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
