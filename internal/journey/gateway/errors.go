package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error is a classified gateway failure. Retryable marks transient conditions
// (network faults, timeouts, throttling, upstream 5xx, malformed bodies);
// everything else is a configuration or contract defect the caller must see
// immediately.
type Error struct {
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *Error) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "request failed"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("gateway error (status=%d): %s", e.StatusCode, msg)
	}
	return "gateway error: " + msg
}

func fromStatus(status int, body string) *Error {
	body = strings.TrimSpace(body)
	if len(body) > 512 {
		body = body[:512]
	}
	e := &Error{StatusCode: status, Message: body}
	switch {
	case status == 401 || status == 403:
		// Credentials won't fix themselves between attempts.
		e.Retryable = false
	case status == 400 || status == 404 || status == 422:
		e.Retryable = false
	default:
		// 408, 429, 5xx, and anything unrecognized: transient per the
		// gateway contract.
		e.Retryable = true
	}
	return e
}

func wrapTransport(err error) *Error {
	return &Error{
		Message: err.Error(),
		// Transport failures and per-attempt deadline expiry are transient.
		// Caller-initiated cancellation is handled by the retry loop itself
		// via its context, not by classification.
		Retryable: !errors.Is(err, context.Canceled),
	}
}

// IsRetryable reports whether err represents a transient gateway failure.
func IsRetryable(err error) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Retryable
	}
	return false
}
