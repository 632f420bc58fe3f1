package llm

import (
	"fmt"
	"time"
)

// FailureKind classifies why a provider call failed.
type FailureKind string

// Failure classifications. Transport, rate-limit, and server failures are
// retryable; client failures and cancellation are not.
const (
	FailureTransport   FailureKind = "transport"
	FailureRateLimited FailureKind = "rate_limited"
	FailureServerError FailureKind = "server_error"
	FailureClientError FailureKind = "client_error"
	FailureCancelled   FailureKind = "cancelled"
)

// CallError is a classified provider failure. After the gateway exhausts its
// retry budget it returns the error from the final attempt with Attempts set.
type CallError struct {
	Kind       FailureKind
	Model      string
	Attempts   int
	RetryAfter time.Duration
	Err        error
}

func (e *CallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("llm call failed (%s, model %s, %d attempts): %v", e.Kind, e.Model, e.Attempts, e.Err)
	}
	return fmt.Sprintf("llm call failed (%s, model %s, %d attempts)", e.Kind, e.Model, e.Attempts)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt could plausibly succeed.
func (e *CallError) Retryable() bool {
	switch e.Kind {
	case FailureTransport, FailureRateLimited, FailureServerError:
		return true
	}
	return false
}
