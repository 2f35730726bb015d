// Package httpretry provides the backoff policy and failure classification
// shared by every component that retries outbound HTTP calls.
//
// Retries are not performed in-line: callers persist the attempt and ask the
// Policy when it should run again, so no goroutine sleeps on a timer while
// waiting for an external API.
package httpretry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// HTTPDoer is the interface for executing HTTP requests.
// *http.Client satisfies it; tests substitute fakes.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

const (
	DefaultMaxAttempts = 6
	DefaultBaseDelay   = 2 * time.Second
	DefaultMaxDelay    = 5 * time.Minute
)

// Policy is an exponential backoff without jitter: the delay after attempt n
// is BaseDelay * 2^(n-1), capped at MaxDelay. Successive delays are strictly
// increasing until the cap is reached.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// NewPolicy builds a Policy, replacing non-positive values with defaults.
func NewPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) Policy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	return Policy{MaxAttempts: maxAttempts, BaseDelay: baseDelay, MaxDelay: maxDelay}
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return NewPolicy(DefaultMaxAttempts, DefaultBaseDelay, DefaultMaxDelay)
}

// Delay returns how long to wait after the given failed attempt (1-based)
// before running the next one.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		// Doubling past MaxDelay/2 would reach the cap anyway; stopping here
		// also keeps large attempt numbers from overflowing.
		if d > p.MaxDelay/2 {
			return p.MaxDelay
		}
		d *= 2
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Exhausted reports whether no attempt may follow the given one.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// IsRetryableStatus returns true if the HTTP status code indicates a
// transient condition that should be retried.
// Retries: 408, 429 and every 5xx.
// Does NOT retry: 400, 401, 403, 404, or any other client error.
func IsRetryableStatus(statusCode int) bool {
	switch {
	case statusCode == http.StatusRequestTimeout, // 408
		statusCode == http.StatusTooManyRequests: // 429
		return true
	case statusCode >= 500 && statusCode <= 599:
		return true
	default:
		return false
	}
}

// IsTransient reports whether a transport-level error is worth retrying.
// Cancellation by the caller is not; timeouts and connection failures are.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
