package capi

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidEvent means the event cannot be turned into a request body.
	ErrInvalidEvent = errors.New("capi: invalid event")
	// ErrNotReceived means Meta answered 2xx but accepted no event.
	ErrNotReceived = errors.New("capi: no event received")
	// ErrRejected wraps a non-2xx answer.
	ErrRejected = errors.New("capi: request rejected")
)

// DeliveryError describes one failed send.
type DeliveryError struct {
	StatusCode int
	Body       string
	TraceID    string
	Retryable  bool
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("capi delivery failed: %v", e.Err)
	}
	return fmt.Sprintf("capi delivery failed (status %d): %v", e.StatusCode, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a DeliveryError worth retrying.
func IsRetryable(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Retryable
}
