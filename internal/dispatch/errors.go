package dispatch

import "errors"

var (
	// ErrClosed is returned by Submit after Shutdown has started.
	ErrClosed = errors.New("dispatcher is shut down")
	// ErrExhausted is the dead-letter reason when the attempt budget is spent.
	ErrExhausted = errors.New("retry budget exhausted")
)
