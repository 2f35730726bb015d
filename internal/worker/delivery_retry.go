package worker

import (
	"context"
	"time"

	"github.com/inkbrow/capi-relay/internal/pkg/distlock"
	"github.com/inkbrow/capi-relay/internal/pkg/logger"
)

const (
	// DefaultRetryInterval is how often due attempts are claimed.
	DefaultRetryInterval = time.Second

	// DefaultRetryBatch caps how many attempts one claim re-runs.
	DefaultRetryBatch = 50

	// RetryLockTTL is how long a tick may hold the worker lock before it
	// has to extend it.
	RetryLockTTL = 30 * time.Second
)

type extendable interface {
	Extend(ctx context.Context, ttl time.Duration) (bool, error)
}

// Retrier re-runs due delivery attempts. *dispatch.Dispatcher implements it.
type Retrier interface {
	RetryDue(ctx context.Context, limit int) (int, error)
}

// DeliveryRetryWorker drives the retry queue on a ticker. When a lock is
// given, only the replica holding it claims work on a tick; the others skip.
type DeliveryRetryWorker struct {
	retrier  Retrier
	lock     distlock.DistLock
	interval time.Duration
	batch    int
}

// NewDeliveryRetryWorker creates a worker. A nil lock means the process is
// the only consumer of its queue.
func NewDeliveryRetryWorker(r Retrier, lock distlock.DistLock, interval time.Duration, batch int) *DeliveryRetryWorker {
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	if batch <= 0 {
		batch = DefaultRetryBatch
	}
	return &DeliveryRetryWorker{retrier: r, lock: lock, interval: interval, batch: batch}
}

// Start runs the loop. It blocks until ctx is cancelled.
func (w *DeliveryRetryWorker) Start(ctx context.Context) {
	logger.Info("delivery_retry_worker_started", "interval", w.interval.String(), "batch", w.batch)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("delivery_retry_worker_stopped")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single tick and returns how many attempts ran.
// A full batch is followed by another claim right away so a backlog drains
// without waiting for the next tick.
func (w *DeliveryRetryWorker) RunOnce(ctx context.Context) int {
	if w.lock != nil {
		ok, err := w.lock.Acquire(ctx)
		if err != nil {
			logger.Warn("delivery_retry_lock_error", "error", err.Error())
			return 0
		}
		if !ok {
			return 0
		}
		defer w.lock.Release(context.WithoutCancel(ctx))
	}

	total := 0
	for ctx.Err() == nil {
		n, err := w.retrier.RetryDue(ctx, w.batch)
		if err != nil {
			logger.Error("delivery_retry_failed", "error", err.Error())
			break
		}
		total += n
		if n < w.batch {
			break
		}
		if ext, ok := w.lock.(extendable); ok {
			if held, err := ext.Extend(ctx, RetryLockTTL); err != nil || !held {
				logger.Warn("delivery_retry_lock_lost")
				break
			}
		}
	}
	if total > 0 {
		logger.Info("delivery_retries_run", "count", total)
	}
	return total
}
