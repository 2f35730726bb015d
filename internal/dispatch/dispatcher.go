package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/inkbrow/capi-relay/internal/capi"
	"github.com/inkbrow/capi-relay/internal/config"
	"github.com/inkbrow/capi-relay/internal/domain"
	"github.com/inkbrow/capi-relay/internal/pkg/httpretry"
	"github.com/inkbrow/capi-relay/internal/pkg/logger"
)

// Sender performs one server-side delivery. *capi.Client implements it.
type Sender interface {
	Send(ctx context.Context, evt domain.TrackingEvent) (*capi.Response, error)
}

// RetryQueue holds attempts until their NextRetryAt.
type RetryQueue interface {
	Schedule(ctx context.Context, attempt domain.DeliveryAttempt) error
	// ClaimDue removes and returns up to limit attempts due at or before now.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryAttempt, error)
	Len(ctx context.Context) (int, error)
}

// DeadLetterSink receives attempts that will never be retried.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, attempt domain.DeliveryAttempt, reason error) error
}

// TransitionRecorder observes every delivery state change.
type TransitionRecorder interface {
	Record(ctx context.Context, t domain.DeliveryTransition) error
}

// Config controls server-side delivery.
type Config struct {
	Policy     httpretry.Policy
	Workers    int
	BufferSize int
}

// ConfigFrom converts the service configuration.
func ConfigFrom(cfg config.DeliveryConfig) Config {
	return Config{
		Policy:     httpretry.NewPolicy(cfg.MaxAttempts, cfg.BaseDelay(), cfg.MaxDelay()),
		Workers:    cfg.Workers,
		BufferSize: cfg.BufferSize,
	}
}

// Dispatcher sends events to the pixel and to the Conversions API.
type Dispatcher struct {
	sender   Sender
	queue    RetryQueue
	cfg      Config
	snippets *snippetRenderer

	recorder TransitionRecorder
	sinks    []DeadLetterSink
	now      func() time.Time

	mu      sync.RWMutex
	jobs    chan domain.TrackingEvent
	closed  bool
	started bool
	wg      sync.WaitGroup
	runCtx  context.Context
	cancel  context.CancelFunc
}

// NewDispatcher creates a dispatcher. A nil queue keeps retries in memory.
// The logger dead-letter sink is always installed.
func NewDispatcher(sender Sender, queue RetryQueue, cfg Config) *Dispatcher {
	if queue == nil {
		queue = NewMemoryRetryQueue()
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = httpretry.DefaultPolicy()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		sender:   sender,
		queue:    queue,
		cfg:      cfg,
		snippets: newSnippetRenderer(),
		recorder: NopRecorder{},
		sinks:    []DeadLetterSink{LogSink{}},
		now:      time.Now,
		jobs:     make(chan domain.TrackingEvent, cfg.BufferSize),
		runCtx:   ctx,
		cancel:   cancel,
	}
}

// SetRecorder replaces the transition recorder. Call before Start.
func (d *Dispatcher) SetRecorder(r TransitionRecorder) {
	if r == nil {
		r = NopRecorder{}
	}
	d.recorder = r
}

// AddDeadLetterSink adds a sink next to the logger. Call before Start.
func (d *Dispatcher) AddDeadLetterSink(s DeadLetterSink) {
	d.sinks = append(d.sinks, s)
}

// SetClock replaces time.Now. Call before Start.
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// Queue returns the retry queue in use.
func (d *Dispatcher) Queue() RetryQueue { return d.queue }

// Start launches the background delivery pool.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	logger.Info("dispatcher_started", "workers", d.cfg.Workers, "buffer", d.cfg.BufferSize)
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for evt := range d.jobs {
		d.DispatchServerSide(d.runCtx, evt)
	}
}

// Submit queues evt for background delivery without blocking. When the pool
// buffer is full the event goes straight to the retry queue, due now.
func (d *Dispatcher) Submit(evt domain.TrackingEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.jobs <- evt:
		return nil
	default:
	}

	now := d.now()
	attempt := domain.DeliveryAttempt{Event: evt, State: domain.StatePending, NextRetryAt: &now}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.queue.Schedule(ctx, attempt); err != nil {
		reason := fmt.Errorf("pool full and retry queue unavailable: %w", err)
		attempt.NextRetryAt = nil
		d.transition(ctx, &attempt, domain.StateAbandoned, reason)
		d.deadLetter(ctx, attempt, reason)
		return err
	}
	logger.Warn("dispatch_pool_full", "event_id", evt.ID, "event_name", string(evt.Name))
	return nil
}

// Shutdown stops accepting work and waits for the pool to drain until ctx
// is done. Deliveries still running at the deadline are cancelled; their
// attempts are rescheduled when the queue allows it.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.jobs)
	started := d.started
	d.mu.Unlock()

	if !started {
		// Nothing consumes the buffer; hand leftovers to the queue.
		for evt := range d.jobs {
			now := d.now()
			_ = d.queue.Schedule(ctx, domain.DeliveryAttempt{Event: evt, State: domain.StatePending, NextRetryAt: &now})
		}
		d.cancel()
		return nil
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		logger.Info("dispatcher_stopped")
		return nil
	case <-ctx.Done():
		d.cancel()
		logger.Warn("dispatcher_shutdown_timeout", "error", ctx.Err().Error())
		return ctx.Err()
	}
}

// DispatchServerSide runs the first attempt for evt synchronously.
func (d *Dispatcher) DispatchServerSide(ctx context.Context, evt domain.TrackingEvent) domain.DeliveryOutcome {
	return d.attempt(ctx, domain.DeliveryAttempt{Event: evt, State: domain.StatePending})
}

// RetryDue claims up to limit due attempts and runs each one again with
// its original event id. It returns the number of attempts run.
func (d *Dispatcher) RetryDue(ctx context.Context, limit int) (int, error) {
	due, err := d.queue.ClaimDue(ctx, d.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("claim due attempts: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	sem := make(chan struct{}, d.cfg.Workers)
	var wg sync.WaitGroup
	for _, a := range due {
		sem <- struct{}{}
		wg.Add(1)
		go func(a domain.DeliveryAttempt) {
			defer wg.Done()
			defer func() { <-sem }()
			d.attempt(ctx, a)
		}(a)
	}
	wg.Wait()
	return len(due), nil
}

func (d *Dispatcher) attempt(ctx context.Context, a domain.DeliveryAttempt) domain.DeliveryOutcome {
	a.AttemptNumber++
	a.NextRetryAt = nil
	d.transition(ctx, &a, domain.StateInFlight, nil)

	resp, err := d.sender.Send(ctx, a.Event)
	if err == nil {
		d.transition(ctx, &a, domain.StateDelivered, nil)
		logger.Debug("capi_event_delivered", "event_id", a.Event.ID, "event_name", string(a.Event.Name), "attempt", a.AttemptNumber)
		return domain.DeliveryOutcome{
			EventID:        a.Event.ID,
			State:          domain.StateDelivered,
			Attempts:       a.AttemptNumber,
			StatusCode:     resp.StatusCode,
			EventsReceived: resp.EventsReceived,
			TraceID:        resp.TraceID,
		}
	}

	out := domain.DeliveryOutcome{EventID: a.Event.ID, Attempts: a.AttemptNumber, Err: err}
	var de *capi.DeliveryError
	if errors.As(err, &de) {
		out.StatusCode = de.StatusCode
		out.TraceID = de.TraceID
	}

	// Cancellation comes from our own shutdown; keep the attempt and give
	// it back to the budget.
	cancelled := ctx.Err() != nil
	retryable := isRetryable(err) || cancelled
	if retryable && (cancelled || !d.cfg.Policy.Exhausted(a.AttemptNumber)) {
		next := d.now().Add(d.cfg.Policy.Delay(a.AttemptNumber))
		a.NextRetryAt = &next
		queued := withState(a, domain.StateRetryScheduled, err)
		if cancelled {
			queued.AttemptNumber--
		}
		qctx := context.WithoutCancel(ctx)
		qerr := d.queue.Schedule(qctx, queued)
		if qerr == nil {
			d.transition(qctx, &a, domain.StateRetryScheduled, err)
			logger.Warn("capi_delivery_retry_scheduled",
				"event_id", a.Event.ID,
				"event_name", string(a.Event.Name),
				"attempt", a.AttemptNumber,
				"next_retry_at", next.UTC().Format(time.RFC3339),
				"error", err.Error(),
			)
			out.State = domain.StateRetryScheduled
			out.NextRetryAt = &next
			return out
		}
		err = fmt.Errorf("%w; schedule retry: %w", err, qerr)
		out.Err = err
	} else if retryable {
		err = fmt.Errorf("%w after %d attempts: %w", ErrExhausted, a.AttemptNumber, err)
		out.Err = err
	}

	a.NextRetryAt = nil
	actx := context.WithoutCancel(ctx)
	d.transition(actx, &a, domain.StateAbandoned, err)
	d.deadLetter(actx, a, err)
	out.State = domain.StateAbandoned
	return out
}

func isRetryable(err error) bool {
	var de *capi.DeliveryError
	if errors.As(err, &de) {
		return de.Retryable
	}
	return httpretry.IsTransient(err)
}

func withState(a domain.DeliveryAttempt, s domain.DeliveryState, err error) domain.DeliveryAttempt {
	a.State = s
	if err != nil {
		msg := err.Error()
		a.LastError = &msg
	}
	return a
}

func (d *Dispatcher) transition(ctx context.Context, a *domain.DeliveryAttempt, to domain.DeliveryState, err error) {
	t := domain.DeliveryTransition{
		EventID:       a.Event.ID,
		EventName:     a.Event.Name,
		AttemptNumber: a.AttemptNumber,
		From:          a.State,
		To:            to,
		NextRetryAt:   a.NextRetryAt,
		At:            d.now().UTC(),
	}
	if err != nil {
		t.Error = err.Error()
		msg := t.Error
		a.LastError = &msg
	}
	a.State = to
	if rerr := d.recorder.Record(ctx, t); rerr != nil {
		logger.Warn("delivery_transition_not_recorded", "event_id", t.EventID, "to", string(to), "error", rerr.Error())
	}
}

func (d *Dispatcher) deadLetter(ctx context.Context, a domain.DeliveryAttempt, reason error) {
	a.State = domain.StateAbandoned
	for _, s := range d.sinks {
		if err := s.DeadLetter(ctx, a, reason); err != nil {
			logger.Error("dead_letter_sink_failed", "event_id", a.Event.ID, "error", err.Error())
		}
	}
}
