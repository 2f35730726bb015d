package tests

// User story tests: a landing-page action travels through identity,
// event building and both delivery channels against fake Meta, Redis,
// Postgres and SQS backends.

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkbrow/capi-relay/internal/capi"
	"github.com/inkbrow/capi-relay/internal/config"
	"github.com/inkbrow/capi-relay/internal/dispatch"
	"github.com/inkbrow/capi-relay/internal/domain"
	"github.com/inkbrow/capi-relay/internal/event"
	"github.com/inkbrow/capi-relay/internal/identity"
	"github.com/inkbrow/capi-relay/internal/pkg/distlock"
	"github.com/inkbrow/capi-relay/internal/repository/postgres"
	"github.com/inkbrow/capi-relay/internal/tracking"
	"github.com/inkbrow/capi-relay/internal/worker"
)

// =============================================================================
// TEST INFRASTRUCTURE
// =============================================================================

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// metaStub answers the events endpoint with the queued status codes, then
// 200, and keeps every request body.
type metaStub struct {
	mu       sync.Mutex
	statuses []int
	bodies   []map[string]any
	auth     []string
}

func (m *metaStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)

	m.mu.Lock()
	m.bodies = append(m.bodies, body)
	m.auth = append(m.auth, r.Header.Get("Authorization"))
	status := http.StatusOK
	if len(m.statuses) > 0 {
		status = m.statuses[0]
		m.statuses = m.statuses[1:]
	}
	m.mu.Unlock()

	w.WriteHeader(status)
	if status == http.StatusOK {
		w.Write([]byte(`{"events_received":1,"fbtrace_id":"AbCdEf"}`))
	}
}

func (m *metaStub) Events() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]any, 0, len(m.bodies))
	for _, b := range m.bodies {
		out = append(out, b["data"].([]any)[0].(map[string]any))
	}
	return out
}

type TestContext struct {
	Cfg        *config.Config
	Meta       *metaStub
	Clock      *clock
	Redis      *redis.Client
	MiniR      *miniredis.Miniredis
	DB         *sql.DB
	Mock       sqlmock.Sqlmock
	Recorder   *dispatch.MemoryRecorder
	Dispatcher *dispatch.Dispatcher
	Service    *tracking.Service
}

func setupTestContext(t *testing.T, statuses ...int) *TestContext {
	t.Helper()

	meta := &metaStub{statuses: statuses}
	srv := httptest.NewServer(meta)
	t.Cleanup(srv.Close)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	t.Cleanup(func() {
		redisClient.Close()
		mr.Close()
		db.Close()
	})

	cfg := config.Default()
	cfg.Meta.BaseURL = srv.URL
	cfg.Meta.PixelID = "777"
	cfg.Meta.AccessToken = "page-token"
	cfg.Delivery.MaxAttempts = 3
	cfg.Server.PublicURL = "https://track.studio.example"

	clk := &clock{now: time.Date(2026, 2, 10, 14, 0, 0, 0, time.UTC)}

	d := dispatch.NewDispatcher(
		capi.NewClient(cfg.Meta),
		dispatch.NewRedisRetryQueue(redisClient, cfg.Redis.QueueKey),
		dispatch.ConfigFrom(cfg.Delivery),
	)
	rec := dispatch.NewMemoryRecorder(100)
	d.SetRecorder(dispatch.Recorders{rec, postgres.NewTransitionRepo(db)})
	d.SetClock(clk.Now)

	svc := tracking.NewService(
		identity.NewResolver(cfg.Cookies, identity.WithClock(clk.Now)),
		event.NewBuilder(cfg.Meta, event.WithClock(clk.Now)),
		d,
		cfg,
	)

	return &TestContext{
		Cfg: cfg, Meta: meta, Clock: clk,
		Redis: redisClient, MiniR: mr, DB: db, Mock: mock,
		Recorder: rec, Dispatcher: d, Service: svc,
	}
}

func expectLedger(mock sqlmock.Sqlmock, eventID string, states ...domain.DeliveryState) {
	for _, s := range states {
		mock.ExpectExec("INSERT INTO capi_delivery_transitions").
			WithArgs(sqlmock.AnyArg(), eventID, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), string(s),
				sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
}

func drain(t *testing.T, d *dispatch.Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))
}

func toStates(ts []domain.DeliveryTransition) []domain.DeliveryState {
	out := make([]domain.DeliveryState, len(ts))
	for i, tr := range ts {
		out[i] = tr.To
	}
	return out
}

// =============================================================================
// USER STORY: Lead survives one Conversions API outage
// =============================================================================

func TestUserStory_LeadRetriedOnceThenDelivered(t *testing.T) {
	tc := setupTestContext(t, http.StatusServiceUnavailable)
	expectLedger(tc.Mock, "evt-123",
		domain.StateInFlight, domain.StateRetryScheduled, domain.StateInFlight, domain.StateDelivered)

	tc.Dispatcher.Start()
	res := tc.Service.Track(context.Background(), tracking.TrackRequest{
		Event:     domain.EventLead,
		EventID:   "evt-123",
		Contact:   &event.ContactFields{Email: "Jane@Test.com", Phone: ""},
		SourceURL: "https://studio.example/agendar?fbclid=IwAR1",
		ClientIP:  "198.51.100.4",
		UserAgent: "Mozilla/5.0",
	})
	drain(t, tc.Dispatcher)

	// Client channel carries the same id.
	assert.Equal(t, "evt-123", res.Client.EventID)
	assert.Contains(t, res.Client.Script, `eventID: "evt-123"`)

	// First attempt failed and sits in Redis.
	n, err := tc.Dispatcher.Queue().Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Retry worker picks it up once due.
	w := worker.NewDeliveryRetryWorker(tc.Dispatcher,
		distlock.NewLock(tc.Redis, nil, tc.Cfg.Redis.LockKey, worker.RetryLockTTL), time.Hour, 10)
	assert.Zero(t, w.RunOnce(context.Background()), "not due yet")
	tc.Clock.Advance(2 * time.Second)
	assert.Equal(t, 1, w.RunOnce(context.Background()))

	events := tc.Meta.Events()
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, "evt-123", e["event_id"])
		assert.Equal(t, "Lead", e["event_name"])
		user := e["user_data"].(map[string]any)
		assert.Equal(t, []any{event.Hash("jane@test.com")}, user["em"])
		assert.NotContains(t, user, "ph")
		assert.Equal(t, "fb.1.1770732000000.IwAR1", user["fbc"])
	}
	assert.Equal(t, "Bearer page-token", tc.Meta.auth[0])

	transitions := tc.Recorder.For("evt-123")
	assert.Equal(t, []domain.DeliveryState{
		domain.StateInFlight, domain.StateRetryScheduled, domain.StateInFlight, domain.StateDelivered,
	}, toStates(transitions))
	counts := tc.Recorder.Counts()
	assert.Equal(t, 1, counts[domain.StateRetryScheduled])
	assert.Equal(t, 1, counts[domain.StateDelivered])

	n, _ = tc.Dispatcher.Queue().Len(context.Background())
	assert.Zero(t, n)
	assert.NoError(t, tc.Mock.ExpectationsWereMet())
}

// =============================================================================
// USER STORY: rejected event is dead-lettered, not retried
// =============================================================================

type memorySink struct {
	mu      sync.Mutex
	letters []domain.DeliveryAttempt
}

func (m *memorySink) DeadLetter(_ context.Context, a domain.DeliveryAttempt, _ error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.letters = append(m.letters, a)
	return nil
}

func TestUserStory_RejectedEventDeadLettered(t *testing.T) {
	tc := setupTestContext(t, http.StatusBadRequest)
	sink := &memorySink{}
	tc.Dispatcher.AddDeadLetterSink(sink)
	expectLedger(tc.Mock, "bad-1", domain.StateInFlight, domain.StateAbandoned)

	evt := event.NewBuilder(tc.Cfg.Meta).Build(event.BuildInput{Name: domain.EventSchedule, EventID: "bad-1"})
	out := tc.Dispatcher.DispatchServerSide(context.Background(), evt)

	assert.Equal(t, domain.StateAbandoned, out.State)
	assert.Equal(t, http.StatusBadRequest, out.StatusCode)
	require.Len(t, sink.letters, 1)
	assert.Equal(t, "bad-1", sink.letters[0].Event.ID)
	assert.Len(t, tc.Meta.Events(), 1)
	assert.NoError(t, tc.Mock.ExpectationsWereMet())
}

// =============================================================================
// USER STORY: outage longer than the retry budget
// =============================================================================

func TestUserStory_BudgetExhausted(t *testing.T) {
	tc := setupTestContext(t, http.StatusBadGateway, http.StatusBadGateway, http.StatusBadGateway)
	sink := &memorySink{}
	tc.Dispatcher.AddDeadLetterSink(sink)
	expectLedger(tc.Mock, "evt-out",
		domain.StateInFlight, domain.StateRetryScheduled,
		domain.StateInFlight, domain.StateRetryScheduled,
		domain.StateInFlight, domain.StateAbandoned)

	evt := event.NewBuilder(tc.Cfg.Meta).Build(event.BuildInput{Name: domain.EventLead, EventID: "evt-out"})
	out := tc.Dispatcher.DispatchServerSide(context.Background(), evt)
	require.Equal(t, domain.StateRetryScheduled, out.State)
	first := out.NextRetryAt.Sub(tc.Clock.Now())

	tc.Clock.Advance(first)
	_, err := tc.Dispatcher.RetryDue(context.Background(), 10)
	require.NoError(t, err)

	due, err := tc.Dispatcher.Queue().ClaimDue(context.Background(), tc.Clock.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	second := due[0].NextRetryAt.Sub(tc.Clock.Now())
	assert.Greater(t, second, first)
	require.NoError(t, tc.Dispatcher.Queue().Schedule(context.Background(), due[0]))

	tc.Clock.Advance(second)
	_, err = tc.Dispatcher.RetryDue(context.Background(), 10)
	require.NoError(t, err)

	require.Len(t, sink.letters, 1)
	assert.Equal(t, 3, sink.letters[0].AttemptNumber)
	assert.Len(t, tc.Meta.Events(), 3)
	assert.NoError(t, tc.Mock.ExpectationsWereMet())
}
