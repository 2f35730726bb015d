package capi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/inkbrow/capi-relay/internal/config"
	"github.com/inkbrow/capi-relay/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent() domain.TrackingEvent {
	return domain.TrackingEvent{
		Name:         domain.EventLead,
		ID:           "evt-123",
		OccurredAt:   1767261600,
		ActionSource: domain.ActionSourceWebsite,
		SourceURL:    "https://studio.example/agendar",
		Identity: domain.VisitorIdentity{
			ExternalID:       "ext-1",
			ClickAttribution: "fb.1.1767261500000.abc",
			BrowserPixelID:   "fb.1.1767261400000.999",
		},
		Attribution:   domain.Attribution{Source: "instagram", Campaign: "spring"},
		CustomData:    map[string]any{"content_name": "microblading", "utm_source": "override"},
		HashedContact: map[string]string{domain.ContactEmail: "em-hash"},
		HashedExtID:   "ext-hash",
		ClientIP:      "203.0.113.7",
		UserAgent:     "Mozilla/5.0",
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := config.Default().Meta
	cfg.BaseURL = srv.URL
	cfg.PixelID = "1234"
	cfg.AccessToken = "secret-token"
	cfg.TestEventCode = "TEST42"
	cfg.TimeoutSeconds = 2
	return NewClient(cfg)
}

func TestSend_Success(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v21.0/1234/events", r.URL.Path)
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.Write([]byte(`{"events_received":1,"messages":[],"fbtrace_id":"trace-1"}`))
	})

	resp, err := c.Send(context.Background(), testEvent())
	require.NoError(t, err)
	assert.Equal(t, 1, resp.EventsReceived)
	assert.Equal(t, "trace-1", resp.TraceID)

	assert.Equal(t, "TEST42", got["test_event_code"])
	data := got["data"].([]any)
	require.Len(t, data, 1)
	evt := data[0].(map[string]any)
	assert.Equal(t, "Lead", evt["event_name"])
	assert.Equal(t, "evt-123", evt["event_id"])
	assert.Equal(t, float64(1767261600), evt["event_time"])
	assert.Equal(t, "website", evt["action_source"])
	assert.Equal(t, "https://studio.example/agendar", evt["event_source_url"])

	user := evt["user_data"].(map[string]any)
	assert.Equal(t, []any{"em-hash"}, user["em"])
	assert.Equal(t, []any{"ext-hash"}, user["external_id"])
	assert.Equal(t, "fb.1.1767261500000.abc", user["fbc"])
	assert.Equal(t, "fb.1.1767261400000.999", user["fbp"])
	assert.Equal(t, "203.0.113.7", user["client_ip_address"])
	assert.Equal(t, "Mozilla/5.0", user["client_user_agent"])
	assert.NotContains(t, user, "ph")

	custom := evt["custom_data"].(map[string]any)
	assert.Equal(t, "microblading", custom["content_name"])
	assert.Equal(t, "spring", custom["utm_campaign"])
	assert.Equal(t, "override", custom["utm_source"])
}

func TestSend_ServerErrorIsRetryable(t *testing.T) {
	for _, code := range []int{http.StatusServiceUnavailable, http.StatusNotImplemented, http.StatusInsufficientStorage, 520} {
		t.Run(strconv.Itoa(code), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(code)
			})

			_, err := c.Send(context.Background(), testEvent())

			var de *DeliveryError
			require.True(t, errors.As(err, &de))
			assert.Equal(t, code, de.StatusCode)
			assert.True(t, de.Retryable)
			assert.ErrorIs(t, err, ErrRejected)
		})
	}
}

func TestSend_BadRequestIsPermanent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"Invalid parameter","type":"OAuthException","code":100,"fbtrace_id":"t-9"}}`))
	})

	_, err := c.Send(context.Background(), testEvent())

	var de *DeliveryError
	require.True(t, errors.As(err, &de))
	assert.False(t, de.Retryable)
	assert.Equal(t, "t-9", de.TraceID)
	assert.Contains(t, de.Error(), "Invalid parameter")
	assert.False(t, IsRetryable(err))
}

func TestSend_TransientFlagOverridesStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"Please retry","code":2,"is_transient":true}}`))
	})

	_, err := c.Send(context.Background(), testEvent())
	assert.True(t, IsRetryable(err))
}

func TestSend_RateLimitedIsRetryable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.Send(context.Background(), testEvent())
	assert.True(t, IsRetryable(err))
}

func TestSend_ZeroEventsReceived(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"events_received":0}`))
	})

	_, err := c.Send(context.Background(), testEvent())
	assert.ErrorIs(t, err, ErrNotReceived)
	assert.False(t, IsRetryable(err))
}

func TestSend_NetworkErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	cfg := config.Default().Meta
	cfg.BaseURL = srv.URL
	cfg.PixelID = "1"
	srv.Close()

	_, err := NewClient(cfg).Send(context.Background(), testEvent())
	assert.True(t, IsRetryable(err))
}

func TestSend_TimeoutIsRetryable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Send(ctx, testEvent())
	assert.True(t, IsRetryable(err))
}

func TestSend_InvalidEventIsPermanent(t *testing.T) {
	called := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { called = true })

	evt := testEvent()
	evt.ID = ""
	_, err := c.Send(context.Background(), evt)

	assert.ErrorIs(t, err, ErrInvalidEvent)
	assert.False(t, IsRetryable(err))
	assert.False(t, called)
}

func TestBuildServerEvent_MinimalUserData(t *testing.T) {
	se, err := buildServerEvent(domain.TrackingEvent{Name: "ScrollDepth", ID: "e1", OccurredAt: 1})
	require.NoError(t, err)
	assert.Empty(t, se.UserData)
	assert.Nil(t, se.CustomData)
	assert.Equal(t, "website", se.ActionSource)
}
