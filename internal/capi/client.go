package capi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/inkbrow/capi-relay/internal/config"
	"github.com/inkbrow/capi-relay/internal/domain"
	"github.com/inkbrow/capi-relay/internal/pkg/httpretry"
	"golang.org/x/oauth2"
)

const maxResponseBytes = 64 << 10

// Response is a successful answer from the events endpoint.
type Response struct {
	StatusCode     int
	EventsReceived int
	TraceID        string
	Messages       []string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the authenticated HTTP client.
func WithHTTPClient(doer httpretry.HTTPDoer) Option {
	return func(c *Client) { c.http = doer }
}

// Client sends events to one pixel.
type Client struct {
	http          httpretry.HTTPDoer
	endpoint      string
	testEventCode string
}

// NewClient builds a client authenticated with the configured access token.
func NewClient(cfg config.MetaConfig, opts ...Option) *Client {
	c := &Client{
		http:          newAuthClient(cfg),
		endpoint:      cfg.EventsURL(),
		testEventCode: cfg.TestEventCode,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newAuthClient(cfg config.MetaConfig) *http.Client {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.AccessToken, TokenType: "Bearer"})
	return &http.Client{
		Timeout: cfg.Timeout(),
		Transport: &oauth2.Transport{
			Source: src,
			Base:   http.DefaultTransport,
		},
	}
}

// Endpoint returns the URL events are posted to.
func (c *Client) Endpoint() string { return c.endpoint }

// Send posts a single event. Any error is a *DeliveryError.
func (c *Client) Send(ctx context.Context, evt domain.TrackingEvent) (*Response, error) {
	se, err := buildServerEvent(evt)
	if err != nil {
		return nil, &DeliveryError{Err: err}
	}
	body, err := json.Marshal(requestBody{Data: []serverEvent{se}, TestEventCode: c.testEventCode})
	if err != nil {
		return nil, &DeliveryError{Err: fmt.Errorf("%w: %v", ErrInvalidEvent, err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &DeliveryError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &DeliveryError{
			Err:       err,
			Retryable: !errors.Is(err, context.Canceled),
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &DeliveryError{StatusCode: resp.StatusCode, Err: err, Retryable: true}
	}

	var parsed responseBody
	_ = json.Unmarshal(raw, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		de := &DeliveryError{
			StatusCode: resp.StatusCode,
			Body:       string(raw),
			Retryable:  httpretry.IsRetryableStatus(resp.StatusCode),
			Err:        ErrRejected,
		}
		if parsed.Error != nil {
			de.TraceID = parsed.Error.TraceID
			de.Retryable = de.Retryable || parsed.Error.IsTransient
			de.Err = fmt.Errorf("%w: %s (code %d)", ErrRejected, parsed.Error.Message, parsed.Error.Code)
		}
		return nil, de
	}

	if parsed.EventsReceived < 1 {
		return nil, &DeliveryError{
			StatusCode: resp.StatusCode,
			Body:       string(raw),
			TraceID:    parsed.TraceID,
			Err:        ErrNotReceived,
		}
	}

	return &Response{
		StatusCode:     resp.StatusCode,
		EventsReceived: parsed.EventsReceived,
		TraceID:        parsed.TraceID,
		Messages:       parsed.Messages,
	}, nil
}
