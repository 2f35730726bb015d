package capi

import (
	"fmt"

	"github.com/inkbrow/capi-relay/internal/domain"
)

type requestBody struct {
	Data          []serverEvent `json:"data"`
	TestEventCode string        `json:"test_event_code,omitempty"`
}

type serverEvent struct {
	EventName      string         `json:"event_name"`
	EventTime      int64          `json:"event_time"`
	EventID        string         `json:"event_id"`
	EventSourceURL string         `json:"event_source_url,omitempty"`
	ActionSource   string         `json:"action_source"`
	UserData       map[string]any `json:"user_data"`
	CustomData     map[string]any `json:"custom_data,omitempty"`
}

type responseBody struct {
	EventsReceived int      `json:"events_received"`
	Messages       []string `json:"messages"`
	TraceID        string   `json:"fbtrace_id"`
	Error          *struct {
		Message     string `json:"message"`
		Type        string `json:"type"`
		Code        int    `json:"code"`
		Subcode     int    `json:"error_subcode"`
		IsTransient bool   `json:"is_transient"`
		TraceID     string `json:"fbtrace_id"`
	} `json:"error"`
}

// buildServerEvent maps a tracking event to the wire format. Hashed fields
// are sent as single-element arrays, identifiers the pixel itself sets are
// sent in clear.
func buildServerEvent(evt domain.TrackingEvent) (serverEvent, error) {
	if evt.Name == "" {
		return serverEvent{}, fmt.Errorf("%w: empty event name", ErrInvalidEvent)
	}
	if evt.ID == "" {
		return serverEvent{}, fmt.Errorf("%w: empty event id", ErrInvalidEvent)
	}
	if evt.OccurredAt <= 0 {
		return serverEvent{}, fmt.Errorf("%w: missing event time", ErrInvalidEvent)
	}

	user := make(map[string]any, len(evt.HashedContact)+5)
	for k, v := range evt.HashedContact {
		user[k] = []string{v}
	}
	if evt.HashedExtID != "" {
		user["external_id"] = []string{evt.HashedExtID}
	}
	if evt.Identity.ClickAttribution != "" {
		user["fbc"] = evt.Identity.ClickAttribution
	}
	if evt.Identity.BrowserPixelID != "" {
		user["fbp"] = evt.Identity.BrowserPixelID
	}
	if evt.ClientIP != "" {
		user["client_ip_address"] = evt.ClientIP
	}
	if evt.UserAgent != "" {
		user["client_user_agent"] = evt.UserAgent
	}

	var custom map[string]any
	if len(evt.CustomData) > 0 || !evt.Attribution.IsZero() {
		custom = make(map[string]any, len(evt.CustomData)+8)
		for k, v := range evt.Attribution.Params() {
			custom[k] = v
		}
		// Explicit custom data wins over replayed attribution.
		for k, v := range evt.CustomData {
			custom[k] = v
		}
	}

	actionSource := evt.ActionSource
	if actionSource == "" {
		actionSource = domain.ActionSourceWebsite
	}

	return serverEvent{
		EventName:      string(evt.Name),
		EventTime:      evt.OccurredAt,
		EventID:        evt.ID,
		EventSourceURL: evt.SourceURL,
		ActionSource:   actionSource,
		UserData:       user,
		CustomData:     custom,
	}, nil
}
