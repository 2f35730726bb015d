package tracking

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/inkbrow/capi-relay/internal/config"
	"github.com/inkbrow/capi-relay/internal/dispatch"
	"github.com/inkbrow/capi-relay/internal/domain"
	"github.com/inkbrow/capi-relay/internal/event"
	"github.com/inkbrow/capi-relay/internal/identity"
	"github.com/inkbrow/capi-relay/internal/pkg/logger"
)

// TrackRequest is one action reported by the page.
type TrackRequest struct {
	Cookies    []*http.Cookie
	Query      url.Values
	Event      domain.EventName
	EventID    string
	Contact    *event.ContactFields
	CustomData map[string]any
	SourceURL  string
	Referrer   string
	ClientIP   string
	UserAgent  string
}

// TrackResult is what the caller hands back to the browser.
type TrackResult struct {
	Accepted bool                `json:"accepted"`
	EventID  string              `json:"event_id,omitempty"`
	Client   dispatch.ClientCall `json:"client"`
	Cookies  []*http.Cookie      `json:"-"`
}

// Apply writes the identity cookies to w.
func (r TrackResult) Apply(w http.ResponseWriter) {
	for _, c := range r.Cookies {
		http.SetCookie(w, c)
	}
}

// beaconBody is what a prepared script posts back when the action happens.
type beaconBody struct {
	Event      domain.EventName `json:"event"`
	EventID    string           `json:"event_id"`
	SourceURL  string           `json:"event_source_url,omitempty"`
	CustomData map[string]any   `json:"custom_data,omitempty"`
}

// Service runs the tracking pipeline.
type Service struct {
	resolver   *identity.Resolver
	builder    *event.Builder
	dispatcher *dispatch.Dispatcher
	trackURL   string
	redirect   string
}

// NewService wires the pipeline. cfg supplies the public beacon URL and the
// Contact redirect target.
func NewService(resolver *identity.Resolver, builder *event.Builder, dispatcher *dispatch.Dispatcher, cfg *config.Config) *Service {
	return &Service{
		resolver:   resolver,
		builder:    builder,
		dispatcher: dispatcher,
		trackURL:   strings.TrimRight(cfg.Server.PublicURL, "/") + "/api/track",
		redirect:   cfg.Business.WhatsAppURL(),
	}
}

// Track reports an action that just happened on both channels: the result
// carries the pixel call, and the server-side copy is queued for delivery.
// It never fails; problems are logged and the event is dropped.
func (s *Service) Track(ctx context.Context, req TrackRequest) TrackResult {
	evt, res, ok := s.build(req)
	if !ok {
		return res
	}
	res.Client = s.dispatcher.DispatchClientSide(evt)

	if err := s.dispatcher.Submit(evt); err != nil {
		logger.Warn("track_server_side_not_queued", "event_id", evt.ID, "event_name", string(evt.Name), "error", err.Error())
	}
	logger.Debug("track_event_accepted", "event_id", evt.ID, "event_name", string(evt.Name))
	return res
}

// Prepare assigns an event id for an action that has not happened yet and
// returns a script that reports it when run: the pixel call plus a beacon
// to Track with the same id. For Contact the script then redirects to the
// messaging link. Nothing is sent server-side until the beacon arrives.
func (s *Service) Prepare(req TrackRequest) TrackResult {
	evt, res, ok := s.build(req)
	if !ok {
		return res
	}

	opts := []dispatch.ClientOption{dispatch.WithBeacon(s.trackURL, beaconBody{
		Event:      evt.Name,
		EventID:    evt.ID,
		SourceURL:  evt.SourceURL,
		CustomData: evt.CustomData,
	})}
	if evt.Name == domain.EventContact && s.redirect != "" {
		opts = append(opts, dispatch.WithRedirect(s.redirect))
	}
	res.Client = s.dispatcher.DispatchClientSide(evt, opts...)
	return res
}

func (s *Service) build(req TrackRequest) (domain.TrackingEvent, TrackResult, bool) {
	query := pageQuery(req)
	resolved := s.resolver.Resolve(req.Cookies, query)
	res := TrackResult{Cookies: resolved.Cookies}

	name := domain.EventName(strings.TrimSpace(string(req.Event)))
	if name == "" {
		logger.Warn("track_missing_event_name", "source_url", req.SourceURL)
		return domain.TrackingEvent{}, res, false
	}

	evt := s.builder.Build(event.BuildInput{
		Name:        name,
		Identity:    resolved.Identity,
		Attribution: resolved.Attribution,
		CustomData:  req.CustomData,
		Contact:     req.Contact,
		EventID:     req.EventID,
		SourceURL:   req.SourceURL,
		ClientIP:    req.ClientIP,
		UserAgent:   req.UserAgent,
	})
	res.Accepted = true
	res.EventID = evt.ID
	return evt, res, true
}

// pageQuery merges the request query with the query string of the page the
// event came from, where fbclid and utm_* usually live. It also supplies
// landing_page and referrer for first-touch attribution.
func pageQuery(req TrackRequest) url.Values {
	q := url.Values{}
	for k, v := range req.Query {
		q[k] = append([]string(nil), v...)
	}
	if req.SourceURL != "" {
		if u, err := url.Parse(req.SourceURL); err == nil {
			for k, v := range u.Query() {
				if _, ok := q[k]; !ok {
					q[k] = v
				}
			}
			if q.Get("landing_page") == "" && u.Host != "" {
				q.Set("landing_page", u.Scheme+"://"+u.Host+u.Path)
			}
		}
	}
	if q.Get("referrer") == "" && req.Referrer != "" {
		q.Set("referrer", req.Referrer)
	}
	return q
}
