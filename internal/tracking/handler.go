package tracking

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/inkbrow/capi-relay/internal/dispatch"
	"github.com/inkbrow/capi-relay/internal/domain"
	"github.com/inkbrow/capi-relay/internal/event"
	"github.com/inkbrow/capi-relay/internal/pkg/httputil"
	"github.com/inkbrow/capi-relay/internal/pkg/logger"
)

// trackPayload is the body of POST /api/track, sent as JSON by fetch or as
// text/plain by navigator.sendBeacon.
type trackPayload struct {
	Event      string               `json:"event"`
	EventID    string               `json:"event_id"`
	SourceURL  string               `json:"event_source_url"`
	Referrer   string               `json:"referrer"`
	CustomData map[string]any       `json:"custom_data"`
	Contact    *event.ContactFields `json:"contact"`
}

type trackResponse struct {
	EventID string              `json:"event_id"`
	Client  dispatch.ClientCall `json:"client"`
}

// Ledger is the durable delivery history. *postgres.TransitionRepo
// implements it.
type Ledger interface {
	ForEvent(ctx context.Context, eventID string) ([]domain.DeliveryTransition, error)
	CountsSince(ctx context.Context, since time.Time) (map[domain.DeliveryState]int, error)
}

// ledgerWindow is how far back /health counts ledger transitions.
const ledgerWindow = 24 * time.Hour

// Handler serves the tracking endpoints.
type Handler struct {
	svc            *Service
	recorder       *dispatch.MemoryRecorder
	queue          dispatch.RetryQueue
	ledger         Ledger
	allowedOrigins []string
}

// NewHandler creates the HTTP layer. recorder and queue feed /health and
// may be nil.
func NewHandler(svc *Service, recorder *dispatch.MemoryRecorder, queue dispatch.RetryQueue, allowedOrigins []string) *Handler {
	return &Handler{svc: svc, recorder: recorder, queue: queue, allowedOrigins: allowedOrigins}
}

// SetLedger makes /health and the delivery history read from the durable
// ledger instead of this process's recent transitions only.
func (h *Handler) SetLedger(l Ledger) {
	h.ledger = l
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	origins := h.allowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.HandleHealth)
	r.Route("/api/track", func(r chi.Router) {
		r.Post("/", h.HandleTrack)
		r.Get("/beacon.gif", h.HandleBeaconGIF)
		r.Get("/pixel.js", h.HandlePixelScript)
		r.Get("/deliveries/{eventID}", h.HandleDeliveries)
	})
	return r
}

// HandleTrack handles POST /api/track.
func (h *Handler) HandleTrack(w http.ResponseWriter, r *http.Request) {
	beacon := httputil.IsBeacon(r)
	if isBot(r.UserAgent()) {
		httputil.NoContent(w)
		return
	}

	var p trackPayload
	if err := httputil.Decode(r, &p); err != nil {
		if beacon {
			httputil.NoContent(w)
			return
		}
		httputil.BadRequest(w, err.Error())
		return
	}
	if strings.TrimSpace(p.Event) == "" {
		if beacon {
			httputil.NoContent(w)
			return
		}
		httputil.BadRequest(w, "event is required")
		return
	}

	sourceURL := p.SourceURL
	if sourceURL == "" {
		sourceURL = r.Referer()
	}
	res := h.svc.Track(r.Context(), TrackRequest{
		Cookies:    r.Cookies(),
		Query:      r.URL.Query(),
		Event:      domain.EventName(p.Event),
		EventID:    p.EventID,
		Contact:    p.Contact,
		CustomData: p.CustomData,
		SourceURL:  sourceURL,
		Referrer:   p.Referrer,
		ClientIP:   clientIP(r),
		UserAgent:  r.UserAgent(),
	})
	res.Apply(w)

	if beacon {
		httputil.NoContent(w)
		return
	}
	httputil.OK(w, trackResponse{EventID: res.EventID, Client: res.Client})
}

// HandleBeaconGIF handles GET /api/track/beacon.gif, the no-JS fallback.
// It always answers with the pixel.
func (h *Handler) HandleBeaconGIF(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := q.Get("event")
	if name == "" {
		name = string(domain.EventPageView)
	}
	if !isBot(r.UserAgent()) {
		sourceURL := q.Get("url")
		if sourceURL == "" {
			sourceURL = r.Referer()
		}
		res := h.svc.Track(r.Context(), TrackRequest{
			Cookies:   r.Cookies(),
			Query:     q,
			Event:     domain.EventName(name),
			EventID:   q.Get("event_id"),
			SourceURL: sourceURL,
			ClientIP:  clientIP(r),
			UserAgent: r.UserAgent(),
		})
		res.Apply(w)
	}
	httputil.Pixel(w)
}

// HandlePixelScript handles GET /api/track/pixel.js. The script fires the
// pixel and reports the action back with the same event id.
func (h *Handler) HandlePixelScript(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := q.Get("event")
	if name == "" {
		httputil.BadRequest(w, "event is required")
		return
	}
	sourceURL := q.Get("url")
	if sourceURL == "" {
		sourceURL = r.Referer()
	}

	var custom map[string]any
	if raw := q.Get("custom_data"); raw != "" {
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&custom); err != nil {
			logger.Debug("pixel_script_bad_custom_data", "error", err.Error())
			custom = nil
		}
	}

	res := h.svc.Prepare(TrackRequest{
		Cookies:    r.Cookies(),
		Query:      q,
		Event:      domain.EventName(name),
		EventID:    q.Get("event_id"),
		CustomData: custom,
		SourceURL:  sourceURL,
		ClientIP:   clientIP(r),
		UserAgent:  r.UserAgent(),
	})
	res.Apply(w)

	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Event-Id", res.EventID)
	w.Write([]byte(res.Client.Script))
}

type healthResponse struct {
	Status      string                       `json:"status"`
	Transitions map[domain.DeliveryState]int `json:"transitions,omitempty"`
	Ledger24h   map[domain.DeliveryState]int `json:"ledger_24h,omitempty"`
	RetryQueue  *int                         `json:"retry_queue,omitempty"`
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if h.recorder != nil {
		resp.Transitions = h.recorder.Counts()
	}
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()
	if h.ledger != nil {
		if counts, err := h.ledger.CountsSince(ctx, time.Now().Add(-ledgerWindow)); err == nil {
			resp.Ledger24h = counts
		} else {
			resp.Status = "degraded"
			logger.Warn("health_ledger_unavailable", "error", err.Error())
		}
	}
	if h.queue != nil {
		if n, err := h.queue.Len(ctx); err == nil {
			resp.RetryQueue = &n
		} else {
			resp.Status = "degraded"
			logger.Warn("health_retry_queue_unavailable", "error", err.Error())
		}
	}
	httputil.OK(w, resp)
}

// HandleDeliveries handles GET /api/track/deliveries/{eventID}: the
// server-side delivery history of one event.
func (h *Handler) HandleDeliveries(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")

	var history []domain.DeliveryTransition
	switch {
	case h.ledger != nil:
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		var err error
		history, err = h.ledger.ForEvent(ctx, eventID)
		if err != nil {
			logger.Error("delivery_history_failed", "event_id", eventID, "error", err.Error())
			httputil.Error(w, http.StatusServiceUnavailable, "delivery history unavailable")
			return
		}
	case h.recorder != nil:
		history = h.recorder.For(eventID)
	}
	if len(history) == 0 {
		httputil.Error(w, http.StatusNotFound, "no deliveries for event")
		return
	}
	httputil.OK(w, history)
}

// clientIP returns the address set by middleware.RealIP, without the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

var botKeywords = []string{"bot", "crawler", "spider", "headless", "phantom", "wget", "curl", "python-requests", "facebookexternalhit", "lighthouse"}

func isBot(ua string) bool {
	if ua == "" {
		return true
	}
	lower := strings.ToLower(ua)
	for _, kw := range botKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
