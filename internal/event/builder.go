package event

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/inkbrow/capi-relay/internal/config"
	"github.com/inkbrow/capi-relay/internal/domain"
)

// BuildInput is everything known about one action at the time it happens.
type BuildInput struct {
	Name        domain.EventName
	Identity    domain.VisitorIdentity
	Attribution domain.Attribution
	CustomData  map[string]any
	Contact     *ContactFields
	// EventID, when set, is used verbatim so that an id already handed to
	// the browser is the one sent to the server channel.
	EventID   string
	SourceURL string
	ClientIP  string
	UserAgent string
}

// Option configures a Builder.
type Option func(*Builder)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// WithIDGenerator replaces the uuid event id generator.
func WithIDGenerator(gen func() string) Option {
	return func(b *Builder) { b.newID = gen }
}

// Builder creates tracking events. It is safe for concurrent use.
type Builder struct {
	defaultCurrency string
	now             func() time.Time
	newID           func() string
}

// NewBuilder creates a Builder using the configured default currency.
func NewBuilder(cfg config.MetaConfig, opts ...Option) *Builder {
	b := &Builder{
		defaultCurrency: cfg.DefaultCurrency,
		now:             time.Now,
		newID:           func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build assembles the event. Unknown event names are kept as custom events.
func (b *Builder) Build(in BuildInput) domain.TrackingEvent {
	id := strings.TrimSpace(in.EventID)
	if id == "" {
		id = b.newID()
	}

	evt := domain.TrackingEvent{
		Name:         domain.EventName(strings.TrimSpace(string(in.Name))),
		ID:           id,
		OccurredAt:   b.now().Unix(),
		ActionSource: domain.ActionSourceWebsite,
		SourceURL:    strings.TrimSpace(in.SourceURL),
		Identity:     in.Identity,
		Attribution:  in.Attribution,
		CustomData:   cleanCustomData(in.CustomData, b.defaultCurrency),
		HashedExtID:  HashExternalID(in.Identity.ExternalID),
		ClientIP:     strings.TrimSpace(in.ClientIP),
		UserAgent:    strings.TrimSpace(in.UserAgent),
	}
	if in.Contact != nil {
		evt.HashedContact = HashContact(*in.Contact)
	}
	return evt
}
