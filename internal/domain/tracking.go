package domain

// EventName is the action reported to the ad platform. The constants below
// are the names the landing page emits; any other name is still valid and is
// reported as a custom event.
type EventName string

const (
	EventPageView             EventName = "PageView"
	EventViewContent          EventName = "ViewContent"
	EventLead                 EventName = "Lead"
	EventContact              EventName = "Contact"
	EventSchedule             EventName = "Schedule"
	EventCompleteRegistration EventName = "CompleteRegistration"

	// Micro-interactions, sent as custom events.
	EventScrollDepth EventName = "ScrollDepth"
	EventGalleryOpen EventName = "GalleryOpen"
)

var standardEvents = map[EventName]bool{
	EventPageView:             true,
	EventViewContent:          true,
	EventLead:                 true,
	EventContact:              true,
	EventSchedule:             true,
	EventCompleteRegistration: true,
}

// IsStandard reports whether the pixel library knows this name natively
// (fbq "track") rather than as a custom event (fbq "trackCustom").
func (n EventName) IsStandard() bool { return standardEvents[n] }

// ActionSourceWebsite is the only action source this service reports.
const ActionSourceWebsite = "website"

// Keys of TrackingEvent.HashedContact. They match the user_data keys of the
// Conversions API.
const (
	ContactEmail      = "em"
	ContactPhone      = "ph"
	ContactFirstName  = "fn"
	ContactLastName   = "ln"
	ContactCity       = "ct"
	ContactRegion     = "st"
	ContactPostalCode = "zp"
	ContactCountry    = "country"
)

// TrackingEvent is one user action, ready to be sent on both channels.
//
// ID is shared by the pixel call and the server call; it is never
// regenerated once assigned. HashedContact holds only SHA-256 digests and is
// nil when the action carried no contact data.
type TrackingEvent struct {
	Name          EventName         `json:"event_name"`
	ID            string            `json:"event_id"`
	OccurredAt    int64             `json:"event_time"`
	ActionSource  string            `json:"action_source"`
	SourceURL     string            `json:"event_source_url,omitempty"`
	Identity      VisitorIdentity   `json:"identity"`
	Attribution   Attribution       `json:"attribution"`
	CustomData    map[string]any    `json:"custom_data,omitempty"`
	HashedContact map[string]string `json:"hashed_contact,omitempty"`
	HashedExtID   string            `json:"hashed_external_id,omitempty"`
	ClientIP      string            `json:"client_ip,omitempty"`
	UserAgent     string            `json:"user_agent,omitempty"`
}
