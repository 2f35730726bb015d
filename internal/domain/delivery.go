package domain

import "time"

// DeliveryState is the lifecycle of one server-side delivery.
//
//	pending -> in_flight -> delivered | retry_scheduled | abandoned
//	retry_scheduled -> in_flight
type DeliveryState string

const (
	StatePending        DeliveryState = "pending"
	StateInFlight       DeliveryState = "in_flight"
	StateDelivered      DeliveryState = "delivered"
	StateRetryScheduled DeliveryState = "retry_scheduled"
	StateAbandoned      DeliveryState = "abandoned"
)

// IsTerminal reports whether no further transition can follow.
func (s DeliveryState) IsTerminal() bool {
	return s == StateDelivered || s == StateAbandoned
}

// DeliveryAttempt is a server-side delivery that has not finished yet. It is
// the only thing the pipeline persists (in the retry queue).
type DeliveryAttempt struct {
	Event         TrackingEvent `json:"event"`
	AttemptNumber int           `json:"attempt_number"`
	State         DeliveryState `json:"state"`
	LastError     *string       `json:"last_error,omitempty"`
	NextRetryAt   *time.Time    `json:"next_retry_at,omitempty"`
}

// DeliveryOutcome is what a single dispatch call reports back.
type DeliveryOutcome struct {
	EventID        string        `json:"event_id"`
	State          DeliveryState `json:"state"`
	Attempts       int           `json:"attempts"`
	StatusCode     int           `json:"status_code,omitempty"`
	EventsReceived int           `json:"events_received,omitempty"`
	TraceID        string        `json:"fbtrace_id,omitempty"`
	NextRetryAt    *time.Time    `json:"next_retry_at,omitempty"`
	Err            error         `json:"-"`
}

// DeliveryTransition is one recorded state change of a delivery.
type DeliveryTransition struct {
	EventID       string        `json:"event_id"`
	EventName     EventName     `json:"event_name"`
	AttemptNumber int           `json:"attempt_number"`
	From          DeliveryState `json:"from"`
	To            DeliveryState `json:"to"`
	Error         string        `json:"error,omitempty"`
	NextRetryAt   *time.Time    `json:"next_retry_at,omitempty"`
	At            time.Time     `json:"at"`
}
