package dispatch

import (
	"context"

	"github.com/inkbrow/capi-relay/internal/domain"
	"github.com/inkbrow/capi-relay/internal/pkg/logger"
)

// LogSink writes abandoned attempts to the error log. Every dispatcher has
// one.
type LogSink struct{}

func (LogSink) DeadLetter(_ context.Context, a domain.DeliveryAttempt, reason error) error {
	msg := ""
	if reason != nil {
		msg = reason.Error()
	}
	logger.Error("capi_delivery_abandoned",
		"event_id", a.Event.ID,
		"event_name", string(a.Event.Name),
		"attempts", a.AttemptNumber,
		"reason", msg,
	)
	return nil
}
