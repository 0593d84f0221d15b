package metrics

import (
	"context"
	"strings"
	"time"

	"github.com/ClareAI/astra-phone-agent/internal/core/event"
	"github.com/ClareAI/astra-phone-agent/pkg/pubsub"
)

const publishTimeout = 5 * time.Second

// TurnPublisher ships one turn outcome to the metrics topic
type TurnPublisher interface {
	PublishTurnMetrics(ctx context.Context, metrics pubsub.TurnMetricsEvent) error
}

// TurnEventTypes are the events that produce a metrics message
var TurnEventTypes = []event.EventType{event.TurnCompleted, event.TurnGaveUp, event.TurnFailed}

// AttachTurnMetrics publishes a metrics message for every turn event on bus.
// Publish failures are logged by the publisher and otherwise dropped.
func AttachTurnMetrics(bus event.EventBus, publisher TurnPublisher) error {
	handler := func(ev *event.CallEvent) {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()

		_ = publisher.PublishTurnMetrics(ctx, FromEvent(ev))
	}
	for _, t := range TurnEventTypes {
		if err := bus.Subscribe(t, handler); err != nil {
			return err
		}
	}
	return nil
}

// FromEvent converts a turn event into its metrics payload
func FromEvent(ev *event.CallEvent) pubsub.TurnMetricsEvent {
	m := pubsub.TurnMetricsEvent{
		ID:        ev.ID,
		CallSid:   ev.CallSid,
		Outcome:   strings.TrimPrefix(string(ev.Type), "turn."),
		CreatedAt: ev.Timestamp,
	}
	if data, ok := ev.TurnData(); ok {
		m.TurnID = data.TurnID
		m.RetryCount = data.RetryCount
		m.Delivery = string(data.Delivery)
		m.FallbackCause = data.FallbackCause
		m.AudioBytes = data.AudioBytes
		m.LatencyMs = data.Latency.Milliseconds()
	}
	if ev.Error != nil {
		m.Error = ev.Error.Error()
	}
	return m
}
