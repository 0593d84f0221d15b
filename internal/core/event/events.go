package event

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	// Call lifecycle
	CallStarted        EventType = "call.started"
	TranscriptReceived EventType = "transcript.received"

	// Turn outcomes
	TurnCompleted EventType = "turn.completed"
	TurnGaveUp    EventType = "turn.gave_up"
	TurnFailed    EventType = "turn.failed"

	// Audio transport
	TransportConnected EventType = "transport.connected"
	TransportClosed    EventType = "transport.closed"

	// Internal/system events
	HandlerPanic EventType = "handler.panic"
)

// Delivery describes how a reply reached the caller
type Delivery string

const (
	DeliveryStream   Delivery = "stream"   // synthesized audio pushed over the media stream
	DeliveryFallback Delivery = "fallback" // built-in provider voice in the markup
)

// CallEvent is a lifecycle event for one call
type CallEvent struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	CallSid   string      `json:"call_sid"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
	Error     error       `json:"-"`
}

// CallStartedData is attached to CallStarted
type CallStartedData struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// TurnEventData is attached to turn events
type TurnEventData struct {
	TurnID        string        `json:"turn_id,omitempty"`
	RetryCount    int           `json:"retry_count"`
	Delivery      Delivery      `json:"delivery,omitempty"`
	FallbackCause string        `json:"fallback_cause,omitempty"`
	AudioBytes    int           `json:"audio_bytes,omitempty"`
	Latency       time.Duration `json:"latency_ns,omitempty"`
}

// TransportEventData is attached to transport events
type TransportEventData struct {
	Reason      string    `json:"reason,omitempty"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
}

// NewCallEvent creates a new event for callSid
func NewCallEvent(eventType EventType, callSid string) *CallEvent {
	return &CallEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		CallSid:   callSid,
		Timestamp: time.Now().UTC(),
	}
}

// WithData adds data to the event
func (e *CallEvent) WithData(data interface{}) *CallEvent {
	e.Data = data
	return e
}

// WithError adds error to the event
func (e *CallEvent) WithError(err error) *CallEvent {
	e.Error = err
	return e
}

// IsError returns true if the event contains an error
func (e *CallEvent) IsError() bool {
	return e.Error != nil
}

// TurnData returns turn event data if available
func (e *CallEvent) TurnData() (*TurnEventData, bool) {
	data, ok := e.Data.(*TurnEventData)
	return data, ok
}

// TransportData returns transport event data if available
func (e *CallEvent) TransportData() (*TransportEventData, bool) {
	data, ok := e.Data.(*TransportEventData)
	return data, ok
}
