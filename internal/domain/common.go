package domain

import "strings"

// TransportStatus is the health state of a registered audio transport
type TransportStatus string

const (
	TransportStatusConnected TransportStatus = "connected"
	TransportStatusClosed    TransportStatus = "closed"
)

// Provider call statuses shown on the observer surface
const (
	CallStatusInProgress = "in-progress"
	CallStatusCompleted  = "completed"
)

// StreamEvent is a media stream status reported by the provider
type StreamEvent string

const (
	StreamEventStarted StreamEvent = "started"
	StreamEventStopped StreamEvent = "stopped"
	StreamEventFailed  StreamEvent = "failed"
)

// Terminal reports whether the stream can no longer carry audio
func (e StreamEvent) Terminal() bool {
	return e == StreamEventStopped || e == StreamEventFailed
}

// ParseStreamEvent normalizes provider spellings such as "stream-stopped" or "stream-error"
func ParseStreamEvent(raw string) StreamEvent {
	v := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(raw)), "stream-")
	switch v {
	case "error":
		return StreamEventFailed
	default:
		return StreamEvent(v)
	}
}
