package call

import (
	"context"
	"errors"

	"github.com/ClareAI/astra-phone-agent/internal/domain"
)

var (
	ErrMissingCallSid       = errors.New("CallSid is required")
	ErrSynthesisTimeout     = errors.New("speech synthesis timed out")
	ErrSynthesisUnavailable = errors.New("speech synthesis is not configured")
)

// Completer generates the assistant reply for one caller utterance
type Completer interface {
	Complete(ctx context.Context, utterance string) (string, error)
}

// Synthesizer converts reply text to audio bytes
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// TransportRegistry is the part of the relay registry the service uses.
// The service only reads and removes entries; the relay owns registration.
type TransportRegistry interface {
	SendAudioToCall(callSid string, audio []byte) error
	Remove(callSid, reason string) bool
	CallSids() []string
}

// CallDirectory lists recent calls from the telephony provider
type CallDirectory interface {
	IsEnabled() bool
	RecentCalls() ([]domain.CallSummary, error)
}

// IncomingCall is the new-call webhook
type IncomingCall struct {
	CallSid string
	From    string
	To      string
	// Host is the public host the provider reached us on; used to address the relay
	Host string
}

// RecordingEvent is the capture-complete webhook
type RecordingEvent struct {
	CallSid           string
	RecordingURL      string
	RecordingDuration string
}

// TranscriptionEvent is the transcript-ready webhook
type TranscriptionEvent struct {
	CallSid          string
	TranscriptionSid string
	Status           string
	Text             string
}

// TurnRequest is one invocation of the turn processor
type TurnRequest struct {
	CallSid    string
	RetryCount int
}

// TurnState names the stages a turn passes through, used in logs
type TurnState string

const (
	StateAwaitingTranscript TurnState = "awaiting_transcript"
	StateHaveTranscript     TurnState = "have_transcript"
	StateGeneratingReply    TurnState = "generating_reply"
	StateSynthesizing       TurnState = "synthesizing"
	StateDelivered          TurnState = "delivered"
	StateCaptureRearmed     TurnState = "capture_rearmed"
	StateGaveUp             TurnState = "gave_up"
)

// SpeechKind tags a SpeechResult
type SpeechKind int

const (
	SpeechSynthesized SpeechKind = iota
	SpeechFallback
)

func (k SpeechKind) String() string {
	if k == SpeechSynthesized {
		return "synthesized"
	}
	return "fallback"
}

// SpeechResult is the outcome of synthesis: either audio from the primary
// provider or the text to speak with the built-in voice. Text is always set.
type SpeechResult struct {
	Kind  SpeechKind
	Audio []byte
	Text  string
	Cause error // why the fallback was chosen
}

// Synthesized wraps primary provider audio
func Synthesized(text string, audio []byte) SpeechResult {
	return SpeechResult{Kind: SpeechSynthesized, Audio: audio, Text: text}
}

// Fallback asks for text to be spoken with the built-in voice
func Fallback(text string, cause error) SpeechResult {
	return SpeechResult{Kind: SpeechFallback, Text: text, Cause: cause}
}
