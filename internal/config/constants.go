package config

import "time"

const (
	// Turn policy
	MaxRetries            = 3
	RetryDelay            = 2 * time.Second
	SynthesisTimeout      = 10 * time.Second
	TransportPingInterval = 30 * time.Second
	MaxCaptureLength      = 30 * time.Second

	// Completion defaults
	DefaultCompletionModel     = "gpt-4"
	DefaultCompletionMaxTokens = 150

	// Synthesis defaults
	DefaultSynthesisModel    = "eleven_monolingual_v1"
	DefaultElevenLabsBaseURL = "https://api.elevenlabs.io"
	DefaultVoiceStability    = 0.5
	DefaultSimilarityBoost   = 0.5

	// Built-in provider voice used for the greeting and the synthesis fallback
	FallbackVoice    = "Polly.Amy"
	FallbackLanguage = "en-GB"

	// Transcription status reported by the provider when text is usable
	TranscriptionStatusCompleted = "completed"

	// Media stream track requested from the provider
	StreamTrackInbound = "inbound_track"
)

// Route paths shared by handlers and the markup they emit
const (
	PathIncomingCall        = "/api/incoming-call"
	PathHandleRecording     = "/api/handle-recording"
	PathHandleTranscription = "/api/handle-transcription"
	PathProcessSpeech       = "/api/process-speech"
	PathStream              = "/api/stream"
	PathStreamWS            = "/api/stream/ws"
	PathStreamStatus        = "/api/stream/status"
)
