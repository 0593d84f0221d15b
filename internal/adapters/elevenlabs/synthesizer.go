// Package elevenlabs converts reply text to audio with the ElevenLabs REST API.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ClareAI/astra-phone-agent/internal/config"
	"github.com/ClareAI/astra-phone-agent/pkg/logger"
	"go.uber.org/zap"
)

var (
	ErrNotConfigured = errors.New("elevenlabs api key and voice id are required")
	ErrEmptyAudio    = errors.New("elevenlabs returned no audio")
)

// maxErrorBody bounds how much of an error response is kept for logs
const maxErrorBody = 512

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type speechRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

// Synthesizer calls POST /v1/text-to-speech/{voice_id} and returns MPEG audio
type Synthesizer struct {
	apiKey     string
	voiceID    string
	modelID    string
	baseURL    string
	httpClient *http.Client
}

// NewSynthesizer builds a synthesizer from the service config. The HTTP client
// timeout matches the synthesis timeout so an abandoned request does not linger.
func NewSynthesizer(cfg *config.PhoneAgentConfig) *Synthesizer {
	timeout := cfg.SynthesisTimeout
	if timeout <= 0 {
		timeout = config.SynthesisTimeout
	}
	return NewSynthesizerWithClient(cfg, &http.Client{Timeout: timeout})
}

// NewSynthesizerWithClient is NewSynthesizer with a caller supplied client
func NewSynthesizerWithClient(cfg *config.PhoneAgentConfig, client *http.Client) *Synthesizer {
	if client == nil {
		client = &http.Client{}
	}
	baseURL := strings.TrimRight(cfg.ElevenLabsBaseURL, "/")
	if baseURL == "" {
		baseURL = config.DefaultElevenLabsBaseURL
	}
	modelID := cfg.ElevenLabsModelID
	if modelID == "" {
		modelID = config.DefaultSynthesisModel
	}
	return &Synthesizer{
		apiKey:     strings.TrimSpace(cfg.ElevenLabsAPIKey),
		voiceID:    strings.TrimSpace(cfg.ElevenLabsVoiceID),
		modelID:    modelID,
		baseURL:    baseURL,
		httpClient: client,
	}
}

// Name identifies the provider in logs and metrics
func (s *Synthesizer) Name() string {
	return "elevenlabs"
}

// Synthesize returns the raw response body; the bytes are never transcoded
func (s *Synthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if s.apiKey == "" || s.voiceID == "" {
		return nil, ErrNotConfigured
	}

	body, err := json.Marshal(speechRequest{
		Text:    text,
		ModelID: s.modelID,
		VoiceSettings: voiceSettings{
			Stability:       config.DefaultVoiceStability,
			SimilarityBoost: config.DefaultSimilarityBoost,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal speech request: %w", err)
	}

	endpoint := s.baseURL + "/v1/text-to-speech/" + url.PathEscape(s.voiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build speech request: %w", err)
	}
	req.Header.Set("Accept", "audio/mpeg")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", s.apiKey)

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("elevenlabs returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read elevenlabs audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, ErrEmptyAudio
	}

	logger.Base().Debug("elevenlabs synthesis finished",
		zap.Int("bytes", len(audio)),
		zap.Int("text_length", len(text)),
		zap.Duration("latency", time.Since(start)),
	)
	return audio, nil
}
