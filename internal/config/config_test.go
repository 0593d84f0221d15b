package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadFromEnv_Defaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "PUBLIC_HOST", "OPENAI_MODEL", "OPENAI_MAX_TOKENS", "ELEVENLABS_MODEL_ID",
		"TURN_MAX_RETRIES", "TURN_RETRY_DELAY", "SYNTHESIS_TIMEOUT", "TRANSPORT_PING_INTERVAL",
		"REDIS_HOST", "PUBSUB_PROJECT_ID", "PUBSUB_TOPIC_NAME", "PUBSUB_NAME_PREFIX", "TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN",
	} {
		t.Setenv(key, "")
	}

	cfg := LoadFromEnv()
	assert.Equal(t, "3000", cfg.Port)
	assert.Equal(t, DefaultCompletionModel, cfg.OpenAIModel)
	assert.Equal(t, DefaultCompletionMaxTokens, cfg.OpenAIMaxTokens)
	assert.Equal(t, DefaultSynthesisModel, cfg.ElevenLabsModelID)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.RetryDelay)
	assert.Equal(t, 10*time.Second, cfg.SynthesisTimeout)
	assert.Equal(t, 30*time.Second, cfg.TransportPingInterval)
	assert.NotEmpty(t, cfg.InstanceID)
	assert.Empty(t, cfg.PubSubNamePrefix)

	assert.False(t, cfg.RedisEnabled())
	assert.False(t, cfg.PubSubEnabled())
	assert.False(t, cfg.TwilioEnabled())
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("PUBLIC_HOST", "agent.example.com")
	t.Setenv("TURN_MAX_RETRIES", "5")
	t.Setenv("TURN_RETRY_DELAY", "500ms")
	t.Setenv("SYNTHESIS_TIMEOUT", "4")
	t.Setenv("OBSERVER_RATE_LIMIT", "0.5")
	t.Setenv("REDIS_HOST", "redis")
	t.Setenv("PUBSUB_PROJECT_ID", "proj")
	t.Setenv("PUBSUB_TOPIC_NAME", "turns")
	t.Setenv("PUBSUB_NAME_PREFIX", "stage")
	t.Setenv("TWILIO_ACCOUNT_SID", "AC1")
	t.Setenv("TWILIO_AUTH_TOKEN", "token")

	cfg := LoadFromEnv()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "agent.example.com", cfg.PublicHost)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryDelay)
	assert.Equal(t, 4*time.Second, cfg.SynthesisTimeout)
	assert.Equal(t, 0.5, cfg.ObserverRateLimit)
	assert.Equal(t, "stage", cfg.PubSubNamePrefix)
	assert.True(t, cfg.RedisEnabled())
	assert.True(t, cfg.PubSubEnabled())
	assert.True(t, cfg.TwilioEnabled())
}

func TestLoadFromEnv_MalformedValuesKeepDefaults(t *testing.T) {
	t.Setenv("TURN_MAX_RETRIES", "three")
	t.Setenv("TURN_RETRY_DELAY", "soon")

	cfg := LoadFromEnv()
	assert.Equal(t, MaxRetries, cfg.MaxRetries)
	assert.Equal(t, RetryDelay, cfg.RetryDelay)
}
