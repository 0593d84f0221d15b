package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// PhoneAgentConfig holds the runtime configuration of the phone assistant service
type PhoneAgentConfig struct {
	// Server configuration
	Port       string
	PublicHost string // Overrides the request host when building wss:// and callback URLs
	InstanceID string

	// OpenAI configuration
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	OpenAIModel     string
	OpenAIMaxTokens int

	// ElevenLabs configuration
	ElevenLabsAPIKey  string
	ElevenLabsVoiceID string
	ElevenLabsModelID string
	ElevenLabsBaseURL string

	// Twilio configuration (REST call listing for the observer API)
	TwilioAccountSID string
	TwilioAuthToken  string

	// Redis configuration (optional transport presence monitor)
	RedisHost     string
	RedisPort     string
	RedisPassword string

	// Pub/Sub configuration (optional turn metrics)
	PubSubProjectID  string
	PubSubTopicName  string
	PubSubNamePrefix string

	// Observer API
	SecretKey         string
	ObserverRateLimit float64

	// Turn policy
	MaxRetries            int
	RetryDelay            time.Duration
	SynthesisTimeout      time.Duration
	TransportPingInterval time.Duration
	MaxCaptureLength      time.Duration
}

// LoadFromEnv builds the configuration from environment variables.
// .env files are loaded by main before this is called.
func LoadFromEnv() *PhoneAgentConfig {
	cfg := &PhoneAgentConfig{
		Port:       getEnv("PORT", "3000"),
		PublicHost: getEnv("PUBLIC_HOST", ""),
		InstanceID: getEnv("INSTANCE_ID", dynamicInstanceID()),

		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:   getEnv("OPENAI_BASE_URL", ""),
		OpenAIModel:     getEnv("OPENAI_MODEL", DefaultCompletionModel),
		OpenAIMaxTokens: getEnvAsInt("OPENAI_MAX_TOKENS", DefaultCompletionMaxTokens),

		ElevenLabsAPIKey:  getEnv("ELEVENLABS_API_KEY", ""),
		ElevenLabsVoiceID: getEnv("ELEVENLABS_VOICE_ID", ""),
		ElevenLabsModelID: getEnv("ELEVENLABS_MODEL_ID", DefaultSynthesisModel),
		ElevenLabsBaseURL: getEnv("ELEVENLABS_BASE_URL", DefaultElevenLabsBaseURL),

		TwilioAccountSID: getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:  getEnv("TWILIO_AUTH_TOKEN", ""),

		RedisHost:     getEnv("REDIS_HOST", ""),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		PubSubProjectID:  getEnv("PUBSUB_PROJECT_ID", ""),
		PubSubTopicName:  getEnv("PUBSUB_TOPIC_NAME", ""),
		PubSubNamePrefix: getEnv("PUBSUB_NAME_PREFIX", ""),

		SecretKey:         getEnv("SECRET_KEY", ""),
		ObserverRateLimit: getEnvAsFloat("OBSERVER_RATE_LIMIT", 5),

		MaxRetries:            getEnvAsInt("TURN_MAX_RETRIES", MaxRetries),
		RetryDelay:            getEnvAsDuration("TURN_RETRY_DELAY", RetryDelay),
		SynthesisTimeout:      getEnvAsDuration("SYNTHESIS_TIMEOUT", SynthesisTimeout),
		TransportPingInterval: getEnvAsDuration("TRANSPORT_PING_INTERVAL", TransportPingInterval),
		MaxCaptureLength:      getEnvAsDuration("MAX_CAPTURE_LENGTH", MaxCaptureLength),
	}

	return cfg
}

// Default returns a configuration with every policy value at its default
func Default() *PhoneAgentConfig {
	return &PhoneAgentConfig{
		Port:                  "3000",
		OpenAIModel:           DefaultCompletionModel,
		OpenAIMaxTokens:       DefaultCompletionMaxTokens,
		ElevenLabsModelID:     DefaultSynthesisModel,
		ElevenLabsBaseURL:     DefaultElevenLabsBaseURL,
		ObserverRateLimit:     5,
		MaxRetries:            MaxRetries,
		RetryDelay:            RetryDelay,
		SynthesisTimeout:      SynthesisTimeout,
		TransportPingInterval: TransportPingInterval,
		MaxCaptureLength:      MaxCaptureLength,
	}
}

// RedisEnabled reports whether the presence monitor should be started
func (c *PhoneAgentConfig) RedisEnabled() bool {
	return c.RedisHost != ""
}

// PubSubEnabled reports whether turn metrics should be published
func (c *PhoneAgentConfig) PubSubEnabled() bool {
	return c.PubSubProjectID != "" && c.PubSubTopicName != ""
}

// TwilioEnabled reports whether provider call metadata can be fetched
func (c *PhoneAgentConfig) TwilioEnabled() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != ""
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvAsDuration accepts Go duration strings ("2s") or plain seconds ("2")
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// dynamicInstanceID uses the hostname (pod name in Kubernetes) and falls back to a timestamp
func dynamicInstanceID() string {
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return fmt.Sprintf("phone-agent-%d", time.Now().UnixNano())
}
