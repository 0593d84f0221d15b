package handler

import (
	"context"
	"net/http"

	"github.com/ClareAI/astra-phone-agent/internal/adapters/elevenlabs"
	"github.com/ClareAI/astra-phone-agent/internal/adapters/openai"
	"github.com/ClareAI/astra-phone-agent/internal/config"
	"github.com/ClareAI/astra-phone-agent/internal/core/event"
	"github.com/ClareAI/astra-phone-agent/internal/core/metrics"
	"github.com/ClareAI/astra-phone-agent/internal/core/session"
	"github.com/ClareAI/astra-phone-agent/internal/relay"
	"github.com/ClareAI/astra-phone-agent/internal/services/call"
	"github.com/ClareAI/astra-phone-agent/internal/store"
	"github.com/ClareAI/astra-phone-agent/pkg/logger"
	"github.com/ClareAI/astra-phone-agent/pkg/pubsub"
	"github.com/ClareAI/astra-phone-agent/pkg/redis"
	"github.com/ClareAI/astra-phone-agent/pkg/twilio"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// HandlerManager owns the service graph and registers every route
type HandlerManager struct {
	config    *config.PhoneAgentConfig
	service   *call.Service
	registry  *relay.Registry
	relay     *relay.Relay
	bus       event.EventBus
	redisSvc  *redis.RedisService
	presence  *session.Manager
	pubsubSvc *pubsub.PubSubService
}

// NewHandlerManager builds the call service and its collaborators from cfg.
// Redis and Pub/Sub are optional; failing to reach them only disables them.
func NewHandlerManager(cfg *config.PhoneAgentConfig) (*HandlerManager, error) {
	bus := event.NewEventBus()
	for _, mw := range event.CreateDefaultMiddlewareChain() {
		bus.Use(mw)
	}

	hm := &HandlerManager{
		config:   cfg,
		registry: relay.NewRegistry(),
		bus:      bus,
	}
	hm.relay = relay.NewRelay(hm.registry, cfg.TransportPingInterval)

	if cfg.RedisEnabled() {
		redisSvc, err := redis.NewRedisService(&redis.RedisConfig{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			logger.Base().Warn("failed to initialize redis service, running without presence monitor", zap.Error(err))
		} else {
			hm.redisSvc = redisSvc
			manager := session.NewManager(redisSvc, cfg.InstanceID)
			if err := manager.Attach(bus); err != nil {
				logger.Base().Warn("failed to attach presence monitor", zap.Error(err))
			} else {
				hm.presence = manager
				logger.Base().Info("presence monitor attached", zap.String("instance_id", cfg.InstanceID))
			}
		}
	}

	if cfg.PubSubEnabled() {
		pubsubSvc, err := pubsub.NewPubSubService(context.Background(), &pubsub.PubSubConfig{
			ProjectID:  cfg.PubSubProjectID,
			TopicName:  cfg.PubSubTopicName,
			NamePrefix: cfg.PubSubNamePrefix,
		}, cfg.InstanceID)
		if err != nil {
			logger.Base().Warn("failed to initialize pubsub service, running without turn metrics", zap.Error(err))
		} else {
			hm.pubsubSvc = pubsubSvc
			if err := metrics.AttachTurnMetrics(bus, pubsubSvc); err != nil {
				logger.Base().Warn("failed to attach turn metrics publisher", zap.Error(err))
			}
		}
	}

	opts := []call.Option{
		call.WithCallDirectory(twilio.NewCallDirectory(cfg.TwilioAccountSID, cfg.TwilioAuthToken)),
		call.WithEventPublisher(bus),
	}
	if cfg.ElevenLabsAPIKey != "" && cfg.ElevenLabsVoiceID != "" {
		synth := elevenlabs.NewSynthesizer(cfg)
		opts = append(opts, call.WithSynthesizer(synth))
		logger.Base().Info("speech synthesis enabled",
			zap.String("provider", synth.Name()),
			zap.String("voice_id", cfg.ElevenLabsVoiceID))
	} else {
		logger.Base().Warn("elevenlabs not configured, replies use the built-in voice")
	}

	hm.service = call.NewService(cfg, store.NewTranscriptStore(), hm.registry, openai.NewCompleter(cfg), opts...)
	hm.registry.AddListener(hm.service)

	return hm, nil
}

// SetupAllRoutes sets up all routes with middleware
func (hm *HandlerManager) SetupAllRoutes(router *mux.Router) {
	router.Use(CORSMiddleware)
	router.Use(GlobalLoggingMiddleware)

	hm.SetupTwilioRoutes(router)
	hm.SetupRelayRoutes(router)
	hm.SetupObserverRoutes(router)

	logger.Base().Info("all application routes registered")
}

// SetupTwilioRoutes registers the provider voice webhooks
func (hm *HandlerManager) SetupTwilioRoutes(router *mux.Router) {
	NewTwilioWebhookHandler(hm.service).SetupTwilioRoutes(router)
}

// SetupRelayRoutes registers the media stream WebSocket endpoint
func (hm *HandlerManager) SetupRelayRoutes(router *mux.Router) {
	router.Handle(config.PathStreamWS, hm.relay).Methods("GET")
	logger.Base().Info("media stream relay registered", zap.String("path", config.PathStreamWS))
}

// SetupObserverRoutes registers the read-only API behind the key and rate limit middleware
func (hm *HandlerManager) SetupObserverRoutes(router *mux.Router) {
	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.Use(RateLimitMiddleware(hm.config.ObserverRateLimit))
	apiRouter.Use(APIKeyMiddleware(hm.config.SecretKey))

	observer := NewObserverHandler(hm.service, hm.registry)
	if hm.presence != nil {
		observer.WithPresence(hm.presence)
	}
	observer.SetupObserverRoutes(router, apiRouter)

	logger.Base().Info("observer routes registered", zap.Bool("api_key_required", hm.config.SecretKey != ""))
}

// Handler returns a router with every route registered
func (hm *HandlerManager) Handler() http.Handler {
	router := mux.NewRouter()
	hm.SetupAllRoutes(router)
	return router
}

// Shutdown closes every transport and the optional backends
func (hm *HandlerManager) Shutdown() {
	closed := hm.registry.CloseAll(relay.ReasonShutdown)
	logger.Base().Info("transports closed", zap.Int("count", closed))

	if err := hm.bus.Close(); err != nil {
		logger.Base().Warn("failed to close event bus", zap.Error(err))
	}
	if hm.pubsubSvc != nil {
		if err := hm.pubsubSvc.Close(); err != nil {
			logger.Base().Warn("failed to close pubsub service", zap.Error(err))
		}
	}
	if hm.redisSvc != nil {
		if err := hm.redisSvc.Close(); err != nil {
			logger.Base().Warn("failed to close redis service", zap.Error(err))
		}
	}
}
