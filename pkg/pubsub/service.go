package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/ClareAI/astra-phone-agent/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type PubSubConfig struct {
	ProjectID string
	TopicName string
	// NamePrefix is prepended to the "name" attribute so subscriptions can
	// filter by environment (e.g. "beta", "stage"). Empty means no prefix.
	NamePrefix string
}

// TurnMetricsEvent is the JSON payload published for every turn outcome
type TurnMetricsEvent struct {
	ID            string    `json:"id"`
	CallSid       string    `json:"call_sid"`
	InstanceID    string    `json:"instance_id"`
	Outcome       string    `json:"outcome"`
	TurnID        string    `json:"turn_id,omitempty"`
	RetryCount    int       `json:"retry_count"`
	Delivery      string    `json:"delivery,omitempty"`
	FallbackCause string    `json:"fallback_cause,omitempty"`
	AudioBytes    int       `json:"audio_bytes,omitempty"`
	LatencyMs     int64     `json:"latency_ms,omitempty"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// messagePublisher is the part of a topic the service needs
type messagePublisher interface {
	Publish(ctx context.Context, msg *pubsub.Message) error
}

type topicPublisher struct {
	topic *pubsub.Topic
}

func (t *topicPublisher) Publish(ctx context.Context, msg *pubsub.Message) error {
	_, err := t.topic.Publish(ctx, msg).Get(ctx)
	return err
}

type PubSubService struct {
	client     *pubsub.Client
	topic      *pubsub.Topic
	publisher  messagePublisher
	config     *PubSubConfig
	instanceID string
}

func NewPubSubService(ctx context.Context, cfg *PubSubConfig, instanceID string) (*PubSubService, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("PubSub project ID is required")
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create PubSub client: %w", err)
	}

	topic := client.Topic(cfg.TopicName)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check if topic exists: %w", err)
	}

	if !exists {
		logger.Base().Info("Topic does not exist, creating", zap.String("topicname", cfg.TopicName))
		topic, err = client.CreateTopic(ctx, cfg.TopicName)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to create topic %s: %w", cfg.TopicName, err)
		}
		logger.Base().Info("Topic created successfully", zap.String("topicname", cfg.TopicName))
	}

	return &PubSubService{
		client:     client,
		topic:      topic,
		publisher:  &topicPublisher{topic: topic},
		config:     cfg,
		instanceID: instanceID,
	}, nil
}

// PublishTurnMetrics publishes one turn outcome
func (p *PubSubService) PublishTurnMetrics(ctx context.Context, metrics TurnMetricsEvent) error {
	if metrics.ID == "" {
		metrics.ID = uuid.NewString()
	}
	if metrics.InstanceID == "" {
		metrics.InstanceID = p.instanceID
	}
	if metrics.CreatedAt.IsZero() {
		metrics.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal turn metrics event: %w", err)
	}

	namePrefix := strings.TrimSuffix(p.config.NamePrefix, ":")
	if namePrefix != "" {
		namePrefix += ":"
	}

	message := &pubsub.Message{
		Attributes: map[string]string{
			"name":    fmt.Sprintf("%sturn:metrics:%s", namePrefix, metrics.ID),
			"outcome": metrics.Outcome,
		},
		Data: data,
	}

	if err := p.publisher.Publish(ctx, message); err != nil {
		logger.ForCall(metrics.CallSid).Error("Failed to publish turn metrics", zap.String("outcome", metrics.Outcome), zap.Error(err))
		return fmt.Errorf("failed to publish turn metrics message: %w", err)
	}

	logger.ForCall(metrics.CallSid).Debug("Published turn metrics", zap.String("id", metrics.ID), zap.String("outcome", metrics.Outcome))
	return nil
}

func (p *PubSubService) Close() error {
	if p.topic != nil {
		p.topic.Stop()
	}
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}
