// Package openai generates assistant replies with the OpenAI chat completion API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ClareAI/astra-phone-agent/internal/config"
	"github.com/ClareAI/astra-phone-agent/internal/prompts"
	"github.com/ClareAI/astra-phone-agent/pkg/logger"
	goopenai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

var (
	ErrEmptyCompletion = errors.New("completion returned no text")
)

// Completer turns one caller utterance into one assistant reply
type Completer struct {
	client    *goopenai.Client
	model     string
	maxTokens int
	persona   string
}

// NewCompleter builds a completer from the service config
func NewCompleter(cfg *config.PhoneAgentConfig) *Completer {
	clientCfg := goopenai.DefaultConfig(cfg.OpenAIAPIKey)
	if cfg.OpenAIBaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.OpenAIBaseURL, "/")
	}

	model := cfg.OpenAIModel
	if model == "" {
		model = config.DefaultCompletionModel
	}
	maxTokens := cfg.OpenAIMaxTokens
	if maxTokens <= 0 {
		maxTokens = config.DefaultCompletionMaxTokens
	}

	return &Completer{
		client:    goopenai.NewClientWithConfig(clientCfg),
		model:     model,
		maxTokens: maxTokens,
		persona:   prompts.AssistantPersona,
	}
}

// Complete sends {persona, utterance} as a single-turn prompt.
// Errors are returned as-is to the caller; nothing is retried here.
func (c *Completer) Complete(ctx context.Context, utterance string) (string, error) {
	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model: c.model,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: c.persona},
			{Role: goopenai.ChatMessageRoleUser, Content: utterance},
		},
		MaxTokens: c.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}

	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	if reply == "" {
		return "", ErrEmptyCompletion
	}

	logger.Base().Debug("openai completion finished",
		zap.String("model", c.model),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		zap.Duration("latency", time.Since(start)),
	)
	return reply, nil
}
