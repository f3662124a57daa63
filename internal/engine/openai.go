package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/gypyanpeng/agent-history/internal/models"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

type OpenAIEngine struct {
	client       *openai.Client
	model        string
	maxTokens    int
	temperature  float64
	systemPrompt string
	fallback     Engine
	logger       *zap.Logger
}

// NewOpenAIEngine talks to any OpenAI-compatible chat endpoint. A nil
// fallback makes API failures surface as errors.
func NewOpenAIEngine(cfg Config, fallback Engine, logger *zap.Logger) *OpenAIEngine {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &OpenAIEngine{
		client:       openai.NewClientWithConfig(clientConfig),
		model:        cfg.Model,
		maxTokens:    cfg.MaxTokens,
		temperature:  cfg.Temperature,
		systemPrompt: cfg.SystemPrompt,
		fallback:     fallback,
		logger:       logger,
	}
}

// ToChatMessages converts reconstructed history into chat completion messages.
func ToChatMessages(systemPrompt string, history []models.Message) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	for _, m := range history {
		role := openai.ChatMessageRoleUser
		if m.Role == models.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return messages
}

func (e *OpenAIEngine) Invoke(ctx context.Context, history []models.Message, state []byte) (Reply, error) {
	st, err := DecodeState(state)
	if err != nil {
		e.logger.Warn("Discarding unreadable engine state", zap.Error(err))
		st = State{}
	}

	resp, err := e.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model:       e.model,
			Messages:    ToChatMessages(e.systemPrompt, history),
			MaxTokens:   e.maxTokens,
			Temperature: float32(e.temperature),
		},
	)
	if err == nil && len(resp.Choices) == 0 {
		err = errors.New("empty completion")
	}
	if err != nil {
		e.logger.Error("Failed to get completion", zap.String("model", e.model), zap.Error(err))
		if e.fallback == nil {
			return Reply{}, err
		}
		return e.fallback.Invoke(ctx, history, state)
	}

	st.Turns++
	st.Model = e.model
	return Reply{
		Content: strings.TrimSpace(resp.Choices[0].Message.Content),
		State:   st.Encode(),
	}, nil
}
