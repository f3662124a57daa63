// Package engine is the boundary to the orchestration engine that produces replies.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gypyanpeng/agent-history/internal/models"
	"go.uber.org/zap"
)

// Engine answers the last user message given the reconstructed history and
// the state saved in the latest checkpoint.
type Engine interface {
	Invoke(ctx context.Context, history []models.Message, state []byte) (Reply, error)
}

// Reply is the engine output. State is persisted as the next checkpoint payload.
type Reply struct {
	Content string
	State   []byte
}

// State is the engine-owned checkpoint payload.
type State struct {
	Turns int    `json:"turns"`
	Model string `json:"model,omitempty"`
}

// DecodeState reads a checkpoint payload. Empty or unreadable payloads start a fresh state.
func DecodeState(raw []byte) (State, error) {
	var st State
	if len(raw) == 0 {
		return st, nil
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, fmt.Errorf("error decoding engine state: %w", err)
	}
	return st, nil
}

func (s State) Encode() []byte {
	b, _ := json.Marshal(s)
	return b
}

type Config struct {
	Provider     string
	BaseURL      string
	APIKey       string
	Model        string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// New builds the configured engine. The OpenAI engine falls back to echoing when the API fails.
func New(cfg Config, logger *zap.Logger) Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch strings.ToLower(cfg.Provider) {
	case "openai", "ollama":
		logger.Info("Using OpenAI-compatible engine", zap.String("model", cfg.Model), zap.String("base_url", cfg.BaseURL))
		return NewOpenAIEngine(cfg, NewEchoEngine(), logger)
	default:
		return NewEchoEngine()
	}
}

// lastUser returns the most recent user message content.
func lastUser(history []models.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == models.RoleUser {
			return history[i].Content
		}
	}
	return ""
}
