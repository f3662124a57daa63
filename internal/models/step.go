package models

import (
	"strings"
	"time"
)

type StepType string

const (
	UserMessage      StepType = "user_message"
	AssistantMessage StepType = "assistant_message"
	SystemMessage    StepType = "system_message"
	RunStep          StepType = "run"
	SystemStep       StepType = "system"
	ToolStep         StepType = "tool"
	LLMStep          StepType = "llm"
	EmbeddingStep    StepType = "embedding"
	RetrievalStep    StepType = "retrieval"
	RerankStep       StepType = "rerank"
	UndefinedStep    StepType = "undefined"
)

// IsHousekeeping reports whether steps of this type never carry conversation content.
func (t StepType) IsHousekeeping() bool {
	return t == RunStep || t == SystemStep
}

// Step is one message or housekeeping event inside a thread
type Step struct {
	ID       string   `json:"id" yaml:"id"`
	ThreadID string   `json:"thread_id" yaml:"thread_id"`
	ParentID *string  `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	Type     StepType `json:"type" yaml:"type"`
	Name     string   `json:"name" yaml:"name"`
	Input    string   `json:"input,omitempty" yaml:"input,omitempty"`
	Output   string   `json:"output,omitempty" yaml:"output,omitempty"`

	CreatedAt time.Time  `json:"created_at" yaml:"created_at"`
	Start     *time.Time `json:"start,omitempty" yaml:"start,omitempty"`
	End       *time.Time `json:"end,omitempty" yaml:"end,omitempty"`

	Streaming       bool  `json:"streaming" yaml:"streaming"`
	IsError         *bool `json:"is_error,omitempty" yaml:"is_error,omitempty"`
	WaitForAnswer   *bool `json:"wait_for_answer,omitempty" yaml:"wait_for_answer,omitempty"`
	DefaultOpen     bool  `json:"default_open" yaml:"default_open"`
	DisableFeedback bool  `json:"disable_feedback" yaml:"disable_feedback"`

	// Rendering hints
	Language  *string `json:"language,omitempty" yaml:"language,omitempty"`
	Indent    *int    `json:"indent,omitempty" yaml:"indent,omitempty"`
	Command   *string `json:"command,omitempty" yaml:"command,omitempty"`
	ShowInput *string `json:"show_input,omitempty" yaml:"show_input,omitempty"`

	Generation map[string]any `json:"generation,omitempty" yaml:"generation,omitempty"`
	Metadata   map[string]any `json:"metadata" yaml:"metadata"`
	Tags       []string       `json:"tags" yaml:"tags"`
}

// Content returns the output, falling back to the display name when the output is empty.
func (s *Step) Content() string {
	if s.Output != "" {
		return s.Output
	}
	return s.Name
}

// HasContent reports whether Content is non-blank.
func (s *Step) HasContent() bool {
	return strings.TrimSpace(s.Content()) != ""
}
