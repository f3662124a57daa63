package models

import "time"

// Attachment is a file or rich element attached to a thread or step
type Attachment struct {
	ID        string         `json:"id" yaml:"id"`
	ThreadID  string         `json:"thread_id" yaml:"thread_id"`
	StepID    *string        `json:"step_id,omitempty" yaml:"step_id,omitempty"`
	Name      string         `json:"name" yaml:"name"`
	Type      string         `json:"type" yaml:"type"`
	URL       string         `json:"url,omitempty" yaml:"url,omitempty"`
	ObjectKey string         `json:"object_key,omitempty" yaml:"object_key,omitempty"`
	Size      string         `json:"size,omitempty" yaml:"size,omitempty"`
	Page      *int           `json:"page,omitempty" yaml:"page,omitempty"`
	Language  string         `json:"language,omitempty" yaml:"language,omitempty"`
	Mime      string         `json:"mime,omitempty" yaml:"mime,omitempty"`
	Display   string         `json:"display,omitempty" yaml:"display,omitempty"`
	Props     map[string]any `json:"props,omitempty" yaml:"props,omitempty"`
}

// Feedback is a user rating of a step
type Feedback struct {
	ID       string  `json:"id"`
	ForID    string  `json:"for_id"`
	ThreadID string  `json:"thread_id"`
	Value    int     `json:"value"`
	Comment  *string `json:"comment,omitempty"`
}

// User is a persisted account that owns threads
type User struct {
	ID          string         `json:"id"`
	Identifier  string         `json:"identifier"`
	DisplayName string         `json:"display_name,omitempty"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
}
