package models

import "time"

// Thread represents one persisted conversation
type Thread struct {
	ID              string         `json:"id" yaml:"id"`
	CreatedAt       time.Time      `json:"created_at" yaml:"created_at"`
	Name            *string        `json:"name,omitempty" yaml:"name,omitempty"`
	OwnerID         *string        `json:"owner_id,omitempty" yaml:"owner_id,omitempty"`
	OwnerIdentifier *string        `json:"owner_identifier,omitempty" yaml:"owner_identifier,omitempty"`
	Tags            []string       `json:"tags" yaml:"tags"`
	Metadata        map[string]any `json:"metadata" yaml:"metadata"`

	// Populated by full reads only.
	Steps       []Step       `json:"steps,omitempty" yaml:"steps,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty" yaml:"attachments,omitempty"`
}

// HasName reports whether the thread already carries a title.
func (t *Thread) HasName() bool {
	return t.Name != nil && *t.Name != ""
}

// Owner returns the human-readable owner identifier or "".
func (t *Thread) Owner() string {
	if t.OwnerIdentifier == nil {
		return ""
	}
	return *t.OwnerIdentifier
}

// Role is the speaker of a reconstructed message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of reconstructed conversation context
type Message struct {
	Role    Role   `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

// Ptr returns a pointer to v. Handy for optional record fields.
func Ptr[T any](v T) *T {
	return &v
}
