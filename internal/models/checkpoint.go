package models

import "time"

// Checkpoint is an opaque snapshot of orchestration engine state for one thread.
// Checkpoints of a thread form a singly linked chain through ParentID.
type Checkpoint struct {
	ThreadID  string         `json:"thread_id"`
	Namespace string         `json:"namespace"`
	ID        string         `json:"id"`
	ParentID  *string        `json:"parent_id,omitempty"`
	Payload   []byte         `json:"payload"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
}

// PendingWrite is a sub-turn delta recorded against a checkpoint.
type PendingWrite struct {
	ThreadID     string `json:"thread_id"`
	Namespace    string `json:"namespace"`
	CheckpointID string `json:"checkpoint_id"`
	TaskID       string `json:"task_id"`
	Index        int    `json:"idx"`
	Channel      string `json:"channel"`
	Type         string `json:"type"`
	Value        []byte `json:"value"`
}
