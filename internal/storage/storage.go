package storage

import (
	"context"

	"github.com/gypyanpeng/agent-history/internal/models"
)

// OrphanThreadName is the title given to threads synthesized from steps whose thread row is missing.
const OrphanThreadName = "Recovered conversation"

// DefaultPageSize is used when a Pagination carries no positive size.
const DefaultPageSize = 20

type Storage interface {
	ThreadStore
	StepStore
	AttachmentStore
	FeedbackStore
	UserStore
	Maintenance
	Close() error
}

type ThreadStore interface {
	CreateThread(ctx context.Context, thread *models.Thread) error
	GetThread(ctx context.Context, id string) (*models.Thread, error)
	UpdateThread(ctx context.Context, id string, update ThreadUpdate) (*models.Thread, error)
	ListThreads(ctx context.Context, page Pagination, filter ThreadFilter) (*Page, error)
	DeleteThread(ctx context.Context, id string) error
	GetThreadOwnerIdentifier(ctx context.Context, threadID string) string
}

type StepStore interface {
	CreateStep(ctx context.Context, step *models.Step) error
	UpdateStep(ctx context.Context, step *models.Step) error
	GetStep(ctx context.Context, id string) (*models.Step, error)
	GetSteps(ctx context.Context, threadID string) ([]models.Step, error)
	DeleteStep(ctx context.Context, id string) error
}

type AttachmentStore interface {
	CreateAttachment(ctx context.Context, attachment *models.Attachment) error
	GetAttachment(ctx context.Context, id string) (*models.Attachment, error)
	DeleteAttachment(ctx context.Context, id string) error
}

type FeedbackStore interface {
	UpsertFeedback(ctx context.Context, feedback *models.Feedback) (string, error)
	DeleteFeedback(ctx context.Context, id string) error
}

type UserStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, identifier string) (*models.User, error)
}

// Maintenance covers housekeeping that is never run on the conversational path.
type Maintenance interface {
	Stats(ctx context.Context) (Stats, error)
	DedupeSteps(ctx context.Context, threadID string, markers []string) (int, error)
	ClearHistory(ctx context.Context) error
}

// ThreadUpdate carries the fields to change; nil fields are left untouched.
type ThreadUpdate struct {
	Name            *string
	OwnerID         *string
	OwnerIdentifier *string
	Tags            []string
	Metadata        map[string]any
}

func (u ThreadUpdate) empty() bool {
	return u.Name == nil && u.OwnerID == nil && u.OwnerIdentifier == nil && u.Tags == nil && u.Metadata == nil
}

// Pagination selects a page of threads. Cursor is an opaque position returned in PageInfo.
type Pagination struct {
	First  int
	Cursor string
}

type ThreadFilter struct {
	OwnerID string
	Search  string
}

type PageInfo struct {
	HasNextPage     bool   `json:"has_next_page"`
	HasPreviousPage bool   `json:"has_previous_page"`
	StartCursor     string `json:"start_cursor"`
	EndCursor       string `json:"end_cursor"`
}

type Page struct {
	Data     []models.Thread `json:"data"`
	PageInfo PageInfo        `json:"page_info"`
	Total    int             `json:"total"`
}

// Stats holds row counts per table.
type Stats struct {
	Users       int `json:"users"`
	Threads     int `json:"threads"`
	Steps       int `json:"steps"`
	Attachments int `json:"attachments"`
	Feedback    int `json:"feedback"`
	Orphaned    int `json:"orphaned_threads"`
}

var (
	_ Storage = (*SQLStorage)(nil)
	_ Storage = (*MemoryStorage)(nil)
)
