// Package checkpoint persists the orchestration engine's per-thread state chain.
package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gypyanpeng/agent-history/internal/models"
	"github.com/gypyanpeng/agent-history/internal/storage"
	"go.uber.org/zap"
)

// RootNamespace is the namespace whose chain is resumed, listed and pruned.
const RootNamespace = ""

// Store keeps checkpoint chains and their pending writes.
type Store interface {
	// Append stores a new checkpoint. A duplicate id fails with storage.ErrConflict.
	Append(ctx context.Context, cp *models.Checkpoint) error
	// LoadLatest returns the newest checkpoint without a child. ok is false for unknown threads.
	LoadLatest(ctx context.Context, threadID string) (cp *models.Checkpoint, ok bool, err error)
	Get(ctx context.Context, threadID, checkpointID string) (*models.Checkpoint, error)
	// List walks the chain from the latest checkpoint back to its root.
	List(ctx context.Context, threadID string) ([]models.Checkpoint, error)
	// PutWrites appends to the write log. A batch repeating a stored
	// (task, index) pair fails with storage.ErrConflict and stores nothing.
	PutWrites(ctx context.Context, writes []models.PendingWrite) error
	GetWrites(ctx context.Context, threadID, checkpointID string) ([]models.PendingWrite, error)
	// Prune keeps the newest keep links of the chain and returns how many checkpoints were removed.
	Prune(ctx context.Context, threadID string, keep int) (int, error)
	DeleteThread(ctx context.Context, threadID string) error
	// Clear drops every checkpoint and pending write.
	Clear(ctx context.Context) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Stats counts stored rows.
type Stats struct {
	Checkpoints int
	Writes      int
}

// Config selects the checkpoint backend.
type Config struct {
	Enabled  bool
	Backend  string // sqlite, postgres or memory
	Path     string
	Postgres storage.DatabaseConfig
}

// Open returns the configured store. When the SQL backend cannot be opened
// the error is logged and an in-memory store is returned instead.
func Open(cfg Config, logger *zap.Logger) Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled || cfg.Backend == "memory" {
		logger.Info("Checkpoints kept in memory", zap.Bool("enabled", cfg.Enabled))
		return NewMemoryStore()
	}

	var (
		store Store
		err   error
	)
	switch cfg.Backend {
	case "postgres":
		store, err = NewPostgresStore(cfg.Postgres, logger)
	default:
		store, err = NewSQLiteStore(cfg.Path, logger)
	}
	if err != nil {
		logger.Warn("Checkpoint store unavailable, falling back to memory",
			zap.String("backend", cfg.Backend),
			zap.Error(err))
		return NewMemoryStore()
	}
	return store
}

// New builds the next checkpoint of a chain. The id is a time-ordered UUID.
func New(threadID string, parent *models.Checkpoint, payload []byte) *models.Checkpoint {
	cp := &models.Checkpoint{
		ThreadID:  threadID,
		Namespace: RootNamespace,
		ID:        newID(),
		Payload:   payload,
		Metadata:  map[string]any{},
		CreatedAt: time.Now().UTC(),
	}
	if parent != nil {
		cp.ParentID = models.Ptr(parent.ID)
		cp.Namespace = parent.Namespace
	}
	return cp
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func writeID(w models.PendingWrite) string {
	return fmt.Sprintf("%s/%s/%s#%d", w.ThreadID, w.CheckpointID, w.TaskID, w.Index)
}

func normalize(cp *models.Checkpoint) {
	if cp.ID == "" {
		cp.ID = newID()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if cp.Metadata == nil {
		cp.Metadata = map[string]any{}
	}
	if cp.Payload == nil {
		cp.Payload = []byte{}
	}
}

// walk orders a thread's checkpoints from the latest back to the root,
// stopping at missing parents and cycles.
func walk(latest *models.Checkpoint, byID map[string]*models.Checkpoint) []models.Checkpoint {
	var chain []models.Checkpoint
	seen := make(map[string]bool)
	for cp := latest; cp != nil && !seen[cp.ID]; {
		seen[cp.ID] = true
		chain = append(chain, *cp)
		if cp.ParentID == nil {
			break
		}
		cp = byID[*cp.ParentID]
	}
	return chain
}
