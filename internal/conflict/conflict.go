// Package conflict resolves thread id collisions with a bounded retry.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/gypyanpeng/agent-history/internal/models"
	"github.com/gypyanpeng/agent-history/internal/storage"
	"go.uber.org/zap"
)

// DefaultAttempts bounds Retry when callers pass a non-positive value.
const DefaultAttempts = 3

// ExhaustedError is returned once every candidate id collided.
type ExhaustedError struct {
	Base  string
	Tried []string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("id %q still conflicts after %d attempts (tried %s)",
		e.Base, len(e.Tried), strings.Join(e.Tried, ", "))
}

func (e *ExhaustedError) Unwrap() error { return storage.ErrConflict }

// RandomSuffix returns 4 hex characters taken from a random UUID.
func RandomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:4]
}

// Retry calls try with base, then with base_<suffix> for every conflict,
// at most attempts times. It returns the id that succeeded. Errors other
// than a conflict end the loop and are returned as is.
func Retry(ctx context.Context, base string, attempts int, suffix func() string, try func(ctx context.Context, id string) error) (string, error) {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	if suffix == nil {
		suffix = RandomSuffix
	}

	tried := make([]string, 0, attempts)
	id := base
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if i > 0 {
			id = base + "_" + suffix()
		}
		tried = append(tried, id)

		err := try(ctx, id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return "", err
		}
	}
	return "", &ExhaustedError{Base: base, Tried: tried}
}

// Creator creates threads, renaming them on id collisions.
type Creator struct {
	store    storage.ThreadStore
	attempts int
	suffix   func() string
	logger   *zap.Logger
}

func NewCreator(store storage.ThreadStore, attempts int, logger *zap.Logger) *Creator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Creator{
		store:    store,
		attempts: attempts,
		suffix:   RandomSuffix,
		logger:   logger,
	}
}

// Create persists thread and writes the id that was finally used back into it.
func (c *Creator) Create(ctx context.Context, thread *models.Thread) error {
	base := thread.ID
	id, err := Retry(ctx, base, c.attempts, c.suffix, func(ctx context.Context, id string) error {
		candidate := *thread
		candidate.ID = id
		err := c.store.CreateThread(ctx, &candidate)
		if err == nil {
			*thread = candidate
			return nil
		}
		if errors.Is(err, storage.ErrConflict) {
			c.logger.Warn("Thread id already taken, retrying",
				zap.String("base_id", base),
				zap.String("thread_id", id))
		}
		return err
	})
	if err != nil {
		c.logger.Error("Failed to create thread", zap.String("thread_id", base), zap.Error(err))
		return err
	}

	if id != base {
		c.logger.Info("Thread created under a new id", zap.String("base_id", base), zap.String("thread_id", id))
	}
	return nil
}
