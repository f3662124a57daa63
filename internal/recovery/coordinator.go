package recovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/gypyanpeng/agent-history/internal/checkpoint"
	"github.com/gypyanpeng/agent-history/internal/models"
	"github.com/gypyanpeng/agent-history/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Resumed is everything needed to continue a conversation.
// Thread or Checkpoint is nil when that source had nothing for the id.
type Resumed struct {
	Thread       *models.Thread
	Messages     []models.Message
	Unclassified []models.Step
	Checkpoint   *models.Checkpoint
}

type Coordinator struct {
	threads     storage.ThreadStore
	checkpoints checkpoint.Store
	opts        Options
	logger      *zap.Logger
}

func NewCoordinator(threads storage.ThreadStore, checkpoints checkpoint.Store, opts Options, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		threads:     threads,
		checkpoints: checkpoints,
		opts:        opts.withDefaults(),
		logger:      logger,
	}
}

// Options returns the reconstruction options in effect.
func (c *Coordinator) Options() Options {
	return c.opts
}

// Resume loads the thread and its latest checkpoint concurrently and rebuilds
// the message history. It fails with storage.ErrNotFound only when neither
// source knows the thread.
func (c *Coordinator) Resume(ctx context.Context, threadID string) (*Resumed, error) {
	var (
		thread *models.Thread
		latest *models.Checkpoint
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t, err := c.threads.GetThread(gctx, threadID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("error loading thread: %w", err)
		}
		thread = t
		return nil
	})
	g.Go(func() error {
		cp, ok, err := c.checkpoints.LoadLatest(gctx, threadID)
		if err != nil {
			return fmt.Errorf("error loading checkpoint: %w", err)
		}
		if ok {
			latest = cp
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		c.logger.Error("Failed to resume thread", zap.String("thread_id", threadID), zap.Error(err))
		return nil, err
	}

	if thread == nil && latest == nil {
		return nil, fmt.Errorf("thread %q: %w", threadID, storage.ErrNotFound)
	}

	resumed := &Resumed{Thread: thread, Checkpoint: latest}
	if thread != nil {
		res := Reconstruct(thread.Steps, c.opts)
		resumed.Messages = res.Messages
		resumed.Unclassified = res.Unclassified
		for _, step := range res.Unclassified {
			c.logger.Warn("Step skipped, speaker unknown",
				zap.String("thread_id", threadID),
				zap.String("step_id", step.ID),
				zap.String("type", string(step.Type)),
				zap.String("name", step.Name))
		}
	}

	c.logger.Info("Thread resumed",
		zap.String("thread_id", threadID),
		zap.Int("messages", len(resumed.Messages)),
		zap.Int("unclassified", len(resumed.Unclassified)),
		zap.Bool("checkpoint", latest != nil))
	return resumed, nil
}
