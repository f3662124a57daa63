// Package session runs conversation turns against the history and checkpoint stores.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gypyanpeng/agent-history/internal/checkpoint"
	"github.com/gypyanpeng/agent-history/internal/conflict"
	"github.com/gypyanpeng/agent-history/internal/engine"
	"github.com/gypyanpeng/agent-history/internal/models"
	"github.com/gypyanpeng/agent-history/internal/naming"
	"github.com/gypyanpeng/agent-history/internal/recovery"
	"github.com/gypyanpeng/agent-history/internal/storage"
	"go.uber.org/zap"
)

// Context identifies the conversation a caller is working in.
// It is passed explicitly to every Manager call.
type Context struct {
	ThreadID       string
	UserIdentifier string
	UserID         string
}

type Options struct {
	RetryAttempts int
	Recovery      recovery.Options
}

// Manager appends steps and checkpoints for conversation turns. Writes to
// the same thread are serialized.
type Manager struct {
	store       storage.Storage
	checkpoints checkpoint.Store
	engine      engine.Engine
	creator     *conflict.Creator
	namer       *naming.Namer
	coordinator *recovery.Coordinator
	locks       *keyedMutex
	now         func() time.Time
	logger      *zap.Logger
}

func NewManager(store storage.Storage, checkpoints checkpoint.Store, eng engine.Engine, opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:       store,
		checkpoints: checkpoints,
		engine:      eng,
		creator:     conflict.NewCreator(store, opts.RetryAttempts, logger),
		namer:       naming.NewNamer(store, logger),
		coordinator: recovery.NewCoordinator(store, checkpoints, opts.Recovery, logger),
		locks:       newKeyedMutex(),
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger,
	}
}

// NewThreadID returns <user>_<8 hex chars>.
func NewThreadID(user string) string {
	if user == "" {
		user = "thread"
	}
	return user + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Start opens a new thread owned by user, registering the user on first use.
func (m *Manager) Start(ctx context.Context, user string) (*Context, error) {
	u, err := m.ensureUser(ctx, user)
	if err != nil {
		return nil, err
	}

	thread := &models.Thread{
		ID:              NewThreadID(user),
		CreatedAt:       m.now(),
		OwnerID:         models.Ptr(u.ID),
		OwnerIdentifier: models.Ptr(user),
	}
	if err := m.creator.Create(ctx, thread); err != nil {
		return nil, fmt.Errorf("error starting thread: %w", err)
	}

	m.logger.Info("Session started", zap.String("thread_id", thread.ID), zap.String("user", user))
	return &Context{ThreadID: thread.ID, UserIdentifier: user, UserID: u.ID}, nil
}

func (m *Manager) ensureUser(ctx context.Context, identifier string) (*models.User, error) {
	u, err := m.store.GetUser(ctx, identifier)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	u = &models.User{Identifier: identifier, CreatedAt: m.now()}
	if err := m.store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return m.store.GetUser(ctx, identifier)
		}
		return nil, fmt.Errorf("error creating user: %w", err)
	}
	return u, nil
}

// Send records a user message, asks the engine for a reply and records the
// reply together with a new checkpoint linked to the previous one.
func (m *Manager) Send(ctx context.Context, sc *Context, content string) (string, error) {
	unlock := m.locks.Lock(sc.ThreadID)
	defer unlock()

	userStep := &models.Step{
		ID:        uuid.NewString(),
		ThreadID:  sc.ThreadID,
		Type:      models.UserMessage,
		Name:      sc.UserIdentifier,
		Output:    content,
		CreatedAt: m.now(),
	}
	if err := m.store.CreateStep(ctx, userStep); err != nil {
		return "", fmt.Errorf("error saving message: %w", err)
	}

	thread, err := m.store.GetThread(ctx, sc.ThreadID)
	if err != nil {
		return "", fmt.Errorf("error loading thread: %w", err)
	}
	if !thread.HasName() && !isOrphan(thread) {
		if _, err := m.namer.NameIfUnset(ctx, thread, content); err != nil {
			m.logger.Warn("Thread left unnamed", zap.String("thread_id", sc.ThreadID), zap.Error(err))
		}
	}

	history := recovery.Reconstruct(thread.Steps, m.coordinator.Options()).Messages
	latest, _, err := m.checkpoints.LoadLatest(ctx, sc.ThreadID)
	if err != nil {
		return "", fmt.Errorf("error loading checkpoint: %w", err)
	}
	var state []byte
	if latest != nil {
		state = latest.Payload
	}

	reply, err := m.engine.Invoke(ctx, history, state)
	if err != nil {
		m.logger.Error("Engine failed", zap.String("thread_id", sc.ThreadID), zap.Error(err))
		return "", fmt.Errorf("error generating reply: %w", err)
	}

	if err := m.store.CreateStep(ctx, m.assistantStep(sc.ThreadID, reply.Content)); err != nil {
		return "", fmt.Errorf("error saving reply: %w", err)
	}
	if err := m.checkpoints.Append(ctx, checkpoint.New(sc.ThreadID, latest, reply.State)); err != nil {
		m.logger.Error("Failed to save checkpoint", zap.String("thread_id", sc.ThreadID), zap.Error(err))
	}

	return reply.Content, nil
}

func (m *Manager) assistantStep(threadID, content string) *models.Step {
	name := "Assistant"
	if labels := m.coordinator.Options().Labels.Assistant; len(labels) > 0 {
		name = labels[0]
	}
	return &models.Step{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Type:      models.AssistantMessage,
		Name:      name,
		Output:    content,
		CreatedAt: m.now(),
	}
}

// Resume reopens an existing thread for user and records the recovery notice.
func (m *Manager) Resume(ctx context.Context, user, threadID string) (*Context, *recovery.Resumed, error) {
	unlock := m.locks.Lock(threadID)
	defer unlock()

	resumed, err := m.coordinator.Resume(ctx, threadID)
	if err != nil {
		return nil, nil, err
	}
	if owner := m.store.GetThreadOwnerIdentifier(ctx, threadID); owner != "" && owner != user {
		m.logger.Warn("Resuming a thread owned by someone else",
			zap.String("thread_id", threadID),
			zap.String("owner", owner),
			zap.String("user", user))
	}

	notice := m.assistantStep(threadID, recovery.Notice(len(resumed.Messages)))
	if err := m.store.CreateStep(ctx, notice); err != nil {
		m.logger.Error("Failed to save resume notice", zap.String("thread_id", threadID), zap.Error(err))
	}

	sc := &Context{ThreadID: threadID, UserIdentifier: user}
	if u, err := m.store.GetUser(ctx, user); err == nil {
		sc.UserID = u.ID
	}
	return sc, resumed, nil
}

// History returns the reconstructed messages of a thread.
func (m *Manager) History(ctx context.Context, threadID string) ([]models.Message, error) {
	thread, err := m.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return recovery.Reconstruct(thread.Steps, m.coordinator.Options()).Messages, nil
}

// Delete removes the thread's history and its checkpoints.
func (m *Manager) Delete(ctx context.Context, threadID string) error {
	unlock := m.locks.Lock(threadID)
	defer unlock()

	if err := m.store.DeleteThread(ctx, threadID); err != nil {
		return err
	}
	if err := m.checkpoints.DeleteThread(ctx, threadID); err != nil {
		m.logger.Error("Failed to delete checkpoints", zap.String("thread_id", threadID), zap.Error(err))
		return err
	}
	return nil
}

// Clear removes all history and every checkpoint.
func (m *Manager) Clear(ctx context.Context) error {
	if err := m.store.ClearHistory(ctx); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	if err := m.checkpoints.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear checkpoints: %w", err)
	}
	m.logger.Warn("History and checkpoints cleared")
	return nil
}

func isOrphan(thread *models.Thread) bool {
	orphaned, _ := thread.Metadata["orphaned"].(bool)
	return orphaned
}
