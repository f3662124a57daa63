package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gypyanpeng/agent-history/internal/models"
	"go.uber.org/zap"
)

const threadColumns = "id, created_at_ns, name, owner_id, owner_identifier, tags, metadata"

// CreateThread persists a new thread. A duplicate id fails with a *ConflictError; no retry happens here.
func (s *SQLStorage) CreateThread(ctx context.Context, thread *models.Thread) error {
	normalizeThread(thread)

	tags, err := encodeTags(thread.Tags)
	if err != nil {
		return fmt.Errorf("error encoding thread tags: %w", err)
	}
	metadata, err := EncodeMetadata(thread.Metadata)
	if err != nil {
		return fmt.Errorf("error encoding thread metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO threads (id, created_at_ns, name, owner_id, owner_identifier, tags, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		thread.ID,
		toNanos(thread.CreatedAt),
		nullString(thread.Name),
		nullString(thread.OwnerID),
		nullString(thread.OwnerIdentifier),
		tags,
		metadata,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return &ConflictError{Entity: "thread", ID: thread.ID}
		}
		return fmt.Errorf("error creating thread: %w", err)
	}

	s.logger.Debug("Thread created", zap.String("thread_id", thread.ID))
	return nil
}

// GetThread returns the thread with its ordered steps and attachments.
// When the thread row is missing but steps reference the id, a placeholder
// thread carrying those steps is synthesized instead of failing.
func (s *SQLStorage) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	thread, err := s.threadRow(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	steps, stepErr := s.GetSteps(ctx, id)
	if stepErr != nil {
		return nil, stepErr
	}

	if thread == nil {
		if len(steps) == 0 {
			return nil, notFound("thread", id)
		}
		thread = s.synthesizeThread(ctx, id, steps)
		s.logger.Warn("Thread row missing, serving orphaned steps",
			zap.String("thread_id", id),
			zap.Int("steps", len(steps)))
	}

	attachments, err := s.attachmentsFor(ctx, id)
	if err != nil {
		return nil, err
	}

	thread.Steps = steps
	thread.Attachments = attachments
	return thread, nil
}

func (s *SQLStorage) synthesizeThread(ctx context.Context, id string, steps []models.Step) *models.Thread {
	thread := OrphanThread(id, steps)
	if owner := thread.Owner(); owner != "" {
		if user, err := s.GetUser(ctx, owner); err == nil {
			thread.OwnerID = models.Ptr(user.ID)
		}
	}
	return thread
}

// OrphanThread builds the placeholder view for steps whose thread row is missing.
// The owner is taken from the earliest user message, when there is one.
func OrphanThread(id string, steps []models.Step) *models.Thread {
	thread := &models.Thread{
		ID:       id,
		Name:     models.Ptr(OrphanThreadName),
		Tags:     []string{},
		Metadata: map[string]any{"orphaned": true},
	}
	if len(steps) > 0 {
		thread.CreatedAt = steps[0].CreatedAt
	}
	for _, step := range steps {
		if step.Type == models.UserMessage && strings.TrimSpace(step.Name) != "" {
			thread.OwnerIdentifier = models.Ptr(step.Name)
			break
		}
	}
	return thread
}

func (s *SQLStorage) threadRow(ctx context.Context, id string) (*models.Thread, error) {
	row := s.db.QueryRowContext(ctx, s.q("SELECT "+threadColumns+" FROM threads WHERE id = ?"), id)
	thread, err := s.scanThread(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("thread", id)
		}
		return nil, fmt.Errorf("error querying thread: %w", err)
	}
	return thread, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLStorage) scanThread(row scanner) (*models.Thread, error) {
	var (
		thread              models.Thread
		createdAt           int64
		name, ownerID, ownr sql.NullString
		tags, metadata      sql.NullString
	)
	if err := row.Scan(&thread.ID, &createdAt, &name, &ownerID, &ownr, &tags, &metadata); err != nil {
		return nil, err
	}
	thread.CreatedAt = fromNanos(createdAt)
	thread.Name = stringPtr(name)
	thread.OwnerID = stringPtr(ownerID)
	thread.OwnerIdentifier = stringPtr(ownr)
	thread.Tags = s.decodeTags("thread", thread.ID, tags)
	thread.Metadata = s.decodeMap("thread", thread.ID, "metadata", metadata)
	return &thread, nil
}

// UpdateThread applies the supplied fields and returns the updated thread.
func (s *SQLStorage) UpdateThread(ctx context.Context, id string, update ThreadUpdate) (*models.Thread, error) {
	var (
		sets []string
		args []any
	)
	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.OwnerID != nil {
		sets = append(sets, "owner_id = ?")
		args = append(args, *update.OwnerID)
	}
	if update.OwnerIdentifier != nil {
		sets = append(sets, "owner_identifier = ?")
		args = append(args, *update.OwnerIdentifier)
	}
	if update.Tags != nil {
		tags, err := encodeTags(update.Tags)
		if err != nil {
			return nil, fmt.Errorf("error encoding thread tags: %w", err)
		}
		sets = append(sets, "tags = ?")
		args = append(args, tags)
	}
	if update.Metadata != nil {
		metadata, err := EncodeMetadata(update.Metadata)
		if err != nil {
			return nil, fmt.Errorf("error encoding thread metadata: %w", err)
		}
		sets = append(sets, "metadata = ?")
		args = append(args, metadata)
	}

	if update.empty() {
		return s.threadRow(ctx, id)
	}

	args = append(args, id)
	result, err := s.db.ExecContext(ctx, s.q("UPDATE threads SET "+strings.Join(sets, ", ")+" WHERE id = ?"), args...)
	if err != nil {
		return nil, fmt.Errorf("error updating thread: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("error getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, notFound("thread", id)
	}

	return s.threadRow(ctx, id)
}

// ListThreads returns a page of threads, newest first. The cursor is a decimal offset.
func (s *SQLStorage) ListThreads(ctx context.Context, page Pagination, filter ThreadFilter) (*Page, error) {
	var (
		where []string
		args  []any
	)
	if filter.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if filter.Search != "" {
		where = append(where, "LOWER(name) LIKE ?")
		args = append(args, "%"+strings.ToLower(filter.Search)+"%")
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, s.q("SELECT COUNT(*) FROM threads"+clause), args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("error counting threads: %w", err)
	}

	first, offset := page.bounds()
	rows, err := s.db.QueryContext(ctx,
		s.q("SELECT "+threadColumns+" FROM threads"+clause+" ORDER BY created_at_ns DESC, id ASC LIMIT ? OFFSET ?"),
		append(args, first, offset)...)
	if err != nil {
		return nil, fmt.Errorf("error querying threads: %w", err)
	}
	defer rows.Close()

	var threads []models.Thread
	for rows.Next() {
		thread, err := s.scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning thread: %w", err)
		}
		threads = append(threads, *thread)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating threads: %w", err)
	}

	return newPage(threads, first, offset, total), nil
}

// DeleteThread removes a thread and everything it owns as one transaction.
func (s *SQLStorage) DeleteThread(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists string
		err := tx.QueryRowContext(ctx, s.q("SELECT id FROM threads WHERE id = ?"), id).Scan(&exists)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return notFound("thread", id)
			}
			return fmt.Errorf("error querying thread: %w", err)
		}

		counts := make([]zap.Field, 0, 4)
		for _, table := range []string{"steps", "elements", "feedbacks"} {
			result, err := tx.ExecContext(ctx, s.q("DELETE FROM "+table+" WHERE thread_id = ?"), id)
			if err != nil {
				return fmt.Errorf("error deleting %s: %w", table, err)
			}
			n, _ := result.RowsAffected()
			counts = append(counts, zap.Int64(table, n))
		}
		if _, err := tx.ExecContext(ctx, s.q("DELETE FROM threads WHERE id = ?"), id); err != nil {
			return fmt.Errorf("error deleting thread: %w", err)
		}

		s.logger.Info("Thread deleted", append(counts, zap.String("thread_id", id))...)
		return nil
	})
}

// GetThreadOwnerIdentifier returns the human-readable owner of a thread, or "" when unknown.
func (s *SQLStorage) GetThreadOwnerIdentifier(ctx context.Context, threadID string) string {
	var owner sql.NullString
	err := s.db.QueryRowContext(ctx, s.q("SELECT owner_identifier FROM threads WHERE id = ?"), threadID).Scan(&owner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Debug("Owner lookup for unknown thread", zap.String("thread_id", threadID))
		} else {
			s.logger.Error("Failed to look up thread owner", zap.String("thread_id", threadID), zap.Error(err))
		}
		return ""
	}
	return owner.String
}

func normalizeThread(thread *models.Thread) {
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = time.Now().UTC()
	}
	if thread.Tags == nil {
		thread.Tags = []string{}
	}
	if thread.Metadata == nil {
		thread.Metadata = map[string]any{}
	}
}

func (p Pagination) bounds() (first, offset int) {
	first = p.First
	if first <= 0 {
		first = DefaultPageSize
	}
	if p.Cursor != "" {
		if n, err := strconv.Atoi(p.Cursor); err == nil && n > 0 {
			offset = n
		}
	}
	return first, offset
}

func newPage(threads []models.Thread, first, offset, total int) *Page {
	if threads == nil {
		threads = []models.Thread{}
	}
	return &Page{
		Data:  threads,
		Total: total,
		PageInfo: PageInfo{
			HasNextPage:     offset+first < total,
			HasPreviousPage: offset > 0,
			StartCursor:     strconv.Itoa(offset),
			EndCursor:       strconv.Itoa(offset + len(threads)),
		},
	}
}
