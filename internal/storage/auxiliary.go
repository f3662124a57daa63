package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gypyanpeng/agent-history/internal/models"
)

const elementColumns = "id, thread_id, step_id, name, type, url, object_key, size, page, language, mime, display, props"

func (s *SQLStorage) CreateAttachment(ctx context.Context, attachment *models.Attachment) error {
	if attachment.ID == "" {
		attachment.ID = uuid.NewString()
	}
	props, err := encodeOptional(attachment.Props)
	if err != nil {
		return fmt.Errorf("error encoding attachment props: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO elements (`+elementColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		attachment.ID,
		attachment.ThreadID,
		nullString(attachment.StepID),
		attachment.Name,
		attachment.Type,
		attachment.URL,
		attachment.ObjectKey,
		attachment.Size,
		nullInt(attachment.Page),
		attachment.Language,
		attachment.Mime,
		attachment.Display,
		props,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return &ConflictError{Entity: "attachment", ID: attachment.ID}
		}
		return fmt.Errorf("error creating attachment: %w", err)
	}
	return nil
}

func (s *SQLStorage) GetAttachment(ctx context.Context, id string) (*models.Attachment, error) {
	row := s.db.QueryRowContext(ctx, s.q("SELECT "+elementColumns+" FROM elements WHERE id = ?"), id)
	attachment, err := s.scanAttachment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("attachment", id)
		}
		return nil, fmt.Errorf("error querying attachment: %w", err)
	}
	return attachment, nil
}

func (s *SQLStorage) DeleteAttachment(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.q("DELETE FROM elements WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("error deleting attachment: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return notFound("attachment", id)
	}
	return nil
}

func (s *SQLStorage) attachmentsFor(ctx context.Context, threadID string) ([]models.Attachment, error) {
	rows, err := s.db.QueryContext(ctx, s.q("SELECT "+elementColumns+" FROM elements WHERE thread_id = ? ORDER BY id"), threadID)
	if err != nil {
		return nil, fmt.Errorf("error querying attachments: %w", err)
	}
	defer rows.Close()

	var attachments []models.Attachment
	for rows.Next() {
		attachment, err := s.scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning attachment: %w", err)
		}
		attachments = append(attachments, *attachment)
	}
	return attachments, rows.Err()
}

func (s *SQLStorage) scanAttachment(row scanner) (*models.Attachment, error) {
	var (
		a                                   models.Attachment
		threadID, stepID, typ, url, key     sql.NullString
		size, language, mime, display, prop sql.NullString
		page                                sql.NullInt64
	)
	if err := row.Scan(&a.ID, &threadID, &stepID, &a.Name, &typ, &url, &key, &size, &page, &language, &mime, &display, &prop); err != nil {
		return nil, err
	}
	a.ThreadID = threadID.String
	a.StepID = stringPtr(stepID)
	a.Type = typ.String
	a.URL = url.String
	a.ObjectKey = key.String
	a.Size = size.String
	a.Page = intPtr(page)
	a.Language = language.String
	a.Mime = mime.String
	a.Display = display.String
	a.Props = s.decodeOptionalMap("attachment", a.ID, "props", prop)
	return &a, nil
}

// UpsertFeedback inserts or replaces a rating and returns its id.
func (s *SQLStorage) UpsertFeedback(ctx context.Context, feedback *models.Feedback) (string, error) {
	if feedback.ID == "" {
		feedback.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO feedbacks (id, for_id, thread_id, value, comment)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			for_id = excluded.for_id,
			thread_id = excluded.thread_id,
			value = excluded.value,
			comment = excluded.comment`),
		feedback.ID, feedback.ForID, feedback.ThreadID, feedback.Value, nullString(feedback.Comment))
	if err != nil {
		return "", fmt.Errorf("error upserting feedback: %w", err)
	}
	return feedback.ID, nil
}

func (s *SQLStorage) DeleteFeedback(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.q("DELETE FROM feedbacks WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("error deleting feedback: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return notFound("feedback", id)
	}
	return nil
}

// CreateUser registers a user. Identifiers are unique.
func (s *SQLStorage) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	if user.Metadata == nil {
		user.Metadata = map[string]any{}
	}
	metadata := make(map[string]any, len(user.Metadata)+1)
	for k, v := range user.Metadata {
		metadata[k] = v
	}
	if user.DisplayName != "" {
		metadata["display_name"] = user.DisplayName
	}
	encoded, err := EncodeMetadata(metadata)
	if err != nil {
		return fmt.Errorf("error encoding user metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO users (id, identifier, metadata, created_at_ns) VALUES (?, ?, ?, ?)`),
		user.ID, user.Identifier, encoded, toNanos(user.CreatedAt))
	if err != nil {
		if IsUniqueViolation(err) {
			return &ConflictError{Entity: "user", ID: user.Identifier}
		}
		return fmt.Errorf("error creating user: %w", err)
	}
	return nil
}

func (s *SQLStorage) GetUser(ctx context.Context, identifier string) (*models.User, error) {
	var (
		user      models.User
		metadata  sql.NullString
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, s.q("SELECT id, identifier, metadata, created_at_ns FROM users WHERE identifier = ?"), identifier).
		Scan(&user.ID, &user.Identifier, &metadata, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("user", identifier)
		}
		return nil, fmt.Errorf("error querying user: %w", err)
	}
	user.CreatedAt = fromNanos(createdAt)
	user.Metadata = s.decodeMap("user", user.ID, "metadata", metadata)
	user.DisplayName = user.Identifier
	if name, ok := user.Metadata["display_name"].(string); ok && name != "" {
		user.DisplayName = name
	}
	return &user, nil
}
