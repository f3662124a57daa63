package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gypyanpeng/agent-history/internal/models"
)

const stepColumns = `id, name, type, thread_id, parent_id, streaming, wait_for_answer, is_error,
	metadata, tags, input, output, created_at_ns, start_ns, end_ns, generation,
	show_input, language, indent, command, default_open, disable_feedback`

// stepArgs returns the column values of step in stepColumns order.
func stepArgs(step *models.Step) ([]any, error) {
	metadata, err := EncodeMetadata(step.Metadata)
	if err != nil {
		return nil, fmt.Errorf("error encoding step metadata: %w", err)
	}
	tags, err := encodeTags(step.Tags)
	if err != nil {
		return nil, fmt.Errorf("error encoding step tags: %w", err)
	}
	generation, err := encodeOptional(step.Generation)
	if err != nil {
		return nil, fmt.Errorf("error encoding step generation: %w", err)
	}
	return []any{
		step.ID,
		step.Name,
		string(step.Type),
		step.ThreadID,
		nullString(step.ParentID),
		step.Streaming,
		nullBool(step.WaitForAnswer),
		nullBool(step.IsError),
		metadata,
		tags,
		step.Input,
		step.Output,
		toNanos(step.CreatedAt),
		nullTime(step.Start),
		nullTime(step.End),
		generation,
		nullString(step.ShowInput),
		nullString(step.Language),
		nullInt(step.Indent),
		nullString(step.Command),
		step.DefaultOpen,
		step.DisableFeedback,
	}, nil
}

// CreateStep appends a step. The owning thread row does not have to exist.
func (s *SQLStorage) CreateStep(ctx context.Context, step *models.Step) error {
	normalizeStep(step)
	args, err := stepArgs(step)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO steps (`+stepColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`), args...)
	if err != nil {
		if IsUniqueViolation(err) {
			return &ConflictError{Entity: "step", ID: step.ID}
		}
		return fmt.Errorf("error creating step: %w", err)
	}
	return nil
}

// UpdateStep replaces every column of an existing step, e.g. to finalize streamed output.
func (s *SQLStorage) UpdateStep(ctx context.Context, step *models.Step) error {
	normalizeStep(step)
	args, err := stepArgs(step)
	if err != nil {
		return err
	}
	// id moves from the first column to the WHERE clause
	args = append(args[1:], step.ID)

	result, err := s.db.ExecContext(ctx, s.q(`
		UPDATE steps SET
			name = ?, type = ?, thread_id = ?, parent_id = ?, streaming = ?,
			wait_for_answer = ?, is_error = ?, metadata = ?, tags = ?,
			input = ?, output = ?, created_at_ns = ?, start_ns = ?, end_ns = ?,
			generation = ?, show_input = ?, language = ?, indent = ?, command = ?,
			default_open = ?, disable_feedback = ?
		WHERE id = ?`), args...)
	if err != nil {
		return fmt.Errorf("error updating step: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return notFound("step", step.ID)
	}
	return nil
}

func (s *SQLStorage) GetStep(ctx context.Context, id string) (*models.Step, error) {
	row := s.db.QueryRowContext(ctx, s.q("SELECT "+stepColumns+" FROM steps WHERE id = ?"), id)
	step, err := s.scanStep(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("step", id)
		}
		return nil, fmt.Errorf("error querying step: %w", err)
	}
	return step, nil
}

// GetSteps returns a thread's steps in creation order.
func (s *SQLStorage) GetSteps(ctx context.Context, threadID string) ([]models.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q("SELECT "+stepColumns+" FROM steps WHERE thread_id = ? ORDER BY "+s.dialect.StepOrder()),
		threadID)
	if err != nil {
		return nil, fmt.Errorf("error querying steps: %w", err)
	}
	defer rows.Close()

	var steps []models.Step
	for rows.Next() {
		step, err := s.scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning step: %w", err)
		}
		steps = append(steps, *step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}
	return steps, nil
}

// DeleteStep removes one step and the feedback attached to it.
func (s *SQLStorage) DeleteStep(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, s.q("DELETE FROM steps WHERE id = ?"), id)
		if err != nil {
			return fmt.Errorf("error deleting step: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("error getting rows affected: %w", err)
		}
		if n == 0 {
			return notFound("step", id)
		}
		if _, err := tx.ExecContext(ctx, s.q("DELETE FROM feedbacks WHERE for_id = ?"), id); err != nil {
			return fmt.Errorf("error deleting step feedback: %w", err)
		}
		return nil
	})
}

func (s *SQLStorage) scanStep(row scanner) (*models.Step, error) {
	var (
		step                       models.Step
		stepType                   string
		parentID, showInput        sql.NullString
		language, command          sql.NullString
		metadata, tags, generation sql.NullString
		input, output              sql.NullString
		waitForAnswer, isError     sql.NullBool
		createdAt                  int64
		start, end, indent         sql.NullInt64
	)
	err := row.Scan(
		&step.ID, &step.Name, &stepType, &step.ThreadID, &parentID,
		&step.Streaming, &waitForAnswer, &isError,
		&metadata, &tags, &input, &output, &createdAt, &start, &end, &generation,
		&showInput, &language, &indent, &command, &step.DefaultOpen, &step.DisableFeedback,
	)
	if err != nil {
		return nil, err
	}

	step.Type = models.StepType(stepType)
	step.ParentID = stringPtr(parentID)
	step.WaitForAnswer = boolPtr(waitForAnswer)
	step.IsError = boolPtr(isError)
	step.Input = input.String
	step.Output = output.String
	step.CreatedAt = fromNanos(createdAt)
	step.Start = timePtr(start)
	step.End = timePtr(end)
	step.ShowInput = stringPtr(showInput)
	step.Language = stringPtr(language)
	step.Indent = intPtr(indent)
	step.Command = stringPtr(command)
	step.Metadata = s.decodeMap("step", step.ID, "metadata", metadata)
	step.Tags = s.decodeTags("step", step.ID, tags)
	step.Generation = s.decodeOptionalMap("step", step.ID, "generation", generation)
	return &step, nil
}

func normalizeStep(step *models.Step) {
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now().UTC()
	}
	if step.Metadata == nil {
		step.Metadata = map[string]any{}
	}
	if step.Tags == nil {
		step.Tags = []string{}
	}
	if step.Type == "" {
		step.Type = models.UndefinedStep
	}
}
