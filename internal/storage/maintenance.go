package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/gypyanpeng/agent-history/internal/models"
	"go.uber.org/zap"
)

// Stats counts rows per table, plus thread ids that only exist through their steps.
func (s *SQLStorage) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	counts := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM users", &stats.Users},
		{"SELECT COUNT(*) FROM threads", &stats.Threads},
		{"SELECT COUNT(*) FROM steps", &stats.Steps},
		{"SELECT COUNT(*) FROM elements", &stats.Attachments},
		{"SELECT COUNT(*) FROM feedbacks", &stats.Feedback},
		{`SELECT COUNT(DISTINCT thread_id) FROM steps
		  WHERE thread_id NOT IN (SELECT id FROM threads)`, &stats.Orphaned},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return Stats{}, fmt.Errorf("error counting rows: %w", err)
		}
	}
	return stats, nil
}

// DedupeSteps deletes repeated steps (same type, name and output; the earliest
// copy is kept) and steps whose output carries one of the given markers.
// An empty threadID covers every thread.
func (s *SQLStorage) DedupeSteps(ctx context.Context, threadID string, markers []string) (int, error) {
	query := "SELECT id, thread_id, type, name, output FROM steps"
	var args []any
	if threadID != "" {
		query += " WHERE thread_id = ?"
		args = append(args, threadID)
	}
	query += " ORDER BY thread_id, " + s.dialect.StepOrder()

	removed := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, s.q(query), args...)
		if err != nil {
			return fmt.Errorf("error querying steps: %w", err)
		}
		var doomed []string
		seen := make(map[string]struct{})
		for rows.Next() {
			var (
				id, thread, typ, name string
				output                sql.NullString
			)
			if err := rows.Scan(&id, &thread, &typ, &name, &output); err != nil {
				rows.Close()
				return fmt.Errorf("error scanning step: %w", err)
			}
			if containsAny(output.String, markers) {
				doomed = append(doomed, id)
				continue
			}
			key := thread + "\x00" + dedupeKey(models.StepType(typ), name, output.String)
			if _, dup := seen[key]; dup {
				doomed = append(doomed, id)
				continue
			}
			seen[key] = struct{}{}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating steps: %w", err)
		}

		for _, id := range doomed {
			if _, err := tx.ExecContext(ctx, s.q("DELETE FROM steps WHERE id = ?"), id); err != nil {
				return fmt.Errorf("error deleting step %s: %w", id, err)
			}
		}
		removed = len(doomed)
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info("Duplicate steps removed", zap.String("thread_id", threadID), zap.Int("removed", removed))
	return removed, nil
}

// ClearHistory empties every history table.
func (s *SQLStorage) ClearHistory(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"feedbacks", "elements", "steps", "threads"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("error clearing %s: %w", table, err)
			}
		}
		s.logger.Warn("History cleared")
		return nil
	})
}

func dedupeKey(typ models.StepType, name, output string) string {
	return string(typ) + ":" + name + ":" + output
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if m != "" && strings.Contains(s, m) {
			return true
		}
	}
	return false
}
