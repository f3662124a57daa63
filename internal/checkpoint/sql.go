package checkpoint

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gypyanpeng/agent-history/internal/models"
	"github.com/gypyanpeng/agent-history/internal/storage"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

const checkpointColumns = "thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, payload, metadata, created_at_ns"

// SQLStore keeps checkpoints in their own SQLite or PostgreSQL database.
type SQLStore struct {
	db      *sql.DB
	dialect storage.Dialect
	logger  *zap.Logger
}

func NewSQLiteStore(path string, logger *zap.Logger) (*SQLStore, error) {
	if path == "" {
		return nil, fmt.Errorf("checkpoint database path is empty: %w", storage.ErrUnavailable)
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("error opening checkpoint database: %w: %v", storage.ErrUnavailable, err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode = WAL"} {
		if _, err := db.Exec(pragma); err != nil && logger != nil {
			logger.Debug("Failed to apply sqlite pragma", zap.String("pragma", pragma), zap.Error(err))
		}
	}
	return newSQLStore(db, storage.SQLite, logger)
}

func NewPostgresStore(config storage.DatabaseConfig, logger *zap.Logger) (*SQLStore, error) {
	db, err := sql.Open("postgres", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("error opening checkpoint database: %w: %v", storage.ErrUnavailable, err)
	}
	return newSQLStore(db, storage.Postgres, logger)
}

func newSQLStore(db *sql.DB, dialect storage.Dialect, logger *zap.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the checkpoint database: %w: %v", storage.ErrUnavailable, err)
	}

	schema, err := migrations.ReadFile("migrations/" + string(dialect) + ".sql")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error reading migrations file: %w", err)
	}
	for _, stmt := range strings.Split(string(schema), ";") {
		if stmt = strings.TrimSpace(stmt); stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("error initializing checkpoint schema: %w", err)
		}
	}

	logger.Info("Checkpoint store ready", zap.String("dialect", string(dialect)))
	return &SQLStore{db: db, dialect: dialect, logger: logger}, nil
}

func (s *SQLStore) q(query string) string {
	return s.dialect.Rebind(query)
}

func (s *SQLStore) Append(ctx context.Context, cp *models.Checkpoint) error {
	normalize(cp)
	metadata, err := storage.EncodeMetadata(cp.Metadata)
	if err != nil {
		return fmt.Errorf("error encoding checkpoint metadata: %w", err)
	}

	var parent sql.NullString
	if cp.ParentID != nil {
		parent = sql.NullString{String: *cp.ParentID, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO checkpoints (`+checkpointColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		cp.ThreadID, cp.Namespace, cp.ID, parent, cp.Payload, metadata, cp.CreatedAt.UnixNano())
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return &storage.ConflictError{Entity: "checkpoint", ID: cp.ID}
		}
		return fmt.Errorf("error appending checkpoint: %w", err)
	}

	s.logger.Debug("Checkpoint appended",
		zap.String("thread_id", cp.ThreadID),
		zap.String("checkpoint_id", cp.ID))
	return nil
}

func (s *SQLStore) LoadLatest(ctx context.Context, threadID string) (*models.Checkpoint, bool, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+checkpointColumns+` FROM checkpoints c
		WHERE thread_id = ? AND checkpoint_ns = ?
		  AND NOT EXISTS (
			SELECT 1 FROM checkpoints k
			WHERE k.thread_id = c.thread_id
			  AND k.checkpoint_ns = c.checkpoint_ns
			  AND k.parent_checkpoint_id = c.checkpoint_id)
		ORDER BY created_at_ns DESC, checkpoint_id DESC
		LIMIT 1`), threadID, RootNamespace)
	cp, err := s.scanCheckpoint(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("error loading latest checkpoint: %w", err)
	}
	return cp, true, nil
}

func (s *SQLStore) Get(ctx context.Context, threadID, checkpointID string) (*models.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+checkpointColumns+` FROM checkpoints
		WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?`),
		threadID, RootNamespace, checkpointID)
	cp, err := s.scanCheckpoint(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("checkpoint %q: %w", checkpointID, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("error querying checkpoint: %w", err)
	}
	return cp, nil
}

func (s *SQLStore) List(ctx context.Context, threadID string) ([]models.Checkpoint, error) {
	latest, ok, err := s.LoadLatest(ctx, threadID)
	if err != nil || !ok {
		return nil, err
	}
	all, err := s.all(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return walk(latest, all), nil
}

func (s *SQLStore) all(ctx context.Context, threadID string) (map[string]*models.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+checkpointColumns+` FROM checkpoints
		WHERE thread_id = ? AND checkpoint_ns = ?`), threadID, RootNamespace)
	if err != nil {
		return nil, fmt.Errorf("error querying checkpoints: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*models.Checkpoint)
	for rows.Next() {
		cp, err := s.scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning checkpoint: %w", err)
		}
		byID[cp.ID] = cp
	}
	return byID, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLStore) scanCheckpoint(row scanner) (*models.Checkpoint, error) {
	var (
		cp        models.Checkpoint
		parent    sql.NullString
		metadata  string
		createdAt int64
	)
	if err := row.Scan(&cp.ThreadID, &cp.Namespace, &cp.ID, &parent, &cp.Payload, &metadata, &createdAt); err != nil {
		return nil, err
	}
	if parent.Valid {
		cp.ParentID = models.Ptr(parent.String)
	}
	cp.CreatedAt = time.Unix(0, createdAt).UTC()

	m, err := storage.DecodeMetadata(metadata)
	if err != nil {
		s.logger.Warn("Stored field is corrupt, using empty value",
			zap.Error(&storage.SerializationError{Entity: "checkpoint", ID: cp.ID, Field: "metadata", Err: err}))
	}
	cp.Metadata = m
	return &cp, nil
}

func (s *SQLStore) PutWrites(ctx context.Context, writes []models.PendingWrite) error {
	if len(writes) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, w := range writes {
			_, err := tx.ExecContext(ctx, s.q(`
				INSERT INTO writes (thread_id, checkpoint_ns, checkpoint_id, task_id, idx, channel, type, value)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
				w.ThreadID, w.Namespace, w.CheckpointID, w.TaskID, w.Index, w.Channel, w.Type, w.Value)
			if err != nil {
				if storage.IsUniqueViolation(err) {
					return &storage.ConflictError{Entity: "pending write", ID: writeID(w)}
				}
				return fmt.Errorf("error storing pending write: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLStore) GetWrites(ctx context.Context, threadID, checkpointID string) ([]models.PendingWrite, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT thread_id, checkpoint_ns, checkpoint_id, task_id, idx, channel, type, value
		FROM writes
		WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?
		ORDER BY task_id, idx`), threadID, RootNamespace, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("error querying pending writes: %w", err)
	}
	defer rows.Close()

	var writes []models.PendingWrite
	for rows.Next() {
		var (
			w   models.PendingWrite
			typ sql.NullString
		)
		if err := rows.Scan(&w.ThreadID, &w.Namespace, &w.CheckpointID, &w.TaskID, &w.Index, &w.Channel, &typ, &w.Value); err != nil {
			return nil, fmt.Errorf("error scanning pending write: %w", err)
		}
		w.Type = typ.String
		writes = append(writes, w)
	}
	return writes, rows.Err()
}

func (s *SQLStore) Prune(ctx context.Context, threadID string, keep int) (int, error) {
	if keep < 1 {
		return 0, fmt.Errorf("prune must keep at least one checkpoint, got %d", keep)
	}
	chain, err := s.List(ctx, threadID)
	if err != nil {
		return 0, err
	}
	all, err := s.all(ctx, threadID)
	if err != nil {
		return 0, err
	}

	kept := make(map[string]bool, keep)
	for i := 0; i < len(chain) && i < keep; i++ {
		kept[chain[i].ID] = true
	}

	removed := 0
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		for id := range all {
			if kept[id] {
				continue
			}
			for _, table := range []string{"writes", "checkpoints"} {
				if _, err := tx.ExecContext(ctx, s.q("DELETE FROM "+table+" WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?"),
					threadID, RootNamespace, id); err != nil {
					return fmt.Errorf("error pruning %s: %w", table, err)
				}
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info("Checkpoints pruned", zap.String("thread_id", threadID), zap.Int("removed", removed), zap.Int("kept", len(kept)))
	return removed, nil
}

func (s *SQLStore) DeleteThread(ctx context.Context, threadID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"writes", "checkpoints"} {
			if _, err := tx.ExecContext(ctx, s.q("DELETE FROM "+table+" WHERE thread_id = ?"), threadID); err != nil {
				return fmt.Errorf("error deleting %s: %w", table, err)
			}
		}
		return nil
	})
}

func (s *SQLStore) Clear(ctx context.Context) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"writes", "checkpoints"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("error clearing %s: %w", table, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Warn("All checkpoints cleared")
	return nil
}

func (s *SQLStore) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM checkpoints").Scan(&stats.Checkpoints); err != nil {
		return Stats{}, fmt.Errorf("error counting checkpoints: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM writes").Scan(&stats.Writes); err != nil {
		return Stats{}, fmt.Errorf("error counting pending writes: %w", err)
	}
	return stats, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
