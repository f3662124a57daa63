package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DSN renders the lib/pq key/value connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// SQLStorage implements Storage on database/sql for SQLite and PostgreSQL.
type SQLStorage struct {
	db      *sql.DB
	dialect Dialect
	logger  *zap.Logger
}

// NewSQLiteStorage opens (creating if needed) the SQLite database at path.
// ":memory:" gives a private in-process database.
func NewSQLiteStorage(path string, logger *zap.Logger) (*SQLStorage, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w: %v", ErrUnavailable, err)
	}
	// One connection: keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logger.Debug("Failed to apply sqlite pragma", zap.String("pragma", pragma), zap.Error(err))
		}
	}

	return newSQLStorage(db, SQLite, logger)
}

// NewPostgresStorage connects to PostgreSQL and applies the schema.
func NewPostgresStorage(config DatabaseConfig, logger *zap.Logger) (*SQLStorage, error) {
	db, err := sql.Open("postgres", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w: %v", ErrUnavailable, err)
	}
	return newSQLStorage(db, Postgres, logger)
}

func newSQLStorage(db *sql.DB, dialect Dialect, logger *zap.Logger) (*SQLStorage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w: %v", ErrUnavailable, err)
	}

	storage := &SQLStorage{db: db, dialect: dialect, logger: logger}

	// Initialize database schema
	if err := storage.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	logger.Info("History store ready", zap.String("dialect", string(dialect)))
	return storage, nil
}

func (s *SQLStorage) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations/" + string(s.dialect) + ".sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}

	for _, stmt := range strings.Split(string(migrationSQL), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("error executing migration %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// Dialect reports which backend this storage talks to.
func (s *SQLStorage) Dialect() Dialect {
	return s.dialect
}

func (s *SQLStorage) Close() error {
	return s.db.Close()
}

// q rebinds placeholders for the active dialect.
func (s *SQLStorage) q(query string) string {
	return s.dialect.Rebind(query)
}

// withTx runs fn in one transaction. Any error, including context
// cancellation, rolls the whole unit of work back.
func (s *SQLStorage) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			s.logger.Error("Failed to roll back transaction", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}
	return nil
}

// corrupt logs a field that could not be decoded. The read carries on with a default value.
func (s *SQLStorage) corrupt(entity, id, field string, err error) {
	serr := &SerializationError{Entity: entity, ID: id, Field: field, Err: err}
	s.logger.Warn("Stored field is corrupt, using empty value",
		zap.String("entity", entity),
		zap.String("id", id),
		zap.String("field", field),
		zap.Error(serr))
}

func (s *SQLStorage) decodeMap(entity, id, field string, raw sql.NullString) map[string]any {
	m, err := DecodeMetadata(raw.String)
	if err != nil {
		s.corrupt(entity, id, field, err)
	}
	return m
}

func (s *SQLStorage) decodeOptionalMap(entity, id, field string, raw sql.NullString) map[string]any {
	if !raw.Valid || raw.String == "" || raw.String == "null" {
		return nil
	}
	return s.decodeMap(entity, id, field, raw)
}

func (s *SQLStorage) decodeTags(entity, id string, raw sql.NullString) []string {
	tags, err := decodeTags(raw.String)
	if err != nil {
		s.corrupt(entity, id, "tags", err)
	}
	return tags
}

func firstLine(stmt string) string {
	if i := strings.IndexByte(stmt, '\n'); i >= 0 {
		return stmt[:i]
	}
	return stmt
}
