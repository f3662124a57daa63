package main

import (
	"fmt"
	"os"

	"github.com/gypyanpeng/agent-history/internal/checkpoint"
	"github.com/gypyanpeng/agent-history/internal/engine"
	"github.com/gypyanpeng/agent-history/internal/recovery"
	"github.com/gypyanpeng/agent-history/internal/session"
	"github.com/gypyanpeng/agent-history/internal/storage"
	"github.com/gypyanpeng/agent-history/pkg/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	verbose    bool
	configPath string

	logger *zap.Logger
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "agent",
	Short: "Conversational assistant with durable, resumable history",
	Long: `agent keeps every conversation in a history store and the engine's
state in a checkpoint store, so any thread can be resumed later.

Run "agent chat" to start talking.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapConfig := zap.NewProductionConfig()
		if verbose {
			zapConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapConfig.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = loadConfig(configPath)
		if err != nil {
			logger.Error("Failed to load config", zap.Error(err), zap.String("path", configPath))
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file (default: ./config.yaml when present)")

	rootCmd.AddCommand(chatCmd, threadsCmd, maintenanceCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	return config.LoadConfig(path)
}

// openHistory returns the configured history store. An unreachable store is fatal.
func openHistory(cfg config.HistoryConfig, logger *zap.Logger) storage.Storage {
	var (
		store storage.Storage
		err   error
	)
	switch cfg.Backend {
	case "memory":
		logger.Info("Using in-memory storage")
		store = storage.NewMemoryStorage()
	case "postgres":
		logger.Info("Using PostgreSQL storage")
		store, err = storage.NewPostgresStorage(databaseConfig(cfg.Postgres), logger)
	default:
		logger.Info("Using SQLite storage", zap.String("path", cfg.Path))
		store, err = storage.NewSQLiteStorage(cfg.Path, logger)
	}
	if err != nil {
		logger.Fatal("Failed to initialize storage", zap.Error(err))
	}
	return store
}

func openCheckpoints(cfg config.CheckpointConfig, logger *zap.Logger) checkpoint.Store {
	return checkpoint.Open(checkpoint.Config{
		Enabled:  cfg.Enabled,
		Backend:  cfg.Backend,
		Path:     cfg.Path,
		Postgres: databaseConfig(cfg.Postgres),
	}, logger)
}

func databaseConfig(c config.DatabaseConfig) storage.DatabaseConfig {
	return storage.DatabaseConfig{
		Host:     c.Host,
		Port:     c.Port,
		User:     c.User,
		Password: c.Password,
		DBName:   c.DBName,
		SSLMode:  c.SSLMode,
	}
}

func recoveryOptions(cfg config.SessionConfig) recovery.Options {
	return recovery.Options{
		Labels: recovery.Labels{
			User:      cfg.Labels.User,
			Assistant: cfg.Labels.Assistant,
		},
		Markers: cfg.Markers,
	}
}

func newManager(store storage.Storage, checkpoints checkpoint.Store) *session.Manager {
	eng := engine.New(engine.Config{
		Provider:     cfg.Engine.Provider,
		BaseURL:      cfg.Engine.BaseURL,
		APIKey:       cfg.Engine.APIKey,
		Model:        cfg.Engine.Model,
		Temperature:  cfg.Engine.Temperature,
		MaxTokens:    cfg.Engine.MaxTokens,
		SystemPrompt: cfg.Engine.SystemPrompt,
	}, logger)

	return session.NewManager(store, checkpoints, eng, session.Options{
		RetryAttempts: cfg.Session.RetryAttempts,
		Recovery:      recoveryOptions(cfg.Session),
	}, logger)
}
