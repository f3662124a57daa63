package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	History    HistoryConfig    `mapstructure:"history"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Session    SessionConfig    `mapstructure:"session"`
	Engine     EngineConfig     `mapstructure:"engine"`
}

// HistoryConfig selects where threads and steps live.
type HistoryConfig struct {
	Backend  string         `mapstructure:"backend"` // sqlite, postgres or memory
	Path     string         `mapstructure:"path"`
	Postgres DatabaseConfig `mapstructure:"postgres"`
}

type CheckpointConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Backend  string         `mapstructure:"backend"`
	Path     string         `mapstructure:"path"`
	Postgres DatabaseConfig `mapstructure:"postgres"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type SessionConfig struct {
	User          string      `mapstructure:"user"`
	Labels        LabelConfig `mapstructure:"labels"`
	Markers       []string    `mapstructure:"markers"`
	RetryAttempts int         `mapstructure:"retry_attempts"`
	PageSize      int         `mapstructure:"page_size"`
}

// LabelConfig lists the step names that identify each speaker.
type LabelConfig struct {
	User      []string `mapstructure:"user"`
	Assistant []string `mapstructure:"assistant"`
}

type EngineConfig struct {
	Provider     string  `mapstructure:"provider"` // openai, ollama or echo
	BaseURL      string  `mapstructure:"base_url"`
	APIKey       string  `mapstructure:"api_key"`
	Model        string  `mapstructure:"model"`
	MaxTokens    int     `mapstructure:"max_tokens"`
	Temperature  float64 `mapstructure:"temperature"`
	SystemPrompt string  `mapstructure:"system_prompt"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return DatabaseConfig{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	sslMode := "disable"
	if mode := u.Query().Get("sslmode"); mode != "" {
		sslMode = mode
	}

	return DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   strings.TrimPrefix(u.Path, "/"),
		SSLMode:  sslMode,
	}, nil
}

// LoadConfig reads defaults, the optional YAML file at path and the environment.
// HISTORY_BACKEND style variables override nested keys.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("history.backend", "sqlite")
	v.SetDefault("history.path", "./data/history.db")
	v.SetDefault("history.postgres.host", "localhost")
	v.SetDefault("history.postgres.port", 5432)
	v.SetDefault("history.postgres.user", "postgres")
	v.SetDefault("history.postgres.dbname", "agent_history")
	v.SetDefault("history.postgres.sslmode", "disable")
	v.SetDefault("checkpoint.enabled", true)
	v.SetDefault("checkpoint.backend", "sqlite")
	v.SetDefault("checkpoint.path", "./data/checkpoints.db")
	v.SetDefault("checkpoint.postgres.host", "localhost")
	v.SetDefault("checkpoint.postgres.port", 5432)
	v.SetDefault("checkpoint.postgres.user", "postgres")
	v.SetDefault("checkpoint.postgres.dbname", "agent_checkpoints")
	v.SetDefault("checkpoint.postgres.sslmode", "disable")
	v.SetDefault("session.user", "admin")
	v.SetDefault("session.labels.user", []string{"User", "用户", "admin"})
	v.SetDefault("session.labels.assistant", []string{"Assistant", "助手", "LangGraph Agent"})
	v.SetDefault("session.markers", []string{"Session resumed", "会话已恢复", "已加载"})
	v.SetDefault("session.retry_attempts", 3)
	v.SetDefault("session.page_size", 20)
	v.SetDefault("engine.provider", "echo")
	v.SetDefault("engine.base_url", "")
	v.SetDefault("engine.api_key", "")
	v.SetDefault("engine.model", "gpt-4o-mini")
	v.SetDefault("engine.max_tokens", 1024)
	v.SetDefault("engine.temperature", 0.7)
	v.SetDefault("engine.system_prompt", "You are a helpful assistant.")

	// Enable environment variable support
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Check for DATABASE_URL environment variable
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %v", err)
		}
		config.History.Backend = "postgres"
		config.History.Postgres = dbConfig
	}
	if dbURL := v.GetString("CHECKPOINT_DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse CHECKPOINT_DATABASE_URL: %v", err)
		}
		config.Checkpoint.Backend = "postgres"
		config.Checkpoint.Postgres = dbConfig
	}

	if apiKey := v.GetString("OPENAI_API_KEY"); apiKey != "" {
		config.Engine.APIKey = apiKey
	}
	if baseURL := v.GetString("OPENAI_BASE_URL"); baseURL != "" {
		config.Engine.BaseURL = baseURL
	}

	return &config, nil
}
