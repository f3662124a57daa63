package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gypyanpeng/agent-history/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestExportThread(t *testing.T) {
	thread := &models.Thread{
		ID:        "admin_1a2b3c4d",
		CreatedAt: time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC),
		Name:      models.Ptr("Trip planning"),
		Tags:      []string{},
		Metadata:  map[string]any{"source": "cli"},
	}
	messages := []models.Message{
		{Role: models.RoleUser, Content: "Plan a trip"},
		{Role: models.RoleAssistant, Content: "Where to?"},
	}

	var buf bytes.Buffer
	require.NoError(t, exportThread(&buf, thread, messages))

	var doc struct {
		Thread struct {
			ID   string `yaml:"id"`
			Name string `yaml:"name"`
		} `yaml:"thread"`
		Messages []models.Message `yaml:"messages"`
	}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, "admin_1a2b3c4d", doc.Thread.ID)
	assert.Equal(t, "Trip planning", doc.Thread.Name)
	assert.Equal(t, messages, doc.Messages)
}

func TestCommands_MemoryBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("history:\n  backend: memory\ncheckpoint:\n  enabled: false\n"), 0o644))

	tests := []struct {
		args []string
		want string
	}{
		{[]string{"threads", "list"}, "0 of 0 threads"},
		{[]string{"maintenance", "stats"}, "threads:     0"},
		{[]string{"maintenance", "stats"}, "checkpoints: 0"},
		{[]string{"maintenance", "dedupe"}, "Removed 0 steps"},
		{[]string{"maintenance", "prune", "admin_1", "--keep", "2"}, "Removed 0 checkpoints"},
	}
	for _, tt := range tests {
		t.Run(tt.args[len(tt.args)-1], func(t *testing.T) {
			var out bytes.Buffer
			rootCmd.SetOut(&out)
			rootCmd.SetArgs(append([]string{"--config", path}, tt.args...))
			require.NoError(t, rootCmd.Execute())
			assert.Contains(t, out.String(), tt.want)
		})
	}
}

func TestClearRequiresConfirmation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("history:\n  backend: memory\n"), 0o644))

	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs([]string{"--config", path, "maintenance", "clear"})
	assert.Error(t, rootCmd.Execute())
}
