package naming

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gypyanpeng/agent-history/internal/models"
	"github.com/gypyanpeng/agent-history/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var now = time.Date(2025, 7, 4, 18, 5, 0, 0, time.UTC)

func TestName(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"too short", "hi", "Conversation 07-04 18:05"},
		{"empty", "   ", "Conversation 07-04 18:05"},
		{"four runes", "abcd", "Conversation 07-04 18:05"},
		{"five runes", "hello", "hello"},
		{"whitespace collapsed", "  plan\n\n my   trip \t", "plan my trip"},
		{"exactly thirty", strings.Repeat("x", 30), strings.Repeat("x", 30)},
		{"forty chars", strings.Repeat("a", 40), strings.Repeat("a", 27) + "..."},
		{"question kept", "What is the weather going to be like tomorrow?", "What is the weather going t?"},
		{"full width question", strings.Repeat("天", 35) + "？", strings.Repeat("天", 27) + "？"},
		{"multibyte truncation", strings.Repeat("会", 31), strings.Repeat("会", 27) + "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Name(tt.content, now)
			assert.Equal(t, tt.want, got)
			assert.LessOrEqual(t, utf8.RuneCountInString(got), 31)
		})
	}
}

func TestNamer_NameIfUnset(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	thread := &models.Thread{ID: "t-1"}
	require.NoError(t, store.CreateThread(ctx, thread))

	namer := NewNamer(store, zap.NewNop())
	namer.now = func() time.Time { return now }

	named, err := namer.NameIfUnset(ctx, thread, "Book a table for two")
	require.NoError(t, err)
	assert.True(t, named)
	assert.Equal(t, "Book a table for two", *thread.Name)

	named, err = namer.NameIfUnset(ctx, thread, "something else entirely")
	require.NoError(t, err)
	assert.False(t, named)

	got, err := store.GetThread(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "Book a table for two", *got.Name)
}

func TestNamer_MissingThread(t *testing.T) {
	namer := NewNamer(storage.NewMemoryStorage(), zap.NewNop())
	_, err := namer.NameIfUnset(context.Background(), &models.Thread{ID: "gone"}, "hello there")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
