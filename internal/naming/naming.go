// Package naming derives short thread titles from the first user message.
package naming

import (
	"context"
	"strings"
	"time"

	"github.com/gypyanpeng/agent-history/internal/models"
	"github.com/gypyanpeng/agent-history/internal/storage"
	"go.uber.org/zap"
)

const (
	minRunes   = 5
	maxRunes   = 30
	keepRunes  = 27
	ellipsis   = "..."
	fallbackAt = "01-02 15:04"
)

// Name turns message content into a thread title of at most 31 runes.
// Short or empty content gets a timestamped fallback.
func Name(content string, now time.Time) string {
	text := strings.Join(strings.Fields(content), " ")
	runes := []rune(text)

	if len(runes) < minRunes {
		return "Conversation " + now.Format(fallbackAt)
	}
	if len(runes) <= maxRunes {
		return text
	}

	title := string(runes[:keepRunes]) + ellipsis
	if last := runes[len(runes)-1]; last == '?' || last == '？' {
		title = strings.TrimRight(title, ".") + string(last)
	}
	return title
}

// Namer writes titles to threads that do not have one yet.
type Namer struct {
	store  storage.ThreadStore
	now    func() time.Time
	logger *zap.Logger
}

func NewNamer(store storage.ThreadStore, logger *zap.Logger) *Namer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Namer{store: store, now: time.Now, logger: logger}
}

// NameIfUnset titles the thread from firstMessage unless it already has a name.
// It reports whether a name was written.
func (n *Namer) NameIfUnset(ctx context.Context, thread *models.Thread, firstMessage string) (bool, error) {
	if thread.HasName() {
		return false, nil
	}

	name := Name(firstMessage, n.now())
	updated, err := n.store.UpdateThread(ctx, thread.ID, storage.ThreadUpdate{Name: &name})
	if err != nil {
		n.logger.Error("Failed to name thread", zap.String("thread_id", thread.ID), zap.Error(err))
		return false, err
	}

	thread.Name = updated.Name
	n.logger.Debug("Thread named", zap.String("thread_id", thread.ID), zap.String("name", name))
	return true, nil
}
