// Package chat is a line-oriented front end for conversation sessions.
package chat

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gypyanpeng/agent-history/internal/recovery"
	"github.com/gypyanpeng/agent-history/internal/session"
	"github.com/gypyanpeng/agent-history/internal/storage"
	"go.uber.org/zap"
)

type Bot struct {
	sessions *session.Manager
	store    storage.ThreadStore
	user     string
	current  *session.Context
	out      io.Writer
	logger   *zap.Logger
}

func New(sessions *session.Manager, store storage.ThreadStore, user string, out io.Writer, logger *zap.Logger) *Bot {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bot{
		sessions: sessions,
		store:    store,
		user:     user,
		out:      out,
		logger:   logger,
	}
}

// Start opens the first session: a resumed thread when resumeID is set, a new one otherwise.
func (b *Bot) Start(ctx context.Context, resumeID string) error {
	if resumeID != "" {
		if b.handleResume(ctx, resumeID) {
			return nil
		}
	}
	return b.startNew(ctx)
}

// Run reads lines from in until EOF, /quit or context cancellation.
func (b *Bot) Run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	b.prompt()
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case strings.HasPrefix(line, "/"):
			if !b.handleCommand(ctx, line) {
				return nil
			}
		default:
			b.handleMessage(ctx, line)
		}
		b.prompt()
	}
	return scanner.Err()
}

func (b *Bot) prompt() {
	fmt.Fprint(b.out, "> ")
}

func (b *Bot) handleMessage(ctx context.Context, content string) {
	if b.current == nil {
		if err := b.startNew(ctx); err != nil {
			return
		}
	}

	reply, err := b.sessions.Send(ctx, b.current, content)
	if err != nil {
		b.logger.Error("Failed to handle message",
			zap.Error(err),
			zap.String("thread_id", b.current.ThreadID))
		b.sendMessage("Sorry, I couldn't answer that. Please try again.")
		return
	}
	b.sendMessage(reply)
}

// handleCommand runs one slash command and reports whether the loop continues.
func (b *Bot) handleCommand(ctx context.Context, line string) bool {
	fields := strings.Fields(strings.TrimPrefix(line, "/"))
	if len(fields) == 0 {
		b.sendMessage("Unknown command. Use /help to see available commands.")
		return true
	}
	command, args := fields[0], fields[1:]

	switch command {
	case "new":
		b.startNew(ctx)
	case "resume":
		if len(args) != 1 {
			b.sendMessage("Usage: /resume <thread id>")
			return true
		}
		b.handleResume(ctx, args[0])
	case "history":
		b.handleHistory(ctx)
	case "threads":
		b.handleThreads(ctx)
	case "help":
		b.handleHelp()
	case "quit", "exit":
		b.sendMessage("Bye!")
		return false
	default:
		b.sendMessage("Unknown command. Use /help to see available commands.")
	}
	return true
}

func (b *Bot) startNew(ctx context.Context) error {
	sc, err := b.sessions.Start(ctx, b.user)
	if err != nil {
		b.logger.Error("Failed to start session", zap.Error(err), zap.String("user", b.user))
		b.sendMessage("Sorry, I couldn't start a new conversation. Please try again.")
		return err
	}
	b.current = sc
	b.sendMessage(fmt.Sprintf("New conversation %s", sc.ThreadID))
	return nil
}

func (b *Bot) handleResume(ctx context.Context, threadID string) bool {
	sc, resumed, err := b.sessions.Resume(ctx, b.user, threadID)
	if err != nil {
		b.logger.Error("Failed to resume session", zap.Error(err), zap.String("thread_id", threadID))
		if errors.Is(err, storage.ErrNotFound) {
			b.sendMessage(fmt.Sprintf("Sorry, conversation %s doesn't exist.", threadID))
		} else {
			b.sendMessage("Sorry, I couldn't resume that conversation. Please try again.")
		}
		return false
	}
	b.current = sc
	b.sendMessage(recovery.Notice(len(resumed.Messages)))
	return true
}

func (b *Bot) handleHistory(ctx context.Context) {
	if b.current == nil {
		b.sendMessage("No active conversation.")
		return
	}
	messages, err := b.sessions.History(ctx, b.current.ThreadID)
	if err != nil {
		b.logger.Error("Failed to get history", zap.Error(err), zap.String("thread_id", b.current.ThreadID))
		b.sendMessage("Sorry, I couldn't retrieve the history. Please try again.")
		return
	}
	if len(messages) == 0 {
		b.sendMessage("No messages yet.")
		return
	}

	var response strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&response, "[%s] %s\n", m.Role, m.Content)
	}
	b.sendMessage(strings.TrimRight(response.String(), "\n"))
}

func (b *Bot) handleThreads(ctx context.Context) {
	filter := storage.ThreadFilter{}
	if b.current != nil {
		filter.OwnerID = b.current.UserID
	}
	page, err := b.store.ListThreads(ctx, storage.Pagination{First: 10}, filter)
	if err != nil {
		b.logger.Error("Failed to list threads", zap.Error(err))
		b.sendMessage("Sorry, I couldn't list your conversations. Please try again.")
		return
	}
	if len(page.Data) == 0 {
		b.sendMessage("You don't have any conversations yet.")
		return
	}

	var response strings.Builder
	fmt.Fprintf(&response, "Your conversations (%d):\n", page.Total)
	for _, t := range page.Data {
		name := "(untitled)"
		if t.HasName() {
			name = *t.Name
		}
		fmt.Fprintf(&response, "%s  %s  %s\n", t.ID, t.CreatedAt.Local().Format("2006-01-02 15:04"), name)
	}
	b.sendMessage(strings.TrimRight(response.String(), "\n"))
}

func (b *Bot) handleHelp() {
	help := `Available commands:
/new - Start a new conversation
/resume <id> - Continue an earlier conversation
/history - Show the current conversation
/threads - List your conversations
/help - Show this help message
/quit - Leave

Anything else is sent to the assistant.`

	b.sendMessage(help)
}

func (b *Bot) sendMessage(text string) {
	if _, err := fmt.Fprintln(b.out, text); err != nil {
		b.logger.Error("Failed to write message", zap.Error(err))
	}
}
