package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/gypyanpeng/agent-history/internal/chat"
	"github.com/spf13/cobra"
)

var resumeID string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive conversation",
	Long: `Opens a line-oriented chat session. Lines starting with "/" are
commands (/help lists them); anything else goes to the assistant.

Example:
  agent chat --resume admin_1a2b3c4d`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&resumeID, "resume", "r", "", "Resume the thread with this id")
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := openHistory(cfg.History, logger)
	defer store.Close()
	checkpoints := openCheckpoints(cfg.Checkpoint, logger)
	defer checkpoints.Close()

	b := chat.New(newManager(store, checkpoints), store, cfg.Session.User, cmd.OutOrStdout(), logger)
	if err := b.Start(ctx, resumeID); err != nil {
		return err
	}
	if err := b.Run(ctx, cmd.InOrStdin()); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
