package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	dedupeThread string
	pruneKeep    int
	clearYes     bool
)

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Inspect and clean up the history and checkpoint stores",
}

var maintenanceStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show row counts per table",
	Args:  cobra.NoArgs,
	RunE:  showStats,
}

var maintenanceDedupeCmd = &cobra.Command{
	Use:   "dedupe",
	Short: "Remove duplicate steps and stored resume notices",
	Args:  cobra.NoArgs,
	RunE:  dedupeSteps,
}

var maintenancePruneCmd = &cobra.Command{
	Use:   "prune [thread-id]",
	Short: "Drop old checkpoints of a thread",
	Args:  cobra.ExactArgs(1),
	RunE:  pruneCheckpoints,
}

var maintenanceClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all conversation history and checkpoints",
	Args:  cobra.NoArgs,
	RunE:  clearHistory,
}

func init() {
	maintenanceDedupeCmd.Flags().StringVar(&dedupeThread, "thread", "", "Limit to one thread (default: all)")
	maintenancePruneCmd.Flags().IntVar(&pruneKeep, "keep", 10, "Number of newest checkpoints to keep")
	maintenanceClearCmd.Flags().BoolVar(&clearYes, "yes", false, "Confirm deleting everything")

	maintenanceCmd.AddCommand(maintenanceStatsCmd, maintenanceDedupeCmd, maintenancePruneCmd, maintenanceClearCmd)
}

func showStats(cmd *cobra.Command, args []string) error {
	store := openHistory(cfg.History, logger)
	defer store.Close()
	checkpoints := openCheckpoints(cfg.Checkpoint, logger)
	defer checkpoints.Close()

	stats, err := store.Stats(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read stats: %w", err)
	}
	cpStats, err := checkpoints.Stats(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read checkpoint stats: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "users:       %d\n", stats.Users)
	fmt.Fprintf(out, "threads:     %d\n", stats.Threads)
	fmt.Fprintf(out, "steps:       %d\n", stats.Steps)
	fmt.Fprintf(out, "attachments: %d\n", stats.Attachments)
	fmt.Fprintf(out, "feedback:    %d\n", stats.Feedback)
	fmt.Fprintf(out, "orphaned:    %d\n", stats.Orphaned)
	fmt.Fprintf(out, "checkpoints: %d\n", cpStats.Checkpoints)
	fmt.Fprintf(out, "writes:      %d\n", cpStats.Writes)
	return nil
}

func dedupeSteps(cmd *cobra.Command, args []string) error {
	store := openHistory(cfg.History, logger)
	defer store.Close()

	removed, err := store.DedupeSteps(cmd.Context(), dedupeThread, cfg.Session.Markers)
	if err != nil {
		return fmt.Errorf("failed to dedupe steps: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d steps\n", removed)
	return nil
}

func pruneCheckpoints(cmd *cobra.Command, args []string) error {
	checkpoints := openCheckpoints(cfg.Checkpoint, logger)
	defer checkpoints.Close()

	removed, err := checkpoints.Prune(cmd.Context(), args[0], pruneKeep)
	if err != nil {
		return fmt.Errorf("failed to prune checkpoints: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d checkpoints\n", removed)
	return nil
}

func clearHistory(cmd *cobra.Command, args []string) error {
	if !clearYes {
		return errors.New("refusing to clear history without --yes")
	}
	store := openHistory(cfg.History, logger)
	defer store.Close()
	checkpoints := openCheckpoints(cfg.Checkpoint, logger)
	defer checkpoints.Close()

	if err := newManager(store, checkpoints).Clear(cmd.Context()); err != nil {
		return err
	}
	logger.Warn("History cleared from the command line", zap.String("backend", cfg.History.Backend))
	fmt.Fprintln(cmd.OutOrStdout(), "History and checkpoints cleared")
	return nil
}
