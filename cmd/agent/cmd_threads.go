package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/gypyanpeng/agent-history/internal/models"
	"github.com/gypyanpeng/agent-history/internal/recovery"
	"github.com/gypyanpeng/agent-history/internal/storage"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	listOwner  string
	listSearch string
	listLimit  int
	listCursor string
	exportPath string
)

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "Browse and manage stored conversations",
}

var threadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List threads, newest first",
	Args:  cobra.NoArgs,
	RunE:  listThreads,
}

var threadsShowCmd = &cobra.Command{
	Use:   "show [thread-id]",
	Short: "Print the reconstructed conversation of a thread",
	Args:  cobra.ExactArgs(1),
	RunE:  showThread,
}

var threadsRenameCmd = &cobra.Command{
	Use:   "rename [thread-id] [name]",
	Short: "Set the display name of a thread",
	Args:  cobra.ExactArgs(2),
	RunE:  renameThread,
}

var threadsDeleteCmd = &cobra.Command{
	Use:   "delete [thread-id]",
	Short: "Delete a thread, its steps and its checkpoints",
	Args:  cobra.ExactArgs(1),
	RunE:  deleteThread,
}

var threadsExportCmd = &cobra.Command{
	Use:   "export [thread-id]",
	Short: "Export a thread as YAML",
	Args:  cobra.ExactArgs(1),
	RunE:  exportThreadCmd,
}

func init() {
	threadsListCmd.Flags().StringVar(&listOwner, "owner", "", "Only threads owned by this user id")
	threadsListCmd.Flags().StringVar(&listSearch, "search", "", "Only threads whose name contains this text")
	threadsListCmd.Flags().IntVarP(&listLimit, "limit", "n", 0, "Page size (default from config)")
	threadsListCmd.Flags().StringVar(&listCursor, "cursor", "", "Continue after this cursor")
	threadsExportCmd.Flags().StringVarP(&exportPath, "output", "o", "", "Write to this file instead of stdout")

	threadsCmd.AddCommand(threadsListCmd, threadsShowCmd, threadsRenameCmd, threadsDeleteCmd, threadsExportCmd)
}

func listThreads(cmd *cobra.Command, args []string) error {
	store := openHistory(cfg.History, logger)
	defer store.Close()

	limit := listLimit
	if limit <= 0 {
		limit = cfg.Session.PageSize
	}
	page, err := store.ListThreads(cmd.Context(),
		storage.Pagination{First: limit, Cursor: listCursor},
		storage.ThreadFilter{OwnerID: listOwner, Search: listSearch})
	if err != nil {
		return fmt.Errorf("failed to list threads: %w", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCREATED\tOWNER\tNAME")
	for _, t := range page.Data {
		name := ""
		if t.Name != nil {
			name = *t.Name
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.CreatedAt.Local().Format("2006-01-02 15:04"), t.Owner(), name)
	}
	w.Flush()

	fmt.Fprintf(cmd.OutOrStdout(), "\n%d of %d threads", len(page.Data), page.Total)
	if page.PageInfo.HasNextPage {
		fmt.Fprintf(cmd.OutOrStdout(), " (next: --cursor %s)", page.PageInfo.EndCursor)
	}
	fmt.Fprintln(cmd.OutOrStdout())
	return nil
}

func showThread(cmd *cobra.Command, args []string) error {
	store := openHistory(cfg.History, logger)
	defer store.Close()

	thread, err := store.GetThread(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to load thread: %w", err)
	}
	res := recovery.Reconstruct(thread.Steps, recoveryOptions(cfg.Session))

	out := cmd.OutOrStdout()
	if thread.Name != nil {
		fmt.Fprintf(out, "# %s\n", *thread.Name)
	}
	if orphaned, _ := thread.Metadata["orphaned"].(bool); orphaned {
		fmt.Fprintln(out, "(thread record missing, recovered from its steps)")
	}
	for _, m := range res.Messages {
		fmt.Fprintf(out, "[%s] %s\n", m.Role, m.Content)
	}
	if n := len(res.Unclassified); n > 0 {
		fmt.Fprintf(out, "(%d steps without a known speaker were skipped)\n", n)
	}
	return nil
}

func renameThread(cmd *cobra.Command, args []string) error {
	store := openHistory(cfg.History, logger)
	defer store.Close()

	name := args[1]
	if _, err := store.UpdateThread(cmd.Context(), args[0], storage.ThreadUpdate{Name: &name}); err != nil {
		return fmt.Errorf("failed to rename thread: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Renamed %s to %q\n", args[0], name)
	return nil
}

func deleteThread(cmd *cobra.Command, args []string) error {
	store := openHistory(cfg.History, logger)
	defer store.Close()
	checkpoints := openCheckpoints(cfg.Checkpoint, logger)
	defer checkpoints.Close()

	if err := newManager(store, checkpoints).Delete(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
	return nil
}

func exportThreadCmd(cmd *cobra.Command, args []string) error {
	store := openHistory(cfg.History, logger)
	defer store.Close()

	thread, err := store.GetThread(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to load thread: %w", err)
	}

	out := cmd.OutOrStdout()
	if exportPath != "" {
		f, err := os.Create(exportPath)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", exportPath, err)
		}
		defer f.Close()
		out = f
	}
	return exportThread(out, thread, recovery.Reconstruct(thread.Steps, recoveryOptions(cfg.Session)).Messages)
}

// transcript is the exported YAML document.
type transcript struct {
	Thread   *models.Thread   `yaml:"thread"`
	Messages []models.Message `yaml:"messages"`
}

func exportThread(w io.Writer, thread *models.Thread, messages []models.Message) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(transcript{Thread: thread, Messages: messages}); err != nil {
		return fmt.Errorf("failed to encode thread: %w", err)
	}
	return enc.Close()
}
