package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/chatrecipe/internal/config"
	"github.com/user/chatrecipe/internal/state"
	"github.com/user/chatrecipe/internal/transcript"
	"github.com/user/chatrecipe/internal/types"
)

var (
	exportOut string
	clearAll  bool
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyListCmd, historyShowCmd, historyExportCmd, historyClearCmd)
	historyExportCmd.Flags().StringVarP(&exportOut, "output", "o", "", "write to file instead of stdout")
	historyClearCmd.Flags().BoolVar(&clearAll, "all", false, "clear every stored conversation")
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect and manage stored conversations",
}

// openStore opens the configured backend for offline use. The caller closes
// the returned backend.
func openStore(cfg *config.Config) (*state.Store, func(), error) {
	backend, err := state.OpenBackend(cfg.Store.Backend, cfg.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	store := state.NewStore(backend, state.StoreOptions{
		MaxBytes:    cfg.Store.MaxBytes,
		KeepRecent:  cfg.Store.KeepRecent,
		RetryRecent: cfg.Store.RetryRecent,
	}, slog.Default())
	closeFn := func() {
		if err := backend.Close(); err != nil {
			slog.Warn("close store failed", "error", err)
		}
	}
	return store, closeFn, nil
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored conversations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		store, closeFn, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer closeFn()

		ctx := context.Background()
		keys, err := store.Keys(ctx)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		counter := transcript.NewCounter(transcript.DefaultModel)
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tMESSAGES\tTOKENS\tLAST ACTIVITY\tPREVIEW")
		for _, key := range keys {
			msgs := store.Load(ctx, key)
			stats := transcript.Summarize(counter, msgs)
			last := "-"
			if !stats.LastActivity.IsZero() {
				last = stats.LastActivity.Format("2006-01-02 15:04:05")
			}
			preview := ""
			if len(msgs) > 0 {
				preview = transcript.Preview(msgs[len(msgs)-1].Text, 48)
			}
			fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n", key, stats.Messages, stats.Tokens, last, preview)
		}
		return w.Flush()
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <key>",
	Short: "Print a stored conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		store, closeFn, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer closeFn()

		msgs := store.Load(context.Background(), types.StorageKey(args[0]))
		if len(msgs) == 0 {
			return fmt.Errorf("conversation not found: %s", args[0])
		}
		for _, m := range msgs {
			fmt.Fprintf(os.Stdout, "%s  %s: %s\n", m.CreatedAt.Format("15:04:05"), author(m), m.Text)
		}
		return nil
	},
}

var historyExportCmd = &cobra.Command{
	Use:   "export <key>",
	Short: "Export a stored conversation as markdown",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		store, closeFn, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer closeFn()

		key := types.StorageKey(args[0])
		msgs := store.Load(context.Background(), key)
		if len(msgs) == 0 {
			return fmt.Errorf("conversation not found: %s", args[0])
		}
		doc := transcript.Markdown(key, msgs)
		if exportOut == "" {
			fmt.Fprint(os.Stdout, doc)
			return nil
		}
		if err := os.WriteFile(exportOut, []byte(doc), 0644); err != nil {
			return fmt.Errorf("write export: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Exported %s to %s\n", key, exportOut)
		return nil
	},
}

var historyClearCmd = &cobra.Command{
	Use:   "clear [key]",
	Short: "Clear a stored conversation, or all of them with --all",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if clearAll == (len(args) == 1) {
			return fmt.Errorf("pass either a key or --all")
		}
		cfg := loadConfig()
		setupLogging(cfg)
		store, closeFn, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer closeFn()

		ctx := context.Background()
		if !clearAll {
			if err := store.Clear(ctx, types.StorageKey(args[0])); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Conversation %s cleared.\n", args[0])
			return nil
		}

		keys, err := store.Keys(ctx)
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := store.Clear(ctx, key); err != nil {
				return err
			}
		}
		fmt.Fprintf(os.Stdout, "%d conversations cleared.\n", len(keys))
		return nil
	},
}
