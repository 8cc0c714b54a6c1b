package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmehdipour/treesync/internal/app"
	"github.com/jmehdipour/treesync/internal/model"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the local write queue",
}

var (
	listStatus  string
	exportOut   string
	exportDesc  string
	importIn    string
	importForce bool
)

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued entries in replay order",
	RunE: func(cmd *cobra.Command, args []string) error {
		status := model.Status(listStatus)
		if status != "" && !status.Valid() {
			return fmt.Errorf("unknown status %q", listStatus)
		}
		return withApp(func(ctx context.Context, a *app.App) error {
			entries, err := a.Queue.List(ctx, status)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, entryRow(e))
			}
			headers := []string{"ID", "Action", "Target", "Name", "Status", "Retries", "Queued", "Last error"}
			aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(headers, rows, aligns))
			return nil
		})
	},
}

var queueExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the queue as a versioned JSON artifact",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			var w io.Writer = cmd.OutOrStdout()
			if exportOut != "" && exportOut != "-" {
				f, err := os.Create(exportOut)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			n, err := a.Codec.ExportTo(ctx, w, exportDesc)
			if err != nil {
				return err
			}
			if w != cmd.OutOrStdout() {
				fmt.Fprintf(cmd.OutOrStdout(), ">> exported %d entries to %s\n", n, exportOut)
			}
			return nil
		})
	},
}

var queueImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Replace the queue with the contents of an export artifact",
	RunE: func(cmd *cobra.Command, args []string) error {
		if importIn == "" {
			return fmt.Errorf("--in is required")
		}
		return withApp(func(ctx context.Context, a *app.App) error {
			if !importForce {
				stats, err := a.Queue.Stats(ctx)
				if err != nil {
					return err
				}
				if total(stats) > 0 {
					return fmt.Errorf("queue holds %d entries; pass --force to replace them", total(stats))
				}
			}
			var r io.Reader = cmd.InOrStdin()
			if importIn != "-" {
				f, err := os.Open(importIn)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			n, err := a.Codec.ImportFrom(ctx, r)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), ">> imported %d entries ✅\n", n)
			return nil
		})
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Release a failed entry for the next sync cycle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			return a.Queue.Retry(ctx, args[0])
		})
	},
}

var queueDiscardCmd = &cobra.Command{
	Use:   "discard <id>",
	Short: "Drop an entry without syncing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			return a.Queue.Discard(ctx, args[0])
		})
	},
}

func init() {
	queueListCmd.Flags().StringVar(&listStatus, "status", "", "only show entries with this status (pending|syncing|synced|failed)")
	queueExportCmd.Flags().StringVarP(&exportOut, "out", "o", "-", "output file, - for stdout")
	queueExportCmd.Flags().StringVar(&exportDesc, "description", "", "description stored in the artifact metadata")
	queueImportCmd.Flags().StringVarP(&importIn, "in", "i", "", "artifact file, - for stdin")
	queueImportCmd.Flags().BoolVar(&importForce, "force", false, "replace a non-empty queue")

	queueCmd.AddCommand(queueListCmd, queueExportCmd, queueImportCmd, queueRetryCmd, queueDiscardCmd)
}

// withApp opens the store-backed components only; nothing here talks to the remote.
func withApp(fn func(ctx context.Context, a *app.App) error) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx := context.Background()
	a, err := app.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func entryRow(e model.QueueEntry) []string {
	status := e.Status.String()
	if e.NeedsResolution {
		status += " (needs resolution)"
	}
	return []string{
		e.ID,
		e.Action.String(),
		e.DocumentKey(),
		e.Metadata.DisplayName,
		status,
		strconv.Itoa(e.RetryCount),
		e.Timestamp.Local().Format(time.DateTime),
		e.LastError,
	}
}

func total(stats map[model.Status]int) int {
	n := 0
	for _, c := range stats {
		n += c
	}
	return n
}
