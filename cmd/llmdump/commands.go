package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/llmdump/llmdump/internal/config"
	"github.com/llmdump/llmdump/internal/storage"
	"github.com/llmdump/llmdump/internal/syncer"
)

// withStore loads config, opens the configured store and runs fn against it.
func withStore(fn func(cfg config.Config, s *storage.SQLiteStore) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	s, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer s.Close()
	return fn(cfg, s)
}

// --- pending ---

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List records not yet synced",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		return withStore(func(_ config.Config, s *storage.SQLiteStore) error {
			return listPending(cmd.Context(), os.Stdout, s, asJSON)
		})
	},
}

func init() {
	pendingCmd.Flags().Bool("json", false, "print records as JSON lines")
}

func listPending(ctx context.Context, w io.Writer, s *storage.SQLiteStore, asJSON bool) error {
	rows, err := s.GetUnsynced(ctx)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(w)
		for _, r := range rows {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	}

	if len(rows) == 0 {
		fmt.Fprintln(w, "No pending records.")
		return nil
	}
	for _, r := range rows {
		printRow(w, r)
	}
	return nil
}

// --- show ---

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("output")
		return withStore(func(_ config.Config, s *storage.SQLiteStore) error {
			return showRecord(cmd.Context(), os.Stdout, s, args[0], format)
		})
	},
}

func init() {
	showCmd.Flags().StringP("output", "o", "json", "output format: json or yaml")
}

func showRecord(ctx context.Context, w io.Writer, s *storage.SQLiteStore, id, format string) error {
	row, err := s.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("record %s not found", id)
	}
	if err != nil {
		return err
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(row)
	case "yaml":
		data, err := yaml.Marshal(row)
		if err != nil {
			return fmt.Errorf("encoding record as yaml: %w", err)
		}
		_, err = w.Write(data)
		return err
	default:
		return fmt.Errorf("unknown output format %q (want json or yaml)", format)
	}
}

// --- mark-synced ---

var markSyncedCmd = &cobra.Command{
	Use:   "mark-synced <id>...",
	Short: "Mark records as synced",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(_ config.Config, s *storage.SQLiteStore) error {
			if err := s.MarkAsSynced(cmd.Context(), args); err != nil {
				return err
			}
			printSuccess("Marked %d record(s) as synced", len(args))
			return nil
		})
	},
}

// --- export ---

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export pending records as JSONL",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		mark, _ := cmd.Flags().GetBool("mark-synced")

		return withStore(func(_ config.Config, s *storage.SQLiteStore) error {
			var sink syncer.Sink
			if output != "" {
				sink = syncer.NewFileSink(output)
			} else {
				sink = writerSink{w: os.Stdout}
			}

			n, err := exportRecords(cmd.Context(), s, sink, mark)
			if err != nil {
				return err
			}
			if output != "" {
				printSuccess("Exported %d record(s) to %s", n, output)
			}
			return nil
		})
	},
}

func init() {
	exportCmd.Flags().String("output", "", "output file path, appended to (default: stdout)")
	exportCmd.Flags().Bool("mark-synced", false, "mark exported records as synced")
}

// writerSink writes batches as JSON lines to an io.Writer.
type writerSink struct {
	w io.Writer
}

func (ws writerSink) Push(_ context.Context, b syncer.Batch) error {
	enc := json.NewEncoder(ws.w)
	for _, r := range b.Records {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

// exportRecords pushes every pending record to sink. With mark set the
// records are marked synced afterwards.
func exportRecords(ctx context.Context, s *storage.SQLiteStore, sink syncer.Sink, mark bool) (int, error) {
	if mark {
		return syncer.NewWorker(s, []syncer.Sink{sink}, syncer.Options{}).Flush(ctx)
	}

	rows, err := s.GetUnsynced(ctx)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	if err := sink.Push(ctx, syncer.Batch{Records: rows}); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push all pending records to the configured sinks now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(cfg config.Config, s *storage.SQLiteStore) error {
			sinks := buildSinks(cmd.Context(), cfg.Sync, "")
			if len(sinks) == 0 {
				return fmt.Errorf("no sync target configured; set sync.endpoint or sync.export_path")
			}

			printStep("Syncing pending records...")
			n, err := syncer.NewWorker(s, sinks, syncOptions(cfg.Sync)).Flush(cmd.Context())
			if err != nil {
				return err
			}
			printSuccess("Synced %d record(s)", n)
			return nil
		})
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		fmt.Printf("  %s %s\n", colorize(colorBold, "file:"), config.ConfigFilePath())
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
