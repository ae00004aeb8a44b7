package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/llmdump/llmdump/internal/api"
	"github.com/llmdump/llmdump/internal/config"
	"github.com/llmdump/llmdump/internal/observer"
	"github.com/llmdump/llmdump/internal/proxy"
	"github.com/llmdump/llmdump/internal/storage"
	"github.com/llmdump/llmdump/internal/syncer"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the recording proxy (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running llmdump server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server and store status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func storePath(cfg config.Config) string {
	if cfg.Storage.Path == "" {
		return storage.DefaultPath()
	}
	return cfg.Storage.Path
}

func pidFilePath(cfg config.Config) string {
	return filepath.Join(filepath.Dir(storePath(cfg)), "llmdump.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// recorderOptions maps record config onto observer options.
func recorderOptions(cfg config.Config) []observer.Option {
	opts := []observer.Option{observer.WithTags(cfg.Record.TagList()...)}
	if cfg.Record.IsolateStoreErrors {
		opts = append(opts, observer.IsolateStoreErrors())
	}
	return opts
}

// buildSinks returns the sinks enabled by cfg. exportPath overrides the
// configured export file when non-empty.
func buildSinks(ctx context.Context, cfg config.SyncConfig, exportPath string) []syncer.Sink {
	var sinks []syncer.Sink
	if cfg.Endpoint != "" {
		sinks = append(sinks, syncer.NewHTTPSink(ctx, syncer.HTTPSinkConfig{
			Endpoint:     cfg.Endpoint,
			Token:        cfg.Token,
			TokenURL:     cfg.TokenURL,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
		}))
	}
	if exportPath == "" {
		exportPath = cfg.ExportPath
	}
	if exportPath != "" {
		sinks = append(sinks, syncer.NewFileSink(exportPath))
	}
	return sinks
}

func syncOptions(cfg config.SyncConfig) syncer.Options {
	return syncer.Options{
		Repo:         cfg.Repo,
		Private:      cfg.Private,
		Every:        cfg.Every,
		PollInterval: cfg.Interval,
	}
}

func runServer() error {
	fmt.Fprintf(stderr, "llmdump version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	pidPath := pidFilePath(cfg)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		printWarning("llmdump is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer os.Remove(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()
	slog.Info("store opened", "path", store.Path())

	if cfg.Upstream.APIKey == "" {
		slog.Warn("no upstream API key configured; set LLMDUMP_UPSTREAM_API_KEY")
	}
	upstream := proxy.NewClient(cfg.Upstream.APIKey, cfg.Upstream.BaseURL)
	recorder := observer.Wrap(upstream, store, recorderOptions(cfg)...)

	handler := api.NewHandler(recorder, api.RecordDeps{
		Store: store,
		Token: cfg.Server.Token,
	})

	workerDone := make(chan struct{})
	if cfg.Sync.Enabled() {
		// Sinks outlive ctx: the worker flushes through them after shutdown starts.
		worker := syncer.NewWorker(store, buildSinks(context.Background(), cfg.Sync, ""), syncOptions(cfg.Sync))
		go func() {
			worker.Run(ctx)
			close(workerDone)
		}()
		slog.Info("sync worker started", "repo", cfg.Sync.Repo, "every", cfg.Sync.Every, "interval", cfg.Sync.Interval)
	} else {
		close(workerDone)
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(stderr, "llmdump listening on %s (upstream %s)\n", addr, cfg.Upstream.BaseURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		fmt.Fprintln(stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("server error: %w", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}

	// The worker flushes pending records before the store closes.
	<-workerDone
	return serveErr
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("llmdump is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop llmdump (PID %d): %v", pid, err)
		os.Remove(pidPath)
		return err
	}

	printSuccess("Sent stop signal to llmdump (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := newAPIClient(cfg)
	running := false
	if resp, err := client.get(ctx, "/health"); err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	st, err := fetchStats(ctx, cfg, client, running)
	if err != nil {
		printStatus("Records", "unavailable (%v)", err)
	} else {
		printStatus("Records", "%d total, %d pending, %d synced", st.Total, st.Pending, st.Synced)
	}

	printStatus("Store", "%s", storePath(cfg))
	printStatus("Upstream", "%s", cfg.Upstream.BaseURL)
	switch {
	case cfg.Sync.Endpoint != "":
		printStatus("Sync", "%s every %d records", cfg.Sync.Endpoint, cfg.Sync.Every)
	case cfg.Sync.ExportPath != "":
		printStatus("Sync", "export to %s every %d records", cfg.Sync.ExportPath, cfg.Sync.Every)
	default:
		printStatus("Sync", "disabled")
	}
	return nil
}

// fetchStats asks the running server, falling back to reading the store.
func fetchStats(ctx context.Context, cfg config.Config, client *apiClient, running bool) (storage.Stats, error) {
	var st storage.Stats
	if running {
		resp, err := client.get(ctx, "/v1/records/stats")
		if err == nil {
			if err := decodeJSON(resp, &st); err == nil {
				return st, nil
			}
		}
	}

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return st, err
	}
	defer store.Close()
	return store.Stats(ctx)
}
