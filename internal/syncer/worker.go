// Package syncer ships pending records to downstream sinks and advances
// their sync watermark.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/llmdump/llmdump/internal/storage"
)

const (
	defaultPollInterval = 5 * time.Second
	shutdownFlush       = 10 * time.Second
)

// PendingStore abstracts the sync-state operations of a store.
type PendingStore interface {
	GetUnsynced(ctx context.Context) ([]storage.Row, error)
	MarkAsSynced(ctx context.Context, ids []string) error
}

// Batch is one push of pending records to a sink.
type Batch struct {
	Repo    string        `json:"repo"`
	Private bool          `json:"private"`
	Records []storage.Row `json:"records"`
}

//go:generate mockgen -destination=mock_sink_test.go -package=syncer github.com/llmdump/llmdump/internal/syncer Sink

// Sink accepts batches of records.
type Sink interface {
	Push(ctx context.Context, batch Batch) error
}

// Options configures a Worker.
type Options struct {
	// Repo names the downstream dataset.
	Repo    string
	Private bool
	// Every is the number of pending records that triggers a push.
	Every        int
	PollInterval time.Duration
}

// Worker periodically pushes pending records to every sink. Records are
// marked synced only when all sinks accepted the batch. Delivery is
// at-least-once: after a partial failure the whole batch is pushed again,
// so sinks that already accepted it (a FileSink appends) see duplicates.
type Worker struct {
	store  PendingStore
	sinks  []Sink
	opts   Options
	logger *slog.Logger
}

// NewWorker creates a Worker. Every defaults to 1 and PollInterval to 5s.
func NewWorker(store PendingStore, sinks []Sink, opts Options) *Worker {
	if opts.Every <= 0 {
		opts.Every = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	return &Worker{
		store:  store,
		sinks:  sinks,
		opts:   opts,
		logger: slog.Default(),
	}
}

// Run polls until ctx is cancelled, then flushes whatever is still pending.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			w.flushOnShutdown()
			return
		}

		if n, err := w.RunOnce(ctx); err != nil {
			w.logger.Error("sync iteration failed", "error", err)
		} else if n > 0 {
			w.logger.Info("synced records", "count", n, "repo", w.opts.Repo)
		}

		select {
		case <-ctx.Done():
			w.flushOnShutdown()
			return
		case <-time.After(w.opts.PollInterval):
		}
	}
}

func (w *Worker) flushOnShutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownFlush)
	defer cancel()
	if n, err := w.Flush(ctx); err != nil {
		w.logger.Error("final sync failed", "error", err)
	} else if n > 0 {
		w.logger.Info("synced records on shutdown", "count", n)
	}
}

// RunOnce pushes pending records if at least Every of them are waiting.
// It returns the number of records marked synced.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	rows, err := w.store.GetUnsynced(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading pending records: %w", err)
	}
	if len(rows) < w.opts.Every {
		return 0, nil
	}
	return w.push(ctx, rows)
}

// Flush pushes every pending record regardless of Every.
func (w *Worker) Flush(ctx context.Context) (int, error) {
	rows, err := w.store.GetUnsynced(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading pending records: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return w.push(ctx, rows)
}

func (w *Worker) push(ctx context.Context, rows []storage.Row) (int, error) {
	batch := Batch{Repo: w.opts.Repo, Private: w.opts.Private, Records: rows}

	g, gCtx := errgroup.WithContext(ctx)
	for _, sink := range w.sinks {
		g.Go(func() error {
			return sink.Push(gCtx, batch)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("pushing %d records: %w", len(rows), err)
	}

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	if err := w.store.MarkAsSynced(ctx, ids); err != nil {
		return 0, fmt.Errorf("marking records as synced: %w", err)
	}
	return len(ids), nil
}
