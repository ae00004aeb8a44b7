package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/mock/gomock"

	"github.com/llmdump/llmdump/internal/record"
	"github.com/llmdump/llmdump/internal/storage"
)

type fakeSink struct {
	mu      sync.Mutex
	batches []Batch
	pushFn  func(ctx context.Context, b Batch) error
}

func (m *fakeSink) Push(ctx context.Context, b Batch) error {
	if m.pushFn != nil {
		if err := m.pushFn(ctx, b); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, b)
	return nil
}

func (m *fakeSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

func openTestStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func addRecords(t *testing.T, s *storage.SQLiteStore, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := range n {
		id := fmt.Sprintf("chatcmpl-%d", i)
		resp := openai.ChatCompletionResponse{
			ID:      id,
			Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Role: "assistant", Content: "ok"}}},
		}
		call := record.Call{Model: "m", Messages: record.Messages{{Role: "user", Content: "hi"}}}
		if err := s.Add(context.Background(), record.Build(call, &resp, nil)); err != nil {
			t.Fatalf("Add: %v", err)
		}
		ids[i] = id
	}
	return ids
}

func TestRunOnce_PushesAndMarksSynced(t *testing.T) {
	s := openTestStore(t)
	ids := addRecords(t, s, 3)
	sink := &fakeSink{}

	w := NewWorker(s, []Sink{sink}, Options{Repo: "me/calls", Private: true})
	n, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 3 {
		t.Errorf("synced = %d, want 3", n)
	}

	if sink.count() != 1 {
		t.Fatalf("batches = %d, want 1", sink.count())
	}
	b := sink.batches[0]
	if b.Repo != "me/calls" || !b.Private {
		t.Errorf("batch header = %q/%v", b.Repo, b.Private)
	}
	for i, r := range b.Records {
		if r.ID != ids[i] {
			t.Errorf("record[%d] = %q, want %q", i, r.ID, ids[i])
		}
	}

	pending, err := s.GetUnsynced(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("pending after sync = %d, want 0", len(pending))
	}
}

func TestRunOnce_WaitsForEvery(t *testing.T) {
	s := openTestStore(t)
	addRecords(t, s, 2)
	sink := &fakeSink{}

	w := NewWorker(s, []Sink{sink}, Options{Every: 3})
	n, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 0 || sink.count() != 0 {
		t.Fatalf("pushed below threshold: n=%d batches=%d", n, sink.count())
	}

	// Flush ignores the threshold.
	n, err = w.Flush(context.Background())
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if n != 2 {
		t.Errorf("flushed = %d, want 2", n)
	}
}

func TestRunOnce_SinkFailureKeepsPending(t *testing.T) {
	s := openTestStore(t)
	addRecords(t, s, 2)

	good := &fakeSink{}
	bad := &fakeSink{pushFn: func(context.Context, Batch) error { return errors.New("endpoint down") }}

	w := NewWorker(s, []Sink{good, bad}, Options{})
	if _, err := w.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error from failing sink")
	}

	pending, err := s.GetUnsynced(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Errorf("pending = %d, want 2 after failed push", len(pending))
	}
}

func TestRunOnce_RedeliversAfterPartialFailure(t *testing.T) {
	s := openTestStore(t)
	addRecords(t, s, 2)

	failing := true
	good := &fakeSink{}
	flaky := &fakeSink{pushFn: func(context.Context, Batch) error {
		if failing {
			return errors.New("endpoint down")
		}
		return nil
	}}

	w := NewWorker(s, []Sink{good, flaky}, Options{})
	if _, err := w.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error from failing sink")
	}

	failing = false
	n, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 2 {
		t.Errorf("pushed = %d, want 2", n)
	}
	if good.count() != 2 {
		t.Errorf("good sink batches = %d, want 2 (batch delivered again)", good.count())
	}
	if flaky.count() != 1 {
		t.Errorf("flaky sink batches = %d, want 1", flaky.count())
	}

	st, _ := s.Stats(context.Background())
	if st.Pending != 0 {
		t.Errorf("pending = %d, want 0", st.Pending)
	}
}

func TestFlush_Empty(t *testing.T) {
	s := openTestStore(t)
	sink := &fakeSink{}

	w := NewWorker(s, []Sink{sink}, Options{})
	n, err := w.Flush(context.Background())
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if n != 0 || sink.count() != 0 {
		t.Errorf("empty flush pushed: n=%d batches=%d", n, sink.count())
	}
}

func TestRun_FlushesOnShutdown(t *testing.T) {
	s := openTestStore(t)
	addRecords(t, s, 1)
	sink := &fakeSink{}

	w := NewWorker(s, []Sink{sink}, Options{Every: 10, PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	if sink.count() != 0 {
		t.Fatal("pushed before threshold was reached")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	if sink.count() != 1 {
		t.Errorf("batches after shutdown = %d, want 1", sink.count())
	}
	st, err := s.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Pending != 0 || st.Synced != 1 {
		t.Errorf("stats = %+v, want 1 synced", st)
	}
}

func TestNewWorker_Defaults(t *testing.T) {
	w := NewWorker(nil, nil, Options{Every: -1})
	if w.opts.Every != 1 {
		t.Errorf("Every = %d, want 1", w.opts.Every)
	}
	if w.opts.PollInterval != defaultPollInterval {
		t.Errorf("PollInterval = %v, want %v", w.opts.PollInterval, defaultPollInterval)
	}
}

func TestPush_SameBatchToEverySink(t *testing.T) {
	s := openTestStore(t)
	addRecords(t, s, 2)

	ctrl := gomock.NewController(t)
	first, second := NewMockSink(ctrl), NewMockSink(ctrl)

	var seen []Batch
	var mu sync.Mutex
	capture := func(_ context.Context, b Batch) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, b)
		return nil
	}
	first.EXPECT().Push(gomock.Any(), gomock.Any()).DoAndReturn(capture).Times(1)
	second.EXPECT().Push(gomock.Any(), gomock.Any()).DoAndReturn(capture).Times(1)

	w := NewWorker(s, []Sink{first, second}, Options{Repo: "me/calls", Every: 2})
	n, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 2 {
		t.Errorf("synced = %d, want 2", n)
	}
	if len(seen) != 2 || len(seen[0].Records) != 2 || seen[0].Records[0].ID != seen[1].Records[0].ID {
		t.Errorf("sinks received different batches: %+v", seen)
	}
}

func TestPush_NoSinkCalledBelowThreshold(t *testing.T) {
	s := openTestStore(t)
	addRecords(t, s, 1)

	ctrl := gomock.NewController(t)
	sink := NewMockSink(ctrl)
	sink.EXPECT().Push(gomock.Any(), gomock.Any()).Times(0)

	w := NewWorker(s, []Sink{sink}, Options{Every: 5})
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
}
