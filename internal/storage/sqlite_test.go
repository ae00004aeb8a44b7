package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/sashabaranov/go-openai"

	"github.com/llmdump/llmdump/internal/record"
)

var ctx = context.Background()

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func successRecord(id string) record.Record {
	resp := openai.ChatCompletionResponse{
		ID: id,
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Role: "assistant", Content: "hello"},
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: openai.Usage{CompletionTokens: 1, PromptTokens: 5, TotalTokens: 6},
	}
	call := record.Call{
		Model:      "m",
		Messages:   record.Messages{{Role: "user", Content: "hi"}},
		Tags:       []string{"a", "b"},
		Properties: map[string]any{"env": "test"},
	}
	return record.Build(call, &resp, nil)
}

func failureRecord(msg string) record.Record {
	call := record.Call{Model: "m", Messages: record.Messages{{Role: "user", Content: "hi"}}}
	return record.Build(call, nil, errors.New(msg))
}

// TestSchemaColumnsOrdered verifies the table columns follow the declared schema order.
func TestSchemaColumnsOrdered(t *testing.T) {
	s := openTestStore(t)

	rows, err := s.db.Query("PRAGMA table_info(openai_records)")
	if err != nil {
		t.Fatalf("table_info: %v", err)
	}
	defer rows.Close()

	var got []string
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, typ        string
			dflt             any
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			t.Fatal(err)
		}
		got = append(got, name)
	}

	want := []string{
		"id", "model", "timestamp", "messages", "assistant_message",
		"completion_tokens", "prompt_tokens", "total_tokens", "finish_reason",
		"tool_calls", "function_call", "tags", "properties", "error",
		"raw_response", "synced_at",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("columns = %v, want %v", got, want)
	}
}

// TestOpenIdempotent reopens a file database and verifies rows survive and
// schema creation is non-destructive.
func TestOpenIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "store.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	if err := s1.Add(ctx, successRecord("r1")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	if _, err := s2.Get(ctx, "r1"); err != nil {
		t.Errorf("Get after reopen: %v", err)
	}
	if s2.Path() != path {
		t.Errorf("Path = %q, want %q", s2.Path(), path)
	}
}

func TestOpen_RejectsIncompatibleTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	reordered := &record.Schema{
		Table: "openai_records",
		Columns: []record.Column{
			{Name: "id", Type: "TEXT", PrimaryKey: true},
			{Name: "synced_at", Type: "DATETIME"},
		},
	}
	if _, err := Open(path, reordered); !errors.Is(err, ErrSchemaMismatch) {
		t.Errorf("Open error = %v, want ErrSchemaMismatch", err)
	}
}

func TestAddAndGet_Success(t *testing.T) {
	s := openTestStore(t)

	if err := s.Add(ctx, successRecord("r1")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Model != "m" {
		t.Errorf("Model = %q, want m", got.Model)
	}
	if got.AssistantMessage == nil || *got.AssistantMessage != "hello" {
		t.Errorf("AssistantMessage = %v, want hello", got.AssistantMessage)
	}
	if got.FinishReason == nil || *got.FinishReason != "stop" {
		t.Errorf("FinishReason = %v, want stop", got.FinishReason)
	}
	if *got.CompletionTokens != 1 || *got.PromptTokens != 5 || *got.TotalTokens != 6 {
		t.Errorf("usage = %d/%d/%d, want 1/5/6", *got.CompletionTokens, *got.PromptTokens, *got.TotalTokens)
	}
	if got.Error != nil {
		t.Errorf("Error = %q, want nil", *got.Error)
	}
	if got.SyncedAt != nil {
		t.Errorf("SyncedAt = %v, want nil", got.SyncedAt)
	}
	if len(got.Messages) != 1 || got.Messages[0].Content != "hi" {
		t.Errorf("Messages = %+v", got.Messages)
	}
	if got.Timestamp.IsZero() {
		t.Error("Timestamp not persisted")
	}

	var raw map[string]any
	if err := json.Unmarshal(got.RawResponse, &raw); err != nil {
		t.Fatalf("decoding raw_response: %v", err)
	}
	if raw["id"] != "r1" {
		t.Errorf("raw_response.id = %v, want r1", raw["id"])
	}
}

func TestAddAndGet_UnencodableResponseKeepsRaw(t *testing.T) {
	s := openTestStore(t)

	resp := openai.ChatCompletionResponse{
		ID: "r-multi",
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				Role:    "assistant",
				Content: "x",
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: "x"},
				},
			},
		}},
	}
	call := record.Call{Model: "m", Messages: record.Messages{{Role: "user", Content: "hi"}}}
	if err := s.Add(ctx, record.Build(call, &resp, nil)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, err := s.Get(ctx, "r-multi")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Error != nil {
		t.Errorf("Error = %q, want nil", *got.Error)
	}
	if got.RawResponse == nil {
		t.Fatal("success row has neither raw_response nor error")
	}
	if got.TotalTokens != nil {
		t.Errorf("TotalTokens = %d, want nil without usage", *got.TotalTokens)
	}
}

func TestAddAndGet_Failure(t *testing.T) {
	s := openTestStore(t)

	rec := failureRecord("rate limited")
	if err := s.Add(ctx, rec); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, err := s.Get(ctx, rec.Base().ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.FinishReason == nil || *got.FinishReason != "error" {
		t.Errorf("FinishReason = %v, want error", got.FinishReason)
	}
	if got.Error == nil || *got.Error != "rate limited" {
		t.Errorf("Error = %v, want rate limited", got.Error)
	}
	if got.RawResponse != nil {
		t.Errorf("RawResponse = %s, want nil", got.RawResponse)
	}
	if got.AssistantMessage != nil || got.TotalTokens != nil {
		t.Errorf("response-derived fields should be NULL: %+v", got)
	}
}

// TestJSONCoercion verifies tags are stored as JSON text, not a native array.
func TestJSONCoercion(t *testing.T) {
	s := openTestStore(t)
	if err := s.Add(ctx, successRecord("r1")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	var tags, props string
	err := s.db.QueryRow("SELECT tags, properties FROM openai_records WHERE id = 'r1'").Scan(&tags, &props)
	if err != nil {
		t.Fatalf("select: %v", err)
	}

	var decoded []string
	if err := json.Unmarshal([]byte(tags), &decoded); err != nil {
		t.Fatalf("tags %q is not JSON: %v", tags, err)
	}
	if !reflect.DeepEqual(decoded, []string{"a", "b"}) {
		t.Errorf("tags = %v, want [a b]", decoded)
	}
	if props != `{"env":"test"}` {
		t.Errorf("properties = %q", props)
	}
}

func TestJSONCoercion_EmptyIsNull(t *testing.T) {
	s := openTestStore(t)
	rec := failureRecord("boom")
	if err := s.Add(ctx, rec); err != nil {
		t.Fatalf("Add: %v", err)
	}

	var tags, toolCalls any
	err := s.db.QueryRow("SELECT tags, tool_calls FROM openai_records WHERE id = ?", rec.Base().ID).Scan(&tags, &toolCalls)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if tags != nil || toolCalls != nil {
		t.Errorf("tags = %v, tool_calls = %v, want NULL", tags, toolCalls)
	}
}

func TestAdd_DuplicateID(t *testing.T) {
	s := openTestStore(t)

	if err := s.Add(ctx, successRecord("r1")); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	err := s.Add(ctx, successRecord("r1"))
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("second Add error = %v, want ErrDuplicateID", err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 1 {
		t.Errorf("Total = %d, want 1", st.Total)
	}
}

type mismatchedRecord struct{ record.Record }

func (m mismatchedRecord) Fields() map[string]any {
	f := m.Record.Fields()
	delete(f, "model")
	return f
}

func TestAdd_SchemaMismatch(t *testing.T) {
	s := openTestStore(t)

	err := s.Add(ctx, mismatchedRecord{successRecord("r1")})
	if !errors.Is(err, ErrSchemaMismatch) {
		t.Errorf("Add error = %v, want ErrSchemaMismatch", err)
	}
}

func TestSyncedAtForcedNull(t *testing.T) {
	s := openTestStore(t)

	rec := syncedRecord{successRecord("r1")}
	if err := s.Add(ctx, rec); err != nil {
		t.Fatalf("Add: %v", err)
	}
	got, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.SyncedAt != nil {
		t.Errorf("SyncedAt = %v, want nil", got.SyncedAt)
	}
}

type syncedRecord struct{ record.Record }

func (r syncedRecord) Fields() map[string]any {
	f := r.Record.Fields()
	f["synced_at"] = "2024-01-01T00:00:00Z"
	return f
}

func TestMarkAsSynced(t *testing.T) {
	s := openTestStore(t)
	for _, id := range []string{"r1", "r2", "r3"} {
		if err := s.Add(ctx, successRecord(id)); err != nil {
			t.Fatalf("Add %s: %v", id, err)
		}
	}

	pending, err := s.GetUnsynced(ctx)
	if err != nil {
		t.Fatalf("GetUnsynced: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("pending = %d, want 3", len(pending))
	}
	for i, want := range []string{"r1", "r2", "r3"} {
		if pending[i].ID != want {
			t.Errorf("pending[%d] = %q, want %q", i, pending[i].ID, want)
		}
	}

	if err := s.MarkAsSynced(ctx, []string{"r1", "r3", "unknown"}); err != nil {
		t.Fatalf("MarkAsSynced: %v", err)
	}

	pending, err = s.GetUnsynced(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != "r2" {
		t.Errorf("pending after sync = %+v, want [r2]", pending)
	}

	got, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.SyncedAt == nil {
		t.Fatal("SyncedAt = nil after MarkAsSynced")
	}

	// Re-marking is a no-op apart from the timestamp.
	if err := s.MarkAsSynced(ctx, []string{"r1"}); err != nil {
		t.Fatalf("second MarkAsSynced: %v", err)
	}
	got, err = s.Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.SyncedAt == nil {
		t.Error("SyncedAt = nil after re-marking")
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st != (Stats{Total: 3, Pending: 1, Synced: 2}) {
		t.Errorf("Stats = %+v", st)
	}
}

func TestMarkAsSynced_Empty(t *testing.T) {
	s := openTestStore(t)
	if err := s.MarkAsSynced(ctx, nil); err != nil {
		t.Errorf("MarkAsSynced(nil) = %v", err)
	}
}

func TestMarkAsSynced_ManyIDs(t *testing.T) {
	s := openTestStore(t)
	var ids []string
	for i := 0; i < maxBindIDs+20; i++ {
		id := fmt.Sprintf("r%04d", i)
		ids = append(ids, id)
		if err := s.Add(ctx, successRecord(id)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if err := s.MarkAsSynced(ctx, ids); err != nil {
		t.Fatalf("MarkAsSynced: %v", err)
	}
	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Pending != 0 {
		t.Errorf("Pending = %d, want 0", st.Pending)
	}
}

func TestGet_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get error = %v, want ErrNotFound", err)
	}
}

func TestClose(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	if err := s.Add(ctx, successRecord("r1")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Add after Close = %v, want ErrNotConnected", err)
	}
	if err := s.MarkAsSynced(ctx, []string{"r1"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("MarkAsSynced after Close = %v, want ErrNotConnected", err)
	}
	if _, err := s.GetUnsynced(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("GetUnsynced after Close = %v, want ErrNotConnected", err)
	}
}

func TestConcurrentAdd(t *testing.T) {
	s := openTestStore(t)

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.Add(ctx, successRecord(fmt.Sprintf("r%d", i)))
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Add: %v", err)
		}
	}
	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 50 {
		t.Errorf("Total = %d, want 50", st.Total)
	}
}

func TestDefaultPath(t *testing.T) {
	if got := filepath.Base(DefaultPath()); got != DefaultFilename {
		t.Errorf("DefaultPath base = %q, want %q", got, DefaultFilename)
	}
}
