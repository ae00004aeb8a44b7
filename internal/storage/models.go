package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/llmdump/llmdump/internal/record"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotConnected is returned by operations on a closed store.
	ErrNotConnected = errors.New("store not connected")
	// ErrSchemaMismatch is returned when a record's fields do not match its declared schema.
	ErrSchemaMismatch = errors.New("record does not match schema")
	// ErrDuplicateID is returned when a record with the same identifier is already stored.
	ErrDuplicateID = errors.New("duplicate record identifier")
)

// Store persists records. Each instance owns exactly one persistence target.
type Store interface {
	// Add persists one record. Identifiers must be unique; a duplicate fails
	// with ErrDuplicateID rather than overwriting.
	Add(ctx context.Context, rec record.Record) error
	// Close releases the underlying resources. It is safe to call more than once.
	Close() error
}

// Row is a persisted chat record as read back from the store.
type Row struct {
	ID               string           `json:"id"`
	Model            string           `json:"model"`
	Timestamp        time.Time        `json:"timestamp"`
	Messages         []record.Message `json:"messages"`
	AssistantMessage *string          `json:"assistant_message"`
	CompletionTokens *int64           `json:"completion_tokens"`
	PromptTokens     *int64           `json:"prompt_tokens"`
	TotalTokens      *int64           `json:"total_tokens"`
	FinishReason     *string          `json:"finish_reason"`
	ToolCalls        json.RawMessage  `json:"tool_calls"`
	FunctionCall     json.RawMessage  `json:"function_call"`
	Tags             []string         `json:"tags"`
	Properties       json.RawMessage  `json:"properties"`
	Error            *string          `json:"error"`
	RawResponse      json.RawMessage  `json:"raw_response"`
	SyncedAt         *time.Time       `json:"synced_at"`
}

// Stats summarizes the sync state of a store.
type Stats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Synced  int `json:"synced"`
}
