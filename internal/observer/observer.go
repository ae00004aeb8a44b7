// Package observer records every chat completion made through a Completer
// without changing what the caller sees.
package observer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sashabaranov/go-openai"

	"github.com/llmdump/llmdump/internal/record"
	"github.com/llmdump/llmdump/internal/storage"
)

// Completer is the chat-completion entry point being observed.
// *openai.Client satisfies it.
type Completer interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Client decorates a Completer, persisting a record for every call.
type Client struct {
	next       Completer
	store      storage.Store
	tags       []string
	properties map[string]any
	isolate    bool
	logger     *slog.Logger
}

// RecordError reports that a call completed but its record could not be
// persisted.
type RecordError struct {
	ID  string
	Err error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("recording chat completion %s: %v", e.ID, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// Option configures a Client.
type Option func(*Client)

// WithTags attaches tags to every record.
func WithTags(tags ...string) Option {
	return func(c *Client) { c.tags = append([]string{}, tags...) }
}

// WithProperties attaches caller metadata to every record.
func WithProperties(props map[string]any) Option {
	return func(c *Client) { c.properties = props }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// IsolateStoreErrors logs store failures instead of returning them, so the
// caller always sees the upstream outcome.
func IsolateStoreErrors() Option {
	return func(c *Client) { c.isolate = true }
}

// Wrap returns a Client that forwards to next and records into store.
func Wrap(next Completer, store storage.Store, opts ...Option) *Client {
	c := &Client{
		next:   next,
		store:  store,
		tags:   []string{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateChatCompletion forwards req unchanged and returns the upstream
// response or error unchanged. Unless IsolateStoreErrors is set, a failure to
// persist the record is returned instead of the upstream outcome.
func (c *Client) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	resp, err := c.next.CreateChatCompletion(ctx, req)

	call := record.CallFromRequest(req, c.tags, c.properties)
	var rec record.Record
	if err != nil {
		rec = record.Build(call, nil, err)
	} else {
		rec = record.Build(call, &resp, nil)
	}

	// The record is written even if the caller's context was cancelled.
	if addErr := c.store.Add(context.WithoutCancel(ctx), rec); addErr != nil {
		if !c.isolate {
			return openai.ChatCompletionResponse{}, &RecordError{ID: rec.Base().ID, Err: addErr}
		}
		c.logger.Warn("failed to record chat completion", "id", rec.Base().ID, "model", req.Model, "error", addErr)
	} else {
		c.logger.Debug("recorded chat completion", "id", rec.Base().ID, "model", req.Model, "failed", err != nil)
	}

	return resp, err
}
