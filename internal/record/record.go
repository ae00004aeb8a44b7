// Package record normalizes observed chat-completion calls into flat,
// storable snapshots. A call resolves to either a Success or a Failure.
package record

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
)

// FinishReasonError is the finish reason recorded for failed calls.
const FinishReasonError = "error"

// now is swapped in tests.
var now = func() time.Time { return time.Now().UTC() }

// Record is a stored snapshot of one call outcome. It is implemented by
// *Success and *Failure only.
type Record interface {
	// Schema returns the table layout for this record kind.
	Schema() *Schema
	// Fields returns the flattened field map keyed by column name.
	Fields() map[string]any
	// Base returns the caller-visible call context shared by both outcomes.
	Base() Call

	isRecord()
}

// Message is one chat turn as the caller supplied it.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Messages is stored as a JSON array of {role, content} objects.
type Messages []Message

// Value implements driver.Valuer.
func (m Messages) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal([]Message(m))
	if err != nil {
		return nil, fmt.Errorf("encoding messages: %w", err)
	}
	return string(b), nil
}

// Call is the context common to every record.
type Call struct {
	ID         string
	Model      string
	Timestamp  time.Time
	Messages   Messages
	Tags       []string
	Properties map[string]any
}

func (c Call) Base() Call { return c }

func (c Call) fields() map[string]any {
	return map[string]any{
		"id":         c.ID,
		"model":      c.Model,
		"timestamp":  c.Timestamp,
		"messages":   c.Messages,
		"tags":       c.Tags,
		"properties": c.Properties,
	}
}

// Success is the snapshot of a call that returned a response.
type Success struct {
	Call
	AssistantMessage *string
	CompletionTokens *int
	PromptTokens     *int
	TotalTokens      *int
	FinishReason     *string
	ToolCalls        []openai.ToolCall
	FunctionCall     *openai.FunctionCall
	RawResponse      map[string]any
}

func (*Success) Schema() *Schema { return ChatSchema }
func (*Success) isRecord()       {}

func (s *Success) Fields() map[string]any {
	f := s.Call.fields()
	f["assistant_message"] = s.AssistantMessage
	f["completion_tokens"] = s.CompletionTokens
	f["prompt_tokens"] = s.PromptTokens
	f["total_tokens"] = s.TotalTokens
	f["finish_reason"] = s.FinishReason
	f["tool_calls"] = s.ToolCalls
	f["function_call"] = s.FunctionCall
	f["error"] = nil
	f["raw_response"] = s.RawResponse
	return f
}

// Failure is the snapshot of a call that raised an error.
type Failure struct {
	Call
	Error string
}

func (*Failure) Schema() *Schema { return ChatSchema }
func (*Failure) isRecord()       {}

func (f *Failure) Fields() map[string]any {
	reason := FinishReasonError
	m := f.Call.fields()
	m["assistant_message"] = nil
	m["completion_tokens"] = nil
	m["prompt_tokens"] = nil
	m["total_tokens"] = nil
	m["finish_reason"] = &reason
	m["tool_calls"] = nil
	m["function_call"] = nil
	m["error"] = &f.Error
	m["raw_response"] = nil
	return m
}

// Build snapshots a call outcome. A nil resp always yields a Failure, even
// when err is nil. Build never fails.
func Build(call Call, resp *openai.ChatCompletionResponse, err error) Record {
	call.Timestamp = now()
	if resp == nil {
		return NewFailure(call, err)
	}
	return NewSuccess(call, *resp)
}

// NewFailure builds a Failure with a fresh identifier.
func NewFailure(call Call, err error) *Failure {
	call.ID = uuid.NewString()
	if call.Timestamp.IsZero() {
		call.Timestamp = now()
	}
	msg := "no response"
	if err != nil {
		msg = err.Error()
	}
	return &Failure{Call: call, Error: msg}
}

// NewSuccess builds a Success from the first choice and usage of resp.
func NewSuccess(call Call, resp openai.ChatCompletionResponse) *Success {
	call.ID = resp.ID
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	if call.Timestamp.IsZero() {
		call.Timestamp = now()
	}

	s := &Success{
		Call:        call,
		RawResponse: decode(resp),
	}
	if resp.Usage != (openai.Usage{}) {
		s.CompletionTokens = intPtr(resp.Usage.CompletionTokens)
		s.PromptTokens = intPtr(resp.Usage.PromptTokens)
		s.TotalTokens = intPtr(resp.Usage.TotalTokens)
	}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		s.AssistantMessage = strPtr(choice.Message.Content)
		s.FinishReason = strPtr(string(choice.FinishReason))
		if len(choice.Message.ToolCalls) > 0 {
			s.ToolCalls = choice.Message.ToolCalls
		}
		s.FunctionCall = choice.Message.FunctionCall
	}
	return s
}

// decode returns the response in its JSON-decoded form. The result is never
// empty: a response the client library refuses to encode is encoded again
// with the conflicting multi-part content dropped, and the original encoding
// error is kept under EncodeErrorKey.
func decode(resp openai.ChatCompletionResponse) map[string]any {
	b, err := json.Marshal(resp)
	if err == nil {
		raw := map[string]any{}
		if err = json.Unmarshal(b, &raw); err == nil && len(raw) > 0 {
			return raw
		}
	}

	raw := map[string]any{}
	if b, err2 := json.Marshal(withoutMultiContent(resp)); err2 == nil {
		_ = json.Unmarshal(b, &raw)
	}
	if err == nil {
		err = errors.New("empty response encoding")
	}
	raw["id"] = resp.ID
	raw[EncodeErrorKey] = err.Error()
	return raw
}

// EncodeErrorKey holds the encoding error in a raw response that could not
// be encoded as returned.
const EncodeErrorKey = "encode_error"

// withoutMultiContent returns a copy of resp whose choice messages carry no
// MultiContent when they also carry Content.
func withoutMultiContent(resp openai.ChatCompletionResponse) openai.ChatCompletionResponse {
	choices := make([]openai.ChatCompletionChoice, len(resp.Choices))
	copy(choices, resp.Choices)
	for i := range choices {
		if choices[i].Message.Content != "" {
			choices[i].Message.MultiContent = nil
		}
	}
	resp.Choices = choices
	return resp
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func intPtr(i int) *int { return &i }
