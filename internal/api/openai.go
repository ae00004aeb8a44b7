package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sashabaranov/go-openai"

	"github.com/llmdump/llmdump/internal/observer"
	"github.com/llmdump/llmdump/internal/proxy"
)

const maxRequestBodySize = 1 << 20 // 1MB

// NewHandler returns the full server router: the OpenAI-compatible routes
// plus the record routes.
func NewHandler(completer observer.Completer, deps RecordDeps) http.Handler {
	r := chi.NewRouter()
	openAIRoutes(r, completer)
	recordRoutes(r, deps)
	return r
}

// NewOpenAIHandler returns an http.Handler implementing the OpenAI-compatible
// chat completions endpoint. Every call goes through completer, which is
// expected to be a recording observer.Client.
func NewOpenAIHandler(completer observer.Completer) http.Handler {
	r := chi.NewRouter()
	openAIRoutes(r, completer)
	return r
}

func openAIRoutes(r chi.Router, completer observer.Completer) {
	r.Get("/health", handleHealth)
	r.Post("/v1/chat/completions", handleChatCompletions(completer))
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleChatCompletions(completer observer.Completer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req openai.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if len(req.Messages) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "messages is required and must not be empty")
			return
		}
		if req.Stream {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "streaming is not supported")
			return
		}

		resp, err := completer.CreateChatCompletion(r.Context(), req)
		if err != nil {
			writeCompletionError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func writeCompletionError(w http.ResponseWriter, err error) {
	var recErr *observer.RecordError
	if errors.As(err, &recErr) {
		slog.Error("chat completion not recorded", "id", recErr.ID, "error", recErr.Err)
		httpError(w, http.StatusInternalServerError, "api_error", "failed to record completion: %v", recErr.Err)
		return
	}

	// Upstream client errors keep their status so callers can react to them.
	var se *proxy.StatusError
	if errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500 {
		if json.Valid([]byte(se.Body)) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(se.StatusCode)
			w.Write([]byte(se.Body))
			return
		}
		httpError(w, se.StatusCode, "upstream_error", "%s", se.Error())
		return
	}

	httpError(w, http.StatusBadGateway, "api_error", "upstream error: %v", err)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
