package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/llmdump/llmdump/internal/storage"
)

const maxMarkIDs = 10000

// RecordStore is the read side of the store exposed over HTTP.
type RecordStore interface {
	GetUnsynced(ctx context.Context) ([]storage.Row, error)
	Get(ctx context.Context, id string) (storage.Row, error)
	MarkAsSynced(ctx context.Context, ids []string) error
	Stats(ctx context.Context) (storage.Stats, error)
}

type RecordDeps struct {
	Store RecordStore
	// Token guards the record routes. Empty disables auth.
	Token string
}

type markSyncedRequest struct {
	IDs []string `json:"ids"`
}

// NewRecordsHandler returns the record inspection routes under /v1/records.
func NewRecordsHandler(deps RecordDeps) http.Handler {
	r := chi.NewRouter()
	recordRoutes(r, deps)
	return r
}

func recordRoutes(r chi.Router, deps RecordDeps) {
	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/v1/records", handleListPending(deps))
		r.Get("/v1/records/stats", handleStats(deps))
		r.Post("/v1/records/synced", handleMarkSynced(deps))
		r.Get("/v1/records/{id}", handleGetRecord(deps))
	})
}

func handleListPending(deps RecordDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := deps.Store.GetUnsynced(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list pending records: %v", err)
			return
		}

		if rows == nil {
			rows = []storage.Row{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rows)
	}
}

func handleStats(deps RecordDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Store.Stats(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read stats: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(st)
	}
}

func handleGetRecord(deps RecordDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		row, err := deps.Store.Get(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "record not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get record: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(row)
	}
}

func handleMarkSynced(deps RecordDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req markSyncedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(req.IDs) > maxMarkIDs {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at most %d ids per request", maxMarkIDs)
			return
		}

		if err := deps.Store.MarkAsSynced(r.Context(), req.IDs); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to mark records: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "synced"})
	}
}
