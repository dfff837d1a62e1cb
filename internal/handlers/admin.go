package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"genie/internal/errs"
	"genie/internal/querylog"
	"genie/internal/queue"
	"genie/internal/snapshot"
	"genie/internal/worker"
)

// Queue is the diagnostics and user mode surface of the dispatch queue.
type Queue interface {
	Pending() []queue.PendingJob
	Depth() (queued, inFlight int)
	GetUserMode(userID string) (worker.Kind, bool)
	SetUserMode(userID string, kind worker.Kind) error
	ClearUserMode(userID string)
}

type QueryLog interface {
	Recent(ctx context.Context, limit int) ([]querylog.Entry, error)
}

// AdminHandler serves the operator endpoints for the queue, user modes,
// the snapshot store and the query log.
type AdminHandler struct {
	queue    Queue
	store    snapshot.Store
	queryLog QueryLog
}

// NewAdminHandler builds the handler. queryLog may be nil.
func NewAdminHandler(q Queue, store snapshot.Store, queryLog QueryLog) *AdminHandler {
	return &AdminHandler{queue: q, store: store, queryLog: queryLog}
}

type modeResponse struct {
	UserID string      `json:"user_id"`
	Mode   worker.Kind `json:"mode,omitempty"`
	Pinned bool        `json:"pinned"`
}

type modeRequest struct {
	Mode string `json:"mode"`
}

func (h *AdminHandler) HandleGetMode(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]
	kind, ok := h.queue.GetUserMode(userID)
	writeJSON(w, http.StatusOK, modeResponse{UserID: userID, Mode: kind, Pinned: ok})
}

func (h *AdminHandler) HandleSetMode(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]

	var req modeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, errs.NewValidation("request body must be JSON with a mode"), "")
		return
	}
	kind, err := worker.ParseKind(req.Mode)
	if err != nil {
		writeError(w, r, errs.NewValidation(err.Error()), "")
		return
	}
	if err := h.queue.SetUserMode(userID, kind); err != nil {
		writeError(w, r, err, "Could not set the mode.")
		return
	}
	writeJSON(w, http.StatusOK, modeResponse{UserID: userID, Mode: kind, Pinned: true})
}

func (h *AdminHandler) HandleClearMode(w http.ResponseWriter, r *http.Request) {
	h.queue.ClearUserMode(mux.Vars(r)["userID"])
	w.WriteHeader(http.StatusNoContent)
}

type queueResponse struct {
	Queued   int                `json:"queued"`
	InFlight int                `json:"in_flight"`
	Jobs     []queue.PendingJob `json:"jobs"`
}

func (h *AdminHandler) HandleQueue(w http.ResponseWriter, r *http.Request) {
	queued, inFlight := h.queue.Depth()
	writeJSON(w, http.StatusOK, queueResponse{
		Queued:   queued,
		InFlight: inFlight,
		Jobs:     h.queue.Pending(),
	})
}

func (h *AdminHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		writeError(w, r, err, "Could not read snapshot stats.")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *AdminHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := h.store.HealthCheck(r.Context())
	status := http.StatusOK
	if health.Status == snapshot.Unhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// HandleGetSnapshot looks a snapshot up by question. Embeddings are left out
// of the response.
func (h *AdminHandler) HandleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	question := r.URL.Query().Get("question")
	if strings.TrimSpace(question) == "" {
		writeError(w, r, errs.NewValidation("question is required"), "")
		return
	}
	s, err := h.store.Get(r.Context(), question)
	if err != nil {
		writeError(w, r, err, "Could not read the snapshot.")
		return
	}
	s.QuestionEmbedding, s.GistEmbedding, s.CodeEmbedding = nil, nil, nil
	writeJSON(w, http.StatusOK, s)
}

type deleteRequest struct {
	Question string `json:"question"`
	Physical bool   `json:"physical"`
}

// HandleDeleteSnapshot tombstones a snapshot, or removes it from persistence
// when physical is set.
func (h *AdminHandler) HandleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, errs.NewValidation("request body must be JSON with a question"), "")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, r, errs.NewValidation("question is required"), "")
		return
	}
	if err := h.store.Delete(r.Context(), req.Question, req.Physical); err != nil {
		writeError(w, r, err, "Could not delete the snapshot.")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type queryLogEntry struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	SessionID     string    `json:"session_id,omitempty"`
	Verbatim      string    `json:"verbatim"`
	Normalized    string    `json:"normalized"`
	Gist          string    `json:"gist"`
	MatchedTier   string    `json:"matched_tier,omitempty"`
	Confidence    float64   `json:"confidence"`
	SnapshotID    string    `json:"snapshot_id,omitempty"`
	HitVerbatim   bool      `json:"hit_verbatim"`
	HitNormalized bool      `json:"hit_normalized"`
	HitGist       bool      `json:"hit_gist"`
	CreatedDate   time.Time `json:"created_date"`
}

// HandleQueryLog lists the most recent submissions, newest first.
func (h *AdminHandler) HandleQueryLog(w http.ResponseWriter, r *http.Request) {
	if h.queryLog == nil {
		writeError(w, r, errs.NewNotFound("query log"), "")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, r, errs.NewValidation("limit must be between 1 and 1000"), "")
			return
		}
		limit = n
	}

	entries, err := h.queryLog.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, r, err, "Could not read the query log.")
		return
	}
	out := make([]queryLogEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, queryLogEntry{
			ID:            e.ID,
			UserID:        e.UserID,
			SessionID:     e.SessionID,
			Verbatim:      e.Verbatim,
			Normalized:    e.Normalized,
			Gist:          e.Gist,
			MatchedTier:   e.MatchedTier,
			Confidence:    e.Confidence,
			SnapshotID:    e.SnapshotID,
			HitVerbatim:   e.HitVerbatim,
			HitNormalized: e.HitNormalized,
			HitGist:       e.HitGist,
			CreatedDate:   e.CreatedDate,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
