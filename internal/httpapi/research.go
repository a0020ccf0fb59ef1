// Package httpapi exposes the research service over HTTP: run submission,
// result retrieval, cancellation, and the SSE event stream.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/CK991357/gemini-chat-sub000/internal/agent"
	"github.com/CK991357/gemini-chat-sub000/internal/history"
	"github.com/CK991357/gemini-chat-sub000/internal/research"
	"github.com/CK991357/gemini-chat-sub000/internal/session"
)

// ResearchHandler serves the run lifecycle endpoints. archive and store may
// be nil when Redis or SQLite are not configured; retrieval then only finds
// in-flight runs.
type ResearchHandler struct {
	runner  *agent.Runner
	archive *session.Archive
	store   *history.Store
	logger  *zap.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewResearchHandler wires the handler.
func NewResearchHandler(runner *agent.Runner, archive *session.Archive, store *history.Store, logger *zap.Logger) *ResearchHandler {
	return &ResearchHandler{
		runner:  runner,
		archive: archive,
		store:   store,
		logger:  logger,
		active:  make(map[string]context.CancelFunc),
	}
}

// SetRunner swaps the runner used for new submissions. In-flight runs keep
// the runner they started with.
func (h *ResearchHandler) SetRunner(runner *agent.Runner) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runner = runner
}

// RegisterRoutes registers the run endpoints on the provided mux.
func (h *ResearchHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/research", h.handleSubmit)
	mux.HandleFunc("/research/result", h.handleResult)
	mux.HandleFunc("/research/cancel", h.handleCancel)
	mux.HandleFunc("/research/recent", h.handleRecent)
}

type submitRequest struct {
	Query string `json:"query"`
	Mode  string `json:"mode,omitempty"`
}

type submitResponse struct {
	RunID string `json:"run_id"`
	Mode  string `json:"mode"`
}

// handleSubmit starts a run asynchronously and returns its run ID. Progress
// streams over /stream/sse; the result lands in the archive.
// POST /research {"query": "...", "mode": "standard|deep"}
func (h *ResearchHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return
	}
	if req.Query == "" {
		http.Error(w, `{"error":"query required"}`, http.StatusBadRequest)
		return
	}

	sess := agent.NewSession(req.Query, research.Mode(req.Mode))
	runCtx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.active[sess.RunID] = cancel
	runner := h.runner
	h.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			h.mu.Lock()
			delete(h.active, sess.RunID)
			h.mu.Unlock()
		}()

		result := runner.Run(runCtx, sess)

		if h.archive != nil {
			if err := h.archive.Save(context.Background(), result); err != nil {
				h.logger.Error("failed to archive run",
					zap.String("run_id", result.RunID), zap.Error(err))
			}
		}
		if h.store != nil {
			if err := h.store.Record(context.Background(), result); err != nil {
				h.logger.Error("failed to record run history",
					zap.String("run_id", result.RunID), zap.Error(err))
			}
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(submitResponse{RunID: sess.RunID, Mode: string(sess.Mode)})
}

// handleResult returns a finished run's result.
// GET /research/result?run_id=<id>
func (h *ResearchHandler) handleResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		http.Error(w, `{"error":"run_id required"}`, http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	_, running := h.active[runID]
	h.mu.Unlock()
	if running {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"run_id": runID, "state": "running"})
		return
	}

	result, err := h.lookup(r.Context(), runID)
	if err != nil {
		h.logger.Error("result lookup failed", zap.String("run_id", runID), zap.Error(err))
		http.Error(w, `{"error":"lookup failed"}`, http.StatusInternalServerError)
		return
	}
	if result == nil {
		http.Error(w, `{"error":"run not found"}`, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// lookup checks the archive first, then the durable history.
func (h *ResearchHandler) lookup(ctx context.Context, runID string) (*research.Result, error) {
	if h.archive != nil {
		result, err := h.archive.Get(ctx, runID)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, session.ErrNotFound) {
			return nil, err
		}
	}
	if h.store != nil {
		return h.store.Result(ctx, runID)
	}
	return nil, nil
}

// handleCancel cancels an in-flight run. The run still produces a partial
// result, archived under the same run ID.
// POST /research/cancel?run_id=<id>
func (h *ResearchHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	runID := r.URL.Query().Get("run_id")
	h.mu.Lock()
	cancel, ok := h.active[runID]
	h.mu.Unlock()
	if !ok {
		http.Error(w, `{"error":"run not found or already finished"}`, http.StatusNotFound)
		return
	}
	cancel()
	h.logger.Info("run cancellation requested", zap.String("run_id", runID))
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"run_id": runID, "state": "cancelling"})
}

// handleRecent lists recently archived run IDs.
// GET /research/recent?limit=<n>
func (h *ResearchHandler) handleRecent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	if h.archive == nil {
		http.Error(w, `{"error":"archive not configured"}`, http.StatusNotImplemented)
		return
	}
	ids, err := h.archive.Recent(r.Context(), 50)
	if err != nil {
		http.Error(w, `{"error":"list failed"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"run_ids": ids})
}
