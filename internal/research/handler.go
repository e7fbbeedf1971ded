package research

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ayush/research-aggregator/internal/middleware"
	"github.com/ayush/research-aggregator/internal/models"
	"github.com/ayush/research-aggregator/internal/store"
)

const maxQueryLength = 1000

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// QueryReader is the handler's view of the query store.
type QueryReader interface {
	GetByID(ctx context.Context, queryID string) (*models.ResearchQuery, error)
	List(ctx context.Context, userID string, page, limit int) ([]models.ResearchQuery, int64, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// ResultReader is the handler's view of the cache store.
type ResultReader interface {
	ResultByHash(ctx context.Context, hash string) (*models.ResearchResult, error)
	Invalidate(ctx context.Context, hash string) error
	Stats(ctx context.Context) (*models.CacheStats, error)
}

// Exporter downloads archived result exports.
type Exporter interface {
	Download(ctx context.Context, key string) ([]byte, error)
}

// Handler holds the research HTTP handlers.
type Handler struct {
	orch    *Orchestrator
	queries QueryReader
	results ResultReader
	exports Exporter
	log     *zap.Logger
}

func NewHandler(orch *Orchestrator, queries QueryReader, results ResultReader, exports Exporter, log *zap.Logger) *Handler {
	return &Handler{orch: orch, queries: queries, results: results, exports: exports, log: log}
}

// Routes mounts all research endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/query", h.Submit)
	r.Get("/query/{id}/status", h.Status)
	r.Get("/query/{id}/result", h.Result)
	r.Get("/query/{id}/export", h.Export)
	r.Delete("/query/{id}", h.Cancel)
	r.Get("/history", h.History)
	r.Get("/stats", h.Stats)
	r.Delete("/cache/{hash}", h.Invalidate)
}

// Submit accepts a research query and starts processing it in the
// background; callers poll status/result afterwards.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	var req models.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if len(req.Query) > maxQueryLength {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query too long (maximum 1000 characters)"})
		return
	}

	// A logged-in session wins over a self-reported user id.
	userID := req.UserID
	if uid := middleware.UserID(r.Context()); uid != "" {
		userID = uid
	}

	q, err := h.orch.SubmitAsync(r.Context(), req.Query, userID)
	if errors.Is(err, ErrEmptyQuery) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query cannot be empty"})
		return
	}
	if err != nil {
		h.log.Error("submit failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to submit query"})
		return
	}

	writeJSON(w, http.StatusCreated, models.SubmitResponse{
		QueryID: q.QueryID,
		Status:  q.Status,
		Message: "research query accepted for processing",
	})
}

// Status reports {state, progress} for one query. The in-memory
// tracker answers for live queries; the persisted record answers after
// a restart.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if snap, ok := h.orch.Status(id); ok {
		resp := models.StatusResponse{QueryID: id, Status: snap.Status}
		if snap.HasProgress {
			p := snap.Progress
			resp.Progress = &p
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	q, err := h.queries.GetByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "query not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "database error"})
		return
	}

	resp := models.StatusResponse{QueryID: id, Status: q.Status}
	switch q.Status {
	case models.StatusCompleted:
		p := 1.0
		resp.Progress = &p
	case models.StatusFailed:
		p := 0.0
		resp.Progress = &p
	}
	writeJSON(w, http.StatusOK, resp)
}

// Result returns the completed result for a query, 202 while it is
// still pending or processing. A result computed by an earlier query
// sharing the same hash is marked cached=true for this caller.
func (h *Handler) Result(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	q, err := h.queries.GetByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "query not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "database error"})
		return
	}

	switch q.Status {
	case models.StatusPending, models.StatusProcessing:
		writeJSON(w, http.StatusAccepted, models.StatusResponse{QueryID: id, Status: q.Status})
		return
	case models.StatusFailed:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"query_id": id,
			"status":   models.StatusFailed,
			"error":    "all research sources failed",
		})
		return
	}

	res, err := h.results.ResultByHash(r.Context(), q.QueryHash)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusGone, map[string]string{"error": "result expired"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "database error"})
		return
	}

	if res.QueryID != q.QueryID {
		out := *res
		out.Cached = true
		res = &out
	}
	writeJSON(w, http.StatusOK, res)
}

// Export streams the archived JSON export of a completed result.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	q, err := h.queries.GetByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "query not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "database error"})
		return
	}
	if q.Status != models.StatusCompleted {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "no export for an unfinished query"})
		return
	}

	data, err := h.exports.Download(r.Context(), store.ExportKey(q.QueryHash))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "export not available"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", "attachment; filename=research.json")
	w.Write(data)
}

// Cancel marks a pending/processing query failed.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	q, err := h.queries.GetByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "query not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "database error"})
		return
	}
	if q.Status.Terminal() {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "query already " + string(q.Status)})
		return
	}

	err = h.orch.Cancel(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		// The query went terminal between the check above and the
		// cancel; the store's terminal-state filter refused the write.
		writeJSON(w, http.StatusConflict, map[string]string{"error": "query already finished"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cancel failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "query cancelled"})
}

// History returns a page of past queries, scoped to the session user
// when one is present.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}

	userID := middleware.UserID(r.Context())
	if userID == "" {
		userID = r.URL.Query().Get("user_id")
	}

	queries, total, err := h.queries.List(r.Context(), userID, page, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "database error"})
		return
	}
	if queries == nil {
		queries = []models.ResearchQuery{}
	}
	writeJSON(w, http.StatusOK, models.HistoryResponse{
		Queries: queries,
		Total:   total,
		Page:    page,
		Limit:   limit,
	})
}

// Stats reports cache effectiveness and query status counts.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	cacheStats, err := h.results.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "database error"})
		return
	}
	statusCounts, err := h.queries.CountByStatus(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "database error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cache":          cacheStats,
		"query_statuses": statusCounts,
	})
}

// Invalidate removes a cache entry by hash. Administrative only.
func (h *Handler) Invalidate(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")

	err := h.results.Invalidate(r.Context(), hash)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no cache entry for hash"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "invalidate failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "cache entry invalidated"})
}
