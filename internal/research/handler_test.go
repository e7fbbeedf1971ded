package research

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ayush/research-aggregator/internal/models"
	"github.com/ayush/research-aggregator/internal/store"
)

// memQueryLog doubles as the handler's QueryReader.

func (l *memQueryLog) GetByID(_ context.Context, queryID string) (*models.ResearchQuery, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, ok := l.queries[queryID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *q
	return &cp, nil
}

func (l *memQueryLog) List(_ context.Context, userID string, page, limit int) ([]models.ResearchQuery, int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var all []models.ResearchQuery
	for _, q := range l.queries {
		if userID == "" || q.UserID == userID {
			all = append(all, *q)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].SubmittedAt.After(all[j].SubmittedAt) })
	total := int64(len(all))
	start := (page - 1) * limit
	if start >= len(all) {
		return nil, total, nil
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

func (l *memQueryLog) CountByStatus(_ context.Context) (map[string]int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	counts := make(map[string]int64)
	for _, q := range l.queries {
		counts[string(q.Status)]++
	}
	return counts, nil
}

// stubResults implements ResultReader over a memCache.

type stubResults struct {
	cache    *memCache
	statsErr error
}

func (s *stubResults) ResultByHash(_ context.Context, hash string) (*models.ResearchResult, error) {
	s.cache.mu.Lock()
	defer s.cache.mu.Unlock()
	res, ok := s.cache.results[hash]
	if !ok {
		return nil, store.ErrNotFound
	}
	return res, nil
}

func (s *stubResults) Invalidate(_ context.Context, hash string) error {
	s.cache.mu.Lock()
	defer s.cache.mu.Unlock()
	if _, ok := s.cache.results[hash]; !ok {
		return store.ErrNotFound
	}
	delete(s.cache.results, hash)
	delete(s.cache.meta, hash)
	return nil
}

func (s *stubResults) Stats(_ context.Context) (*models.CacheStats, error) {
	if s.statsErr != nil {
		return nil, s.statsErr
	}
	return &models.CacheStats{TotalEntries: int64(len(s.cache.results))}, nil
}

type stubExports struct {
	objects map[string][]byte
}

func (s *stubExports) Download(_ context.Context, key string) ([]byte, error) {
	data, ok := s.objects[key]
	if !ok {
		return nil, errors.New("no such object")
	}
	return data, nil
}

type handlerFixture struct {
	router  chi.Router
	cache   *memCache
	ql      *memQueryLog
	exports *stubExports
	orch    *Orchestrator
}

func newHandlerFixture(srcs []SourceClient) *handlerFixture {
	cache := newMemCache()
	ql := newMemQueryLog()
	exports := &stubExports{objects: make(map[string][]byte)}
	orch := newTestOrchestrator(testOpts(), cache, ql, srcs, &stubSynth{})
	h := NewHandler(orch, ql, &stubResults{cache: cache}, exports, zap.NewNop())
	r := chi.NewRouter()
	r.Route("/api/research", func(r chi.Router) { h.Routes(r) })
	return &handlerFixture{router: r, cache: cache, ql: ql, exports: exports, orch: orch}
}

func (f *handlerFixture) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *handlerFixture) seedQuery(q models.ResearchQuery) {
	f.ql.mu.Lock()
	defer f.ql.mu.Unlock()
	cp := q
	f.ql.queries[q.QueryID] = &cp
}

func TestSubmitEndpointRunsToCompletion(t *testing.T) {
	_, _, _, srcs := threeSources()
	f := newHandlerFixture(srcs)

	rec := f.do(http.MethodPost, "/api/research/query", models.SubmitRequest{Query: "machine learning"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp models.SubmitResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.NotEmpty(t, resp.QueryID)
	assert.Equal(t, models.StatusPending, resp.Status)

	require.Eventually(t, func() bool {
		rec := f.do(http.MethodGet, "/api/research/query/"+resp.QueryID+"/status", nil)
		var st models.StatusResponse
		json.NewDecoder(rec.Body).Decode(&st)
		return st.Status == models.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	rec = f.do(http.MethodGet, "/api/research/query/"+resp.QueryID+"/result", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res models.ResearchResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, resp.QueryID, res.QueryID)
	assert.Len(t, res.Sources, 3)

	f.orch.Close()
}

func TestSubmitValidation(t *testing.T) {
	_, _, _, srcs := threeSources()
	f := newHandlerFixture(srcs)

	rec := f.do(http.MethodPost, "/api/research/query", models.SubmitRequest{Query: "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/research/query", models.SubmitRequest{Query: strings.Repeat("x", maxQueryLength+1)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/research/query", strings.NewReader("{not json"))
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusFallsBackToPersistedRecord(t *testing.T) {
	_, _, _, srcs := threeSources()
	f := newHandlerFixture(srcs)

	// The tracker has never seen this query, as after a restart.
	f.seedQuery(models.ResearchQuery{
		QueryID:     "restarted",
		QueryHash:   "h1",
		Status:      models.StatusCompleted,
		SubmittedAt: time.Now().UTC(),
	})

	rec := f.do(http.MethodGet, "/api/research/query/restarted/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var st models.StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.Equal(t, models.StatusCompleted, st.Status)
	require.NotNil(t, st.Progress)
	assert.Equal(t, 1.0, *st.Progress)

	rec = f.do(http.MethodGet, "/api/research/query/never-existed/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResultStates(t *testing.T) {
	_, _, _, srcs := threeSources()
	f := newHandlerFixture(srcs)

	f.seedQuery(models.ResearchQuery{QueryID: "busy", QueryHash: "h1", Status: models.StatusProcessing})
	rec := f.do(http.MethodGet, "/api/research/query/busy/result", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	f.seedQuery(models.ResearchQuery{QueryID: "dead", QueryHash: "h2", Status: models.StatusFailed})
	rec = f.do(http.MethodGet, "/api/research/query/dead/result", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "failed")

	// Completed but the cached result has since been swept.
	f.seedQuery(models.ResearchQuery{QueryID: "swept", QueryHash: "h3", Status: models.StatusCompleted})
	rec = f.do(http.MethodGet, "/api/research/query/swept/result", nil)
	assert.Equal(t, http.StatusGone, rec.Code)

	// Completed and served from another query's computation.
	f.seedQuery(models.ResearchQuery{QueryID: "rider", QueryHash: "h4", Status: models.StatusCompleted})
	f.cache.results["h4"] = &models.ResearchResult{QueryID: "owner", QueryHash: "h4", Summary: "s"}
	rec = f.do(http.MethodGet, "/api/research/query/rider/result", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res models.ResearchResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.True(t, res.Cached)
}

func TestExportEndpoint(t *testing.T) {
	_, _, _, srcs := threeSources()
	f := newHandlerFixture(srcs)

	f.seedQuery(models.ResearchQuery{QueryID: "pending", QueryHash: "h1", Status: models.StatusPending})
	rec := f.do(http.MethodGet, "/api/research/query/pending/export", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	f.seedQuery(models.ResearchQuery{QueryID: "done", QueryHash: "h2", Status: models.StatusCompleted})
	f.exports.objects[store.ExportKey("h2")] = []byte(`{"summary":"archived"}`)
	rec = f.do(http.MethodGet, "/api/research/query/done/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")
	assert.JSONEq(t, `{"summary":"archived"}`, rec.Body.String())
}

func TestCancelEndpoint(t *testing.T) {
	_, _, _, srcs := threeSources()
	f := newHandlerFixture(srcs)

	f.seedQuery(models.ResearchQuery{QueryID: "done", QueryHash: "h1", Status: models.StatusCompleted})
	rec := f.do(http.MethodDelete, "/api/research/query/done", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	f.seedQuery(models.ResearchQuery{QueryID: "waiting", QueryHash: "h2", Status: models.StatusPending})
	rec = f.do(http.MethodDelete, "/api/research/query/waiting", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.StatusFailed, f.ql.status("waiting"))
}

// staleReader reports every query as still processing, standing in for
// a record that goes terminal between the handler's read and the
// cancel write.
type staleReader struct{ *memQueryLog }

func (s staleReader) GetByID(ctx context.Context, id string) (*models.ResearchQuery, error) {
	q, err := s.memQueryLog.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	q.Status = models.StatusProcessing
	return q, nil
}

func TestCancelRacingTerminalTransition(t *testing.T) {
	_, _, _, srcs := threeSources()
	cache := newMemCache()
	ql := newMemQueryLog()
	orch := newTestOrchestrator(testOpts(), cache, ql, srcs, &stubSynth{})
	h := NewHandler(orch, staleReader{ql}, &stubResults{cache: cache}, &stubExports{}, zap.NewNop())
	r := chi.NewRouter()
	r.Route("/api/research", func(r chi.Router) { h.Routes(r) })

	// Already completed in the store, but the read raced and saw it
	// as still processing.
	ql.queries["racy"] = &models.ResearchQuery{QueryID: "racy", QueryHash: "h1", Status: models.StatusCompleted}

	req := httptest.NewRequest(http.MethodDelete, "/api/research/query/racy", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, models.StatusCompleted, ql.status("racy"))
}

func TestHistoryEndpoint(t *testing.T) {
	_, _, _, srcs := threeSources()
	f := newHandlerFixture(srcs)

	base := time.Now().UTC()
	f.seedQuery(models.ResearchQuery{QueryID: "q1", UserID: "u1", Status: models.StatusCompleted, SubmittedAt: base.Add(-time.Hour)})
	f.seedQuery(models.ResearchQuery{QueryID: "q2", UserID: "u1", Status: models.StatusFailed, SubmittedAt: base})
	f.seedQuery(models.ResearchQuery{QueryID: "q3", UserID: "u2", Status: models.StatusCompleted, SubmittedAt: base.Add(-time.Minute)})

	rec := f.do(http.MethodGet, "/api/research/history?user_id=u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp models.HistoryResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.EqualValues(t, 2, resp.Total)
	require.Len(t, resp.Queries, 2)
	assert.Equal(t, "q2", resp.Queries[0].QueryID, "newest first")
	assert.Equal(t, 1, resp.Page)
	assert.Equal(t, 20, resp.Limit)

	// Out-of-range page yields an empty array, not null.
	rec = f.do(http.MethodGet, "/api/research/history?user_id=u1&page=9&limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"queries":[]`)
}

func TestStatsEndpoint(t *testing.T) {
	_, _, _, srcs := threeSources()
	f := newHandlerFixture(srcs)

	f.seedQuery(models.ResearchQuery{QueryID: "q1", Status: models.StatusCompleted})
	f.cache.results["h1"] = &models.ResearchResult{QueryHash: "h1"}

	rec := f.do(http.MethodGet, "/api/research/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total_entries":1`)
	assert.Contains(t, rec.Body.String(), `"completed":1`)
}

func TestInvalidateEndpoint(t *testing.T) {
	_, _, _, srcs := threeSources()
	f := newHandlerFixture(srcs)

	rec := f.do(http.MethodDelete, "/api/research/cache/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.cache.results["h1"] = &models.ResearchResult{QueryHash: "h1"}
	rec = f.do(http.MethodDelete, "/api/research/cache/h1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	_, ok := f.cache.results["h1"]
	assert.False(t, ok)
}
