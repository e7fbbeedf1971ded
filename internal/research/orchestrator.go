package research

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ayush/research-aggregator/internal/models"
	"github.com/ayush/research-aggregator/internal/store"
)

// ErrTotalFailure is returned when fewer sources succeed than the
// configured minimum. No cached artifact is produced in that case.
var ErrTotalFailure = errors.New("research: all sources failed")

// ErrEmptyQuery rejects blank submissions before any work starts.
var ErrEmptyQuery = errors.New("research: query text cannot be empty")

// Cache is the orchestrator's view of the cache store.
type Cache interface {
	Get(ctx context.Context, hash string) (meta *models.CacheMetadata, result *models.ResearchResult, found, fresh bool, err error)
	Put(ctx context.Context, hash, rawQuery string, result *models.ResearchResult, ttl time.Duration) error
	RecordHit(ctx context.Context, hash, rawVariant string) error
}

// QueryLog persists query records and their status transitions.
type QueryLog interface {
	Insert(ctx context.Context, q *models.ResearchQuery) error
	SetStatus(ctx context.Context, queryID string, status models.QueryStatus) error
}

// Archive receives JSON exports of completed results. Optional.
type Archive interface {
	Upload(ctx context.Context, key string, data []byte) error
}

// Options carries the orchestration configuration explicitly. Nothing
// is read from process-wide state.
type Options struct {
	// CacheTTL is how long a computed result stays fresh.
	CacheTTL time.Duration
	// OverallTimeout bounds one whole fan-out; source tasks still
	// running when it fires are cancelled and treated as timed out.
	OverallTimeout time.Duration
	// MinSourcesOK is the number of sources that must succeed for a
	// query to complete. A success with zero results counts.
	MinSourcesOK int
	// StatusRetention is how long a terminal query stays in the
	// in-memory tracker before it is evicted; polls afterwards fall
	// back to the persisted record.
	StatusRetention time.Duration
}

// Orchestrator coordinates normalization, cache reuse, single-flight
// coalescing, and the concurrent fan-out across all source clients.
// It is the sole owner of query status transitions and of result and
// cache-entry creation.
type Orchestrator struct {
	opts    Options
	cache   Cache
	queries QueryLog
	sources []SourceClient
	agg     *Aggregator
	tracker *Tracker
	archive Archive
	log     *zap.Logger

	group singleflight.Group
	wg    sync.WaitGroup
}

func NewOrchestrator(opts Options, cache Cache, queries QueryLog, sources []SourceClient, agg *Aggregator, archive Archive, log *zap.Logger) *Orchestrator {
	if opts.MinSourcesOK < 1 {
		opts.MinSourcesOK = 1
	}
	if opts.StatusRetention <= 0 {
		opts.StatusRetention = 5 * time.Minute
	}
	return &Orchestrator{
		opts:    opts,
		cache:   cache,
		queries: queries,
		sources: sources,
		agg:     agg,
		tracker: NewTracker(),
		archive: archive,
		log:     log,
	}
}

// Submit registers a query and runs the full pipeline synchronously,
// returning the query record and its result. Concurrent submissions
// that normalize to the same hash coalesce onto one upstream fan-out
// and all receive the same result.
func (o *Orchestrator) Submit(ctx context.Context, rawText, userID string) (*models.ResearchQuery, *models.ResearchResult, error) {
	q, err := o.register(ctx, rawText, userID)
	if err != nil {
		return nil, nil, err
	}
	res, err := o.process(ctx, q)
	return q, res, err
}

// SubmitAsync registers a query and runs the pipeline in a background
// task, preserving the submit-then-poll contract at the HTTP boundary.
func (o *Orchestrator) SubmitAsync(ctx context.Context, rawText, userID string) (*models.ResearchQuery, error) {
	q, err := o.register(ctx, rawText, userID)
	if err != nil {
		return nil, err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		// Detached from the request context; the fan-out applies its
		// own deadline, with slack for synthesis and cache writes.
		ctx, cancel := context.WithTimeout(context.Background(), o.opts.OverallTimeout+30*time.Second)
		defer cancel()
		if _, err := o.process(ctx, q); err != nil {
			o.log.Warn("background research failed",
				zap.String("query_id", q.QueryID), zap.Error(err))
		}
	}()
	return q, nil
}

// Status returns the tracker's view of a query.
func (o *Orchestrator) Status(queryID string) (Snapshot, bool) {
	return o.tracker.Status(queryID)
}

// Cancel marks a non-terminal query failed. Any fan-out already in
// flight for its hash runs to completion and may still populate the
// cache for later submissions.
func (o *Orchestrator) Cancel(ctx context.Context, queryID string) error {
	if err := o.queries.SetStatus(ctx, queryID, models.StatusFailed); err != nil {
		return err
	}
	o.tracker.SetStatus(queryID, models.StatusFailed)
	o.forgetLater(queryID)
	return nil
}

// Close waits for all background submissions to finish.
func (o *Orchestrator) Close() {
	o.wg.Wait()
}

// register validates the submission and persists the pending record.
func (o *Orchestrator) register(ctx context.Context, rawText, userID string) (*models.ResearchQuery, error) {
	rawText = strings.TrimSpace(rawText)
	if rawText == "" {
		return nil, ErrEmptyQuery
	}

	canonical, hash := Normalize(rawText)
	q := &models.ResearchQuery{
		QueryID:        uuid.New().String(),
		RawText:        rawText,
		NormalizedText: canonical,
		QueryHash:      hash,
		UserID:         userID,
		SubmittedAt:    time.Now().UTC(),
		Status:         models.StatusPending,
	}
	if err := o.queries.Insert(ctx, q); err != nil {
		return nil, err
	}
	o.tracker.SetStatus(q.QueryID, models.StatusPending)
	return q, nil
}

// process runs the cache-or-fanout flow for a registered query.
func (o *Orchestrator) process(ctx context.Context, q *models.ResearchQuery) (*models.ResearchResult, error) {
	_, cached, found, fresh, err := o.cache.Get(ctx, q.QueryHash)
	if err != nil {
		// A broken cache degrades to a miss, never to a failed query.
		o.log.Warn("cache read failed, treating as miss",
			zap.String("query_hash", q.QueryHash), zap.Error(err))
		found, fresh = false, false
	}

	if found {
		// Every submission for a known hash counts as a hit, whether
		// it is served from cache or triggers a refresh.
		if err := o.cache.RecordHit(ctx, q.QueryHash, q.RawText); err != nil {
			o.log.Warn("recording cache hit failed", zap.Error(err))
		}
	}

	if found && fresh {
		o.setStatus(ctx, q, models.StatusCompleted)
		out := *cached
		out.Cached = true
		o.log.Info("served from cache",
			zap.String("query_id", q.QueryID), zap.String("query_hash", q.QueryHash))
		return &out, nil
	}

	o.setStatus(ctx, q, models.StatusProcessing)
	o.tracker.Watch(q.QueryID, q.QueryHash)

	v, err, shared := o.group.Do(q.QueryHash, func() (interface{}, error) {
		return o.fanout(ctx, q)
	})
	if err != nil {
		o.setStatus(ctx, q, models.StatusFailed)
		return nil, err
	}

	res := v.(*models.ResearchResult)
	o.setStatus(ctx, q, models.StatusCompleted)
	if shared {
		o.log.Debug("coalesced onto in-flight fan-out",
			zap.String("query_id", q.QueryID), zap.String("query_hash", q.QueryHash))
	}
	return res, nil
}

// fanout runs one concurrent search across all sources under the
// shared deadline, merges whatever succeeded, synthesizes the summary,
// and caches the result. Exactly one fanout runs per hash at a time.
func (o *Orchestrator) fanout(ctx context.Context, q *models.ResearchQuery) (*models.ResearchResult, error) {
	fctx, cancel := context.WithTimeout(ctx, o.opts.OverallTimeout)
	defer cancel()

	prog := o.tracker.StartFlight(q.QueryHash, len(o.sources))
	defer o.tracker.FinishFlight(q.QueryHash)

	outcomes := make([]sourceOutcome, len(o.sources))
	g, gctx := errgroup.WithContext(fctx)
	for i, src := range o.sources {
		i, src := i, src
		g.Go(func() error {
			results, err := src.Search(gctx, q.RawText)
			outcomes[i] = sourceOutcome{name: src.Name(), results: results, err: err}
			prog.MarkDone()
			if err != nil {
				o.log.Warn("source failed",
					zap.String("source", src.Name()), zap.Error(err))
			} else {
				o.log.Debug("source returned",
					zap.String("source", src.Name()), zap.Int("results", len(results)))
			}
			return nil
		})
	}
	// Goroutines never return errors; the group is only the join point.
	_ = g.Wait()

	sources, succeeded := o.agg.Merge(outcomes)
	if succeeded < o.opts.MinSourcesOK {
		return nil, ErrTotalFailure
	}

	// Synthesis and the cache write run on the parent context so they
	// still have budget when the fan-out used its whole deadline.
	summary, confidence := o.agg.Summarize(ctx, q.NormalizedText, sources)

	now := time.Now().UTC()
	res := &models.ResearchResult{
		QueryID:         q.QueryID,
		QueryHash:       q.QueryHash,
		Sources:         sources,
		Summary:         summary,
		ConfidenceScore: confidence,
		Cached:          false,
		CreatedAt:       now,
		ExpiresAt:       now.Add(o.opts.CacheTTL),
	}

	if err := o.cache.Put(ctx, q.QueryHash, q.RawText, res, o.opts.CacheTTL); err != nil {
		// Serve the freshly computed result; only persistence is lost.
		o.log.Error("cache write failed, serving uncached",
			zap.String("query_hash", q.QueryHash), zap.Error(err))
	}

	o.archiveResult(ctx, res)
	o.log.Info("fan-out completed",
		zap.String("query_id", q.QueryID),
		zap.Int("sources_ok", succeeded),
		zap.Int("sources_total", len(o.sources)))
	return res, nil
}

// archiveResult exports the result JSON to object storage, best
// effort.
func (o *Orchestrator) archiveResult(ctx context.Context, res *models.ResearchResult) {
	if o.archive == nil {
		return
	}
	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := o.archive.Upload(ctx, store.ExportKey(res.QueryHash), data); err != nil {
		o.log.Warn("result archive failed",
			zap.String("query_hash", res.QueryHash), zap.Error(err))
	}
}

// forgetLater evicts a terminal query from the tracker once the
// retention window passes, bounding tracker memory on a long-running
// server. The persisted record keeps answering polls after eviction.
func (o *Orchestrator) forgetLater(queryID string) {
	time.AfterFunc(o.opts.StatusRetention, func() {
		o.tracker.Forget(queryID)
	})
}

// setStatus applies a transition to both the tracker and the persisted
// record. Store failures are logged; the in-memory view stays usable.
func (o *Orchestrator) setStatus(ctx context.Context, q *models.ResearchQuery, status models.QueryStatus) {
	o.tracker.SetStatus(q.QueryID, status)
	if status.Terminal() {
		o.forgetLater(q.QueryID)
	}
	q.Status = status
	if err := o.queries.SetStatus(ctx, q.QueryID, status); err != nil {
		o.log.Warn("persisting status failed",
			zap.String("query_id", q.QueryID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}
