package research

import (
	"sync"
	"sync/atomic"

	"github.com/ayush/research-aggregator/internal/models"
)

// FlightProgress counts completed source tasks for one in-flight
// fan-out. All queries coalesced onto the same hash share one.
type FlightProgress struct {
	total int32
	done  atomic.Int32
}

// MarkDone records one source task reaching a terminal state.
func (p *FlightProgress) MarkDone() { p.done.Add(1) }

// Fraction returns completed/total in [0,1].
func (p *FlightProgress) Fraction() float64 {
	if p.total == 0 {
		return 0
	}
	f := float64(p.done.Load()) / float64(p.total)
	if f > 1 {
		f = 1
	}
	return f
}

// Snapshot is the polling view of one query.
type Snapshot struct {
	Status models.QueryStatus
	// Progress is meaningful only when HasProgress is true; it is
	// undefined while the query is pending.
	Progress    float64
	HasProgress bool
}

// Tracker derives coarse per-query progress from the orchestrator's
// in-flight state. It is safe to poll concurrently with a fan-out.
type Tracker struct {
	mu      sync.RWMutex
	states  map[string]models.QueryStatus // queryID -> status
	watches map[string]string             // queryID -> in-flight hash
	flights map[string]*FlightProgress    // hash -> shared progress
}

func NewTracker() *Tracker {
	return &Tracker{
		states:  make(map[string]models.QueryStatus),
		watches: make(map[string]string),
		flights: make(map[string]*FlightProgress),
	}
}

// SetStatus applies a forward status transition. Regressions and
// writes to terminal states are ignored, keeping transitions monotonic
// even when racing callers disagree.
func (t *Tracker) SetStatus(queryID string, status models.QueryStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.states[queryID]
	if ok && !cur.CanTransitionTo(status) {
		return
	}
	t.states[queryID] = status
	if status.Terminal() {
		delete(t.watches, queryID)
	}
}

// Watch links a processing query to the fan-out executing for its
// hash, so riders report the shared flight's progress.
func (t *Tracker) Watch(queryID, hash string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.watches[queryID] = hash
}

// StartFlight registers a fan-out over total sources for a hash.
func (t *Tracker) StartFlight(hash string, total int) *FlightProgress {
	p := &FlightProgress{total: int32(total)}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flights[hash] = p
	return p
}

// FinishFlight removes the fan-out record for a hash.
func (t *Tracker) FinishFlight(hash string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.flights, hash)
}

// Status returns the snapshot for a query, or ok=false if the tracker
// has never seen it (e.g. after a restart; callers then fall back to
// the persisted record).
func (t *Tracker) Status(queryID string) (Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	status, ok := t.states[queryID]
	if !ok {
		return Snapshot{}, false
	}

	snap := Snapshot{Status: status}
	switch status {
	case models.StatusCompleted:
		snap.Progress, snap.HasProgress = 1, true
	case models.StatusFailed:
		snap.Progress, snap.HasProgress = 0, true
	case models.StatusProcessing:
		snap.HasProgress = true
		if hash, ok := t.watches[queryID]; ok {
			if p, ok := t.flights[hash]; ok {
				snap.Progress = p.Fraction()
			}
		}
	}
	return snap, true
}

// Forget drops a terminal query from the tracker. The persisted record
// remains the source of truth for later polls.
func (t *Tracker) Forget(queryID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, queryID)
	delete(t.watches, queryID)
}
