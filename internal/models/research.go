package models

import "time"

// QueryStatus is the lifecycle state of a research query. Transitions
// are monotonic: pending -> processing -> {completed, failed}.
type QueryStatus string

const (
	StatusPending    QueryStatus = "pending"
	StatusProcessing QueryStatus = "processing"
	StatusCompleted  QueryStatus = "completed"
	StatusFailed     QueryStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s QueryStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s QueryStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	}
	return -1
}

// CanTransitionTo reports whether moving from s to next is a legal
// forward transition. Terminal states accept nothing.
func (s QueryStatus) CanTransitionTo(next QueryStatus) bool {
	if s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

// Source names used as keys in ResearchResult.Sources.
const (
	SourceGoogleScholar = "google_scholar"
	SourceGoogleBooks   = "google_books"
	SourceScienceDirect = "sciencedirect"
)

// SourceResult is one item returned by one provider. Which optional
// fields are meaningful depends on SourceType: citation counts come
// from Scholar, ISBN and preview links from Books, DOI and journal
// from ScienceDirect.
type SourceResult struct {
	Title           string     `json:"title"                      bson:"title"`
	Authors         []string   `json:"authors"                    bson:"authors"`
	Abstract        string     `json:"abstract,omitempty"         bson:"abstract,omitempty"`
	URL             string     `json:"url,omitempty"              bson:"url,omitempty"`
	PublicationDate *time.Time `json:"publication_date,omitempty" bson:"publication_date,omitempty"`
	SourceType      string     `json:"source_type"                bson:"source_type"`

	CitationCount *int   `json:"citation_count,omitempty" bson:"citation_count,omitempty"`
	ISBN          string `json:"isbn,omitempty"           bson:"isbn,omitempty"`
	PreviewLink   string `json:"preview_link,omitempty"   bson:"preview_link,omitempty"`
	DOI           string `json:"doi,omitempty"            bson:"doi,omitempty"`
	Journal       string `json:"journal,omitempty"        bson:"journal,omitempty"`
	AccessStatus  string `json:"access_status,omitempty"  bson:"access_status,omitempty"`
}

// ResearchQuery is one user submission, stored in research_queries.
// QueryID is globally unique and immutable; only the orchestrator
// mutates Status.
type ResearchQuery struct {
	QueryID        string      `json:"query_id"          bson:"query_id"`
	RawText        string      `json:"query_text"        bson:"query_text"`
	NormalizedText string      `json:"normalized_text"   bson:"normalized_text"`
	QueryHash      string      `json:"query_hash"        bson:"query_hash"`
	UserID         string      `json:"user_id,omitempty" bson:"user_id,omitempty"`
	SubmittedAt    time.Time   `json:"timestamp"         bson:"timestamp"`
	Status         QueryStatus `json:"status"            bson:"status"`
}

// ResearchResult is the computed answer for one query, stored in
// research_results keyed by the cache hash. Sources holds one key per
// provider that succeeded; a provider that succeeded with zero items
// contributes its key with an empty list, while a provider that failed
// or timed out is absent entirely.
type ResearchResult struct {
	QueryID         string                    `json:"query_id"         bson:"query_id"`
	QueryHash       string                    `json:"query_hash"       bson:"query_hash"`
	Sources         map[string][]SourceResult `json:"sources"          bson:"sources"`
	Summary         string                    `json:"summary"          bson:"summary"`
	ConfidenceScore float64                   `json:"confidence_score" bson:"confidence_score"`
	Cached          bool                      `json:"cached"           bson:"cached"`
	CreatedAt       time.Time                 `json:"created_at"       bson:"created_at"`
	ExpiresAt       time.Time                 `json:"expires_at"       bson:"expires_at"`
}

// Fresh reports whether the result is still within its TTL at now.
func (r *ResearchResult) Fresh(now time.Time) bool {
	return now.Before(r.ExpiresAt)
}

// CacheMetadata is the reuse bookkeeping for one cache hash, stored in
// cache_metadata. Many distinct raw queries can normalize to one hash;
// QueryVariations records the raw texts observed for it.
type CacheMetadata struct {
	QueryHash       string    `json:"query_hash"       bson:"query_hash"`
	LastUpdated     time.Time `json:"last_updated"     bson:"last_updated"`
	HitCount        int64     `json:"hit_count"        bson:"hit_count"`
	QueryVariations []string  `json:"query_variations" bson:"query_variations"`
}

// SubmitRequest is the JSON body for POST /api/research/query.
type SubmitRequest struct {
	Query  string `json:"query"`
	UserID string `json:"user_id,omitempty"`
}

// SubmitResponse acknowledges an accepted query.
type SubmitResponse struct {
	QueryID string      `json:"query_id"`
	Status  QueryStatus `json:"status"`
	Message string      `json:"message"`
}

// StatusResponse is the polling view of one query. Progress is nil
// while the query is pending.
type StatusResponse struct {
	QueryID  string      `json:"query_id"`
	Status   QueryStatus `json:"status"`
	Progress *float64    `json:"progress,omitempty"`
}

// HistoryResponse is a page of past queries.
type HistoryResponse struct {
	Queries []ResearchQuery `json:"queries"`
	Total   int64           `json:"total"`
	Page    int             `json:"page"`
	Limit   int             `json:"limit"`
}

// CacheStats summarizes cache effectiveness for the stats endpoint.
type CacheStats struct {
	TotalEntries   int64   `json:"total_entries"`
	ActiveEntries  int64   `json:"active_entries"`
	ExpiredEntries int64   `json:"expired_entries"`
	TotalHits      int64   `json:"total_hits"`
	HitRatePercent float64 `json:"cache_hit_rate_percent"`
}
