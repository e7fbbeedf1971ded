package research

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ayush/research-aggregator/internal/models"
)

// sourceOutcome is one source's terminal fan-out state.
type sourceOutcome struct {
	name    string
	results []models.SourceResult
	err     error
}

// Aggregator merges per-source outcomes into the unified result shape
// and drives the synthesis collaborator.
type Aggregator struct {
	synth Synthesizer
	log   *zap.Logger
}

func NewAggregator(synth Synthesizer, log *zap.Logger) *Aggregator {
	return &Aggregator{synth: synth, log: log}
}

// Merge builds the sources map from successful outcomes only. A source
// that succeeded with zero items keeps its key with an empty slice; a
// failed source is absent entirely. The second return value counts
// successes, including empty ones.
func (a *Aggregator) Merge(outcomes []sourceOutcome) (map[string][]models.SourceResult, int) {
	sources := make(map[string][]models.SourceResult, len(outcomes))
	succeeded := 0
	for _, o := range outcomes {
		if o.err != nil {
			continue
		}
		succeeded++
		if o.results == nil {
			o.results = []models.SourceResult{}
		}
		sources[o.name] = o.results
	}
	return sources, succeeded
}

// Summarize invokes the synthesis collaborator. If it errors while
// usable results exist, a plain fallback summary with a fixed 0.6
// confidence is returned instead, so a flaky AI service cannot fail an
// otherwise successful research run.
func (a *Aggregator) Summarize(ctx context.Context, query string, sources map[string][]models.SourceResult) (string, float64) {
	total := 0
	for _, rs := range sources {
		total += len(rs)
	}
	if total == 0 {
		return fmt.Sprintf("No results found for %q.", query), 0
	}

	summary, confidence, err := a.synth.Synthesize(ctx, query, sources)
	if err != nil {
		a.log.Warn("synthesis failed, using fallback summary", zap.Error(err))
		return fmt.Sprintf("Research completed for %q with %d results found across %d sources.",
			query, total, len(sources)), 0.6
	}
	return summary, confidence
}
