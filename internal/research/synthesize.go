package research

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ayush/research-aggregator/internal/models"
)

// Synthesizer condenses merged per-source results into a summary and a
// confidence score in [0,1]. The scoring logic lives entirely in the
// collaborator; the orchestrator treats it as a black box.
type Synthesizer interface {
	Synthesize(ctx context.Context, query string, sources map[string][]models.SourceResult) (summary string, confidence float64, err error)
}

// SynthesisClient calls the AI synthesis service over HTTP.
type SynthesisClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewSynthesisClient(baseURL string) *SynthesisClient {
	return &SynthesisClient{baseURL: strings.TrimRight(baseURL, "/"), httpClient: &http.Client{}}
}

// Synthesize calls POST /api/synthesize.
func (c *SynthesisClient) Synthesize(ctx context.Context, query string, sources map[string][]models.SourceResult) (string, float64, error) {
	payload, _ := json.Marshal(map[string]interface{}{
		"query":   query,
		"sources": sources,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/synthesize", bytes.NewReader(payload))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("ai-service /api/synthesize: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return "", 0, fmt.Errorf("ai-service /api/synthesize returned %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Summary         string  `json:"summary"`
		ConfidenceScore float64 `json:"confidence_score"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", 0, fmt.Errorf("ai-service /api/synthesize: decode: %w", err)
	}
	return result.Summary, result.ConfidenceScore, nil
}

var _ Synthesizer = (*SynthesisClient)(nil)
