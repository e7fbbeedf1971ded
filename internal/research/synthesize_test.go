package research

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayush/research-aggregator/internal/models"
)

func TestSynthesisClientRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/synthesize", r.URL.Path)

		var req struct {
			Query   string                          `json:"query"`
			Sources map[string][]models.SourceResult `json:"sources"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "machine learning", req.Query)
		assert.Len(t, req.Sources, 2)

		json.NewEncoder(w).Encode(map[string]interface{}{
			"summary":          "A synthesis of the findings.",
			"confidence_score": 0.87,
		})
	}))
	defer srv.Close()

	c := NewSynthesisClient(srv.URL)
	summary, confidence, err := c.Synthesize(context.Background(), "machine learning", map[string][]models.SourceResult{
		models.SourceGoogleScholar: {paper("s1")},
		models.SourceGoogleBooks:   {paper("b1")},
	})
	require.NoError(t, err)
	assert.Equal(t, "A synthesis of the findings.", summary)
	assert.InDelta(t, 0.87, confidence, 1e-9)
}

func TestSynthesisClientSurfacesUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewSynthesisClient(srv.URL)
	_, _, err := c.Synthesize(context.Background(), "q", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
