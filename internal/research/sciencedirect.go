package research

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ayush/research-aggregator/internal/models"
)

// ScienceDirectClient searches the Elsevier ScienceDirect search API.
// An API key is mandatory; without one every call fails with an auth
// error rather than hitting the network.
type ScienceDirectClient struct {
	baseURL     string
	apiKey      string
	maxResults  int
	maxAttempts int
	httpClient  *http.Client
}

func NewScienceDirectClient(baseURL, apiKey string, maxResults, maxAttempts int, timeout time.Duration) *ScienceDirectClient {
	if maxResults > 100 {
		maxResults = 100 // Elsevier API limit
	}
	return &ScienceDirectClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		maxResults:  maxResults,
		maxAttempts: maxAttempts,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

func (c *ScienceDirectClient) Name() string { return models.SourceScienceDirect }

type scienceDirectResponse struct {
	SearchResults struct {
		Entries []struct {
			Title           string `json:"dc:title"`
			Creator         string `json:"dc:creator"`
			PublicationName string `json:"prism:publicationName"`
			DOI             string `json:"prism:doi"`
			CoverDate       string `json:"prism:coverDate"`
			URL             string `json:"prism:url"`
			OpenAccess      bool   `json:"openaccess"`
			Authors         struct {
				Author []struct {
					GivenName string `json:"given-name"`
					Surname   string `json:"surname"`
				} `json:"author"`
			} `json:"authors"`
		} `json:"entry"`
	} `json:"search-results"`
}

func (c *ScienceDirectClient) Search(ctx context.Context, query string) ([]models.SourceResult, error) {
	if c.apiKey == "" {
		return nil, sourceErr(c.Name(), ErrAuthFailed, errors.New("no API key configured"))
	}

	params := url.Values{}
	params.Set("query", query)
	params.Set("count", strconv.Itoa(c.maxResults))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/content/search/sciencedirect?"+params.Encode(), nil)
	if err != nil {
		return nil, sourceErr(c.Name(), ErrUnknown, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-ELS-APIKey", c.apiKey)

	resp, err := doWithRetry(ctx, c.httpClient, c.Name(), req, c.maxAttempts)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body scienceDirectResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, decodeErr(c.Name(), err)
	}

	entries := body.SearchResults.Entries
	results := make([]models.SourceResult, 0, len(entries))
	for _, e := range entries {
		if e.Title == "" {
			continue
		}
		r := models.SourceResult{
			Title:      e.Title,
			URL:        e.URL,
			DOI:        e.DOI,
			Journal:    e.PublicationName,
			SourceType: models.SourceScienceDirect,
		}
		if e.OpenAccess {
			r.AccessStatus = "open_access"
		} else {
			r.AccessStatus = "subscription"
		}
		for _, a := range e.Authors.Author {
			name := strings.TrimSpace(a.GivenName + " " + a.Surname)
			if name != "" {
				r.Authors = append(r.Authors, name)
			}
		}
		if len(r.Authors) == 0 && e.Creator != "" {
			r.Authors = []string{e.Creator}
		}
		if d, err := time.Parse("2006-01-02", e.CoverDate); err == nil {
			r.PublicationDate = &d
		}
		results = append(results, r)
	}
	return results, nil
}

var _ SourceClient = (*ScienceDirectClient)(nil)
