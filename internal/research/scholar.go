package research

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ayush/research-aggregator/internal/models"
)

// ScholarClient searches Google Scholar through the SerpAPI JSON
// endpoint.
type ScholarClient struct {
	baseURL     string
	apiKey      string
	maxResults  int
	maxAttempts int
	httpClient  *http.Client
}

func NewScholarClient(baseURL, apiKey string, maxResults, maxAttempts int, timeout time.Duration) *ScholarClient {
	return &ScholarClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		maxResults:  maxResults,
		maxAttempts: maxAttempts,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

func (c *ScholarClient) Name() string { return models.SourceGoogleScholar }

type scholarResponse struct {
	OrganicResults []struct {
		Title           string `json:"title"`
		Link            string `json:"link"`
		Snippet         string `json:"snippet"`
		PublicationInfo struct {
			Summary string `json:"summary"`
			Authors []struct {
				Name string `json:"name"`
			} `json:"authors"`
		} `json:"publication_info"`
		InlineLinks struct {
			CitedBy struct {
				Total int `json:"total"`
			} `json:"cited_by"`
		} `json:"inline_links"`
	} `json:"organic_results"`
}

func (c *ScholarClient) Search(ctx context.Context, query string) ([]models.SourceResult, error) {
	params := url.Values{}
	params.Set("engine", "google_scholar")
	params.Set("q", query)
	params.Set("num", strconv.Itoa(c.maxResults))
	if c.apiKey != "" {
		params.Set("api_key", c.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/search.json?"+params.Encode(), nil)
	if err != nil {
		return nil, sourceErr(c.Name(), ErrUnknown, err)
	}

	resp, err := doWithRetry(ctx, c.httpClient, c.Name(), req, c.maxAttempts)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body scholarResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, decodeErr(c.Name(), err)
	}

	results := make([]models.SourceResult, 0, len(body.OrganicResults))
	for _, item := range body.OrganicResults {
		if item.Title == "" {
			continue
		}
		r := models.SourceResult{
			Title:      item.Title,
			URL:        item.Link,
			Abstract:   item.Snippet,
			SourceType: models.SourceGoogleScholar,
		}
		for _, a := range item.PublicationInfo.Authors {
			if a.Name != "" {
				r.Authors = append(r.Authors, a.Name)
			}
		}
		if cited := item.InlineLinks.CitedBy.Total; cited > 0 {
			r.CitationCount = &cited
		}
		if d := parseYear(item.PublicationInfo.Summary); d != nil {
			r.PublicationDate = d
		}
		results = append(results, r)
	}
	return results, nil
}

// parseYear pulls a plausible four-digit year out of a publication
// summary line such as "J Smith - Nature, 2019 - nature.com".
func parseYear(summary string) *time.Time {
	for _, field := range strings.FieldsFunc(summary, func(r rune) bool {
		return r == ' ' || r == ',' || r == '-'
	}) {
		if len(field) != 4 {
			continue
		}
		year, err := strconv.Atoi(field)
		if err != nil || year < 1900 || year > time.Now().Year()+1 {
			continue
		}
		d := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
		return &d
	}
	return nil
}

var _ SourceClient = (*ScholarClient)(nil)
