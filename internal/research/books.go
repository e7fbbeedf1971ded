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

// BooksClient searches the Google Books volumes API. An API key is
// optional but raises the quota.
type BooksClient struct {
	baseURL     string
	apiKey      string
	maxResults  int
	maxAttempts int
	httpClient  *http.Client
}

func NewBooksClient(baseURL, apiKey string, maxResults, maxAttempts int, timeout time.Duration) *BooksClient {
	if maxResults > 40 {
		maxResults = 40 // Google Books API limit
	}
	return &BooksClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		maxResults:  maxResults,
		maxAttempts: maxAttempts,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

func (c *BooksClient) Name() string { return models.SourceGoogleBooks }

type booksResponse struct {
	Items []struct {
		VolumeInfo struct {
			Title               string   `json:"title"`
			Authors             []string `json:"authors"`
			Description         string   `json:"description"`
			PublishedDate       string   `json:"publishedDate"`
			InfoLink            string   `json:"infoLink"`
			PreviewLink         string   `json:"previewLink"`
			IndustryIdentifiers []struct {
				Type       string `json:"type"`
				Identifier string `json:"identifier"`
			} `json:"industryIdentifiers"`
		} `json:"volumeInfo"`
	} `json:"items"`
}

func (c *BooksClient) Search(ctx context.Context, query string) ([]models.SourceResult, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("maxResults", strconv.Itoa(c.maxResults))
	if c.apiKey != "" {
		params.Set("key", c.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/volumes?"+params.Encode(), nil)
	if err != nil {
		return nil, sourceErr(c.Name(), ErrUnknown, err)
	}

	resp, err := doWithRetry(ctx, c.httpClient, c.Name(), req, c.maxAttempts)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body booksResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, decodeErr(c.Name(), err)
	}

	results := make([]models.SourceResult, 0, len(body.Items))
	for _, item := range body.Items {
		info := item.VolumeInfo
		if info.Title == "" {
			continue
		}
		r := models.SourceResult{
			Title:       info.Title,
			Authors:     info.Authors,
			Abstract:    info.Description,
			URL:         info.InfoLink,
			PreviewLink: info.PreviewLink,
			SourceType:  models.SourceGoogleBooks,
		}
		for _, id := range info.IndustryIdentifiers {
			// Prefer ISBN-13 over ISBN-10.
			if id.Type == "ISBN_13" {
				r.ISBN = id.Identifier
				break
			}
			if id.Type == "ISBN_10" && r.ISBN == "" {
				r.ISBN = id.Identifier
			}
		}
		if d := parsePublishedDate(info.PublishedDate); d != nil {
			r.PublicationDate = d
		}
		results = append(results, r)
	}
	return results, nil
}

// parsePublishedDate accepts the formats Google Books emits:
// "2006", "2006-01", "2006-01-02".
func parsePublishedDate(s string) *time.Time {
	for _, layout := range []string{"2006-01-02", "2006-01", "2006"} {
		if d, err := time.Parse(layout, s); err == nil {
			return &d
		}
	}
	return nil
}

var _ SourceClient = (*BooksClient)(nil)
