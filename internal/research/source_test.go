package research

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayush/research-aggregator/internal/models"
)

const booksBody = `{
  "items": [
    {
      "volumeInfo": {
        "title": "Deep Learning",
        "authors": ["Ian Goodfellow", "Yoshua Bengio"],
        "description": "A textbook.",
        "publishedDate": "2016-11-18",
        "infoLink": "https://books.example/deep-learning",
        "previewLink": "https://books.example/deep-learning/preview",
        "industryIdentifiers": [
          {"type": "ISBN_10", "identifier": "0262035618"},
          {"type": "ISBN_13", "identifier": "9780262035613"}
        ]
      }
    },
    {
      "volumeInfo": {
        "title": "Untitled Era",
        "publishedDate": "1999",
        "industryIdentifiers": [
          {"type": "ISBN_10", "identifier": "0000000000"}
        ]
      }
    },
    {"volumeInfo": {"title": ""}}
  ]
}`

func TestBooksClientParsesVolumes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/volumes", r.URL.Path)
		assert.Equal(t, "deep learning", r.URL.Query().Get("q"))
		w.Write([]byte(booksBody))
	}))
	defer srv.Close()

	c := NewBooksClient(srv.URL, "", 20, 1, 5*time.Second)
	results, err := c.Search(context.Background(), "deep learning")
	require.NoError(t, err)
	require.Len(t, results, 2, "untitled items are skipped")

	first := results[0]
	assert.Equal(t, "Deep Learning", first.Title)
	assert.Equal(t, []string{"Ian Goodfellow", "Yoshua Bengio"}, first.Authors)
	assert.Equal(t, "9780262035613", first.ISBN, "ISBN-13 wins over ISBN-10")
	assert.Equal(t, models.SourceGoogleBooks, first.SourceType)
	require.NotNil(t, first.PublicationDate)
	assert.Equal(t, 2016, first.PublicationDate.Year())

	second := results[1]
	assert.Equal(t, "0000000000", second.ISBN)
	require.NotNil(t, second.PublicationDate)
	assert.Equal(t, 1999, second.PublicationDate.Year())
}

func TestRetryAfterRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"items": []}`))
	}))
	defer srv.Close()

	c := NewBooksClient(srv.URL, "", 20, 3, 5*time.Second)
	results, err := c.Search(context.Background(), "anything")
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.EqualValues(t, 2, calls.Load())
}

func TestAuthFailureIsTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewBooksClient(srv.URL, "bad-key", 20, 3, 5*time.Second)
	_, err := c.Search(context.Background(), "anything")

	var se *SourceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrAuthFailed, se.Kind)
	assert.Equal(t, models.SourceGoogleBooks, se.Source)
	assert.EqualValues(t, 1, calls.Load(), "4xx auth errors are not retried")
}

func TestUpstreamErrorsExhaustRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewBooksClient(srv.URL, "", 20, 2, 5*time.Second)
	_, err := c.Search(context.Background(), "anything")

	var se *SourceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrUpstreamUnavailable, se.Kind)
	assert.EqualValues(t, 2, calls.Load())
}

func TestDeadlineClassifiedAsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := NewBooksClient(srv.URL, "", 20, 1, 5*time.Second)
	_, err := c.Search(ctx, "anything")

	var se *SourceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrTimeout, se.Kind)
}

const scholarBody = `{
  "organic_results": [
    {
      "title": "Attention Is All You Need",
      "link": "https://scholar.example/attention",
      "snippet": "We propose the Transformer.",
      "publication_info": {
        "summary": "A Vaswani, N Shazeer - NeurIPS, 2017 - papers.nips.cc",
        "authors": [{"name": "A Vaswani"}, {"name": "N Shazeer"}]
      },
      "inline_links": {"cited_by": {"total": 90000}}
    },
    {
      "title": "An Uncited Preprint",
      "link": "https://scholar.example/preprint",
      "publication_info": {"summary": "J Doe - arXiv"}
    }
  ]
}`

func TestScholarClientParsesResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search.json", r.URL.Path)
		assert.Equal(t, "google_scholar", r.URL.Query().Get("engine"))
		assert.Equal(t, "sk-test", r.URL.Query().Get("api_key"))
		w.Write([]byte(scholarBody))
	}))
	defer srv.Close()

	c := NewScholarClient(srv.URL, "sk-test", 20, 1, 5*time.Second)
	results, err := c.Search(context.Background(), "transformers")
	require.NoError(t, err)
	require.Len(t, results, 2)

	first := results[0]
	assert.Equal(t, "Attention Is All You Need", first.Title)
	assert.Equal(t, []string{"A Vaswani", "N Shazeer"}, first.Authors)
	require.NotNil(t, first.CitationCount)
	assert.Equal(t, 90000, *first.CitationCount)
	require.NotNil(t, first.PublicationDate)
	assert.Equal(t, 2017, first.PublicationDate.Year())

	second := results[1]
	assert.Nil(t, second.CitationCount)
	assert.Nil(t, second.PublicationDate)
}

func TestParseYear(t *testing.T) {
	tests := []struct {
		summary string
		year    int // 0 means no year expected
	}{
		{"J Smith - Nature, 2019 - nature.com", 2019},
		{"A Vaswani, N Shazeer - NeurIPS, 2017 - papers.nips.cc", 2017},
		{"J Doe - arXiv", 0},
		{"published 1850", 0},
		{"", 0},
	}
	for _, tt := range tests {
		d := parseYear(tt.summary)
		if tt.year == 0 {
			assert.Nil(t, d, "summary %q", tt.summary)
			continue
		}
		require.NotNil(t, d, "summary %q", tt.summary)
		assert.Equal(t, tt.year, d.Year())
	}
}

const scienceDirectBody = `{
  "search-results": {
    "entry": [
      {
        "dc:title": "Graphene-based supercapacitors",
        "dc:creator": "Liang Chen",
        "prism:publicationName": "Journal of Power Sources",
        "prism:doi": "10.1016/j.jpowsour.2020.123456",
        "prism:coverDate": "2020-06-15",
        "prism:url": "https://sciencedirect.example/pii/S0378",
        "openaccess": true,
        "authors": {
          "author": [
            {"given-name": "Liang", "surname": "Chen"},
            {"given-name": "Mei", "surname": "Wu"}
          ]
        }
      },
      {
        "dc:title": "Closed-access paper",
        "dc:creator": "Solo Author",
        "prism:coverDate": "2018-01-01",
        "openaccess": false
      }
    ]
  }
}`

func TestScienceDirectRequiresAPIKey(t *testing.T) {
	c := NewScienceDirectClient("https://api.example", "", 25, 3, 5*time.Second)
	_, err := c.Search(context.Background(), "anything")

	var se *SourceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrAuthFailed, se.Kind)
	assert.Equal(t, models.SourceScienceDirect, se.Source)
}

func TestScienceDirectParsesEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/content/search/sciencedirect", r.URL.Path)
		assert.Equal(t, "els-key", r.Header.Get("X-ELS-APIKey"))
		w.Write([]byte(scienceDirectBody))
	}))
	defer srv.Close()

	c := NewScienceDirectClient(srv.URL, "els-key", 25, 1, 5*time.Second)
	results, err := c.Search(context.Background(), "graphene")
	require.NoError(t, err)
	require.Len(t, results, 2)

	first := results[0]
	assert.Equal(t, "Graphene-based supercapacitors", first.Title)
	assert.Equal(t, []string{"Liang Chen", "Mei Wu"}, first.Authors)
	assert.Equal(t, "10.1016/j.jpowsour.2020.123456", first.DOI)
	assert.Equal(t, "Journal of Power Sources", first.Journal)
	assert.Equal(t, "open_access", first.AccessStatus)
	require.NotNil(t, first.PublicationDate)
	assert.Equal(t, 2020, first.PublicationDate.Year())

	second := results[1]
	assert.Equal(t, []string{"Solo Author"}, second.Authors, "dc:creator is the author fallback")
	assert.Equal(t, "subscription", second.AccessStatus)
}

func TestParsePublishedDate(t *testing.T) {
	require.Nil(t, parsePublishedDate("not a date"))
	require.Nil(t, parsePublishedDate(""))
	for in, year := range map[string]int{"2016-11-18": 2016, "2016-11": 2016, "2016": 2016} {
		d := parsePublishedDate(in)
		require.NotNil(t, d, "input %q", in)
		assert.Equal(t, year, d.Year())
	}
}

func TestSourceErrorUnwraps(t *testing.T) {
	base := errors.New("boom")
	err := sourceErr("x", ErrUnknown, base)
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "unknown")
}
