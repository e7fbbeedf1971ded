package research

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/ayush/research-aggregator/internal/models"
)

// SourceClient is the uniform search capability implemented by all
// three providers. Implementations respect ctx's deadline, never block
// past it, and retry transient failures internally with exponential
// backoff before surfacing a terminal *SourceError. A successful call
// with zero results is not an error.
type SourceClient interface {
	Name() string
	Search(ctx context.Context, query string) ([]models.SourceResult, error)
}

// ErrorKind classifies terminal provider failures.
type ErrorKind string

const (
	ErrRateLimited         ErrorKind = "rate_limited"
	ErrAuthFailed          ErrorKind = "auth_failed"
	ErrTimeout             ErrorKind = "timeout"
	ErrUpstreamUnavailable ErrorKind = "upstream_unavailable"
	ErrUnknown             ErrorKind = "unknown"
)

// SourceError is the terminal error surfaced by a SourceClient. It is
// always handled at the orchestration boundary and never reaches the
// caller; a failed source simply has no key in the merged result.
type SourceError struct {
	Source string
	Kind   ErrorKind
	Err    error
}

func (e *SourceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Source, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Source, e.Kind)
}

func (e *SourceError) Unwrap() error { return e.Err }

// sourceErr wraps err with source/kind classification.
func sourceErr(source string, kind ErrorKind, err error) *SourceError {
	return &SourceError{Source: source, Kind: kind, Err: err}
}

// classifyStatus maps a terminal HTTP status to an error kind.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuthFailed
	case status >= 500:
		return ErrUpstreamUnavailable
	default:
		return ErrUnknown
	}
}

// retryable reports whether a response status is worth another attempt.
// Auth failures and other 4xx are terminal immediately.
func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// backoffDelay doubles per attempt from 500ms, capped at 30s, with a
// little jitter to spread concurrent retries.
func backoffDelay(attempt int) time.Duration {
	d := 500 * time.Millisecond << attempt
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}

// doWithRetry issues the request, retrying 429s, 5xx responses, and
// network errors with exponential backoff up to maxAttempts. It
// returns the final response for the caller to decode, or a
// *SourceError once the attempts are exhausted or the deadline fires.
// Retry sleeps are cut short by ctx cancellation.
func doWithRetry(ctx context.Context, client *http.Client, source string, req *http.Request, maxAttempts int) (*http.Response, error) {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var lastStatus int
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, sourceErr(source, ErrTimeout, ctx.Err())
			case <-time.After(backoffDelay(attempt - 1)):
			}
		}

		resp, err := client.Do(req.Clone(ctx))
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return nil, sourceErr(source, ErrTimeout, err)
			}
			lastStatus = 0
			continue // network error, retry
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		lastStatus = resp.StatusCode
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if !retryable(resp.StatusCode) {
			return nil, sourceErr(source, classifyStatus(resp.StatusCode),
				fmt.Errorf("upstream returned %d", resp.StatusCode))
		}
	}

	if lastStatus == 0 {
		return nil, sourceErr(source, ErrUpstreamUnavailable, errors.New("request failed after retries"))
	}
	return nil, sourceErr(source, classifyStatus(lastStatus),
		fmt.Errorf("upstream returned %d after %d attempts", lastStatus, maxAttempts))
}

// decodeErr classifies errors from reading/decoding a 2xx body.
func decodeErr(source string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return sourceErr(source, ErrTimeout, err)
	}
	return sourceErr(source, ErrUnknown, err)
}
