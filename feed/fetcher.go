package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// FetchResult is the response of a conditional feed fetch.
type FetchResult struct {
	StatusCode   int
	NotModified  bool
	Body         []byte
	ETag         string
	LastModified string
}

// Fetcher performs a conditional GET using the given cache validators.
type Fetcher interface {
	Fetch(ctx context.Context, feedURL, etag, lastModified string) (FetchResult, error)
}

// StatusError is returned for responses that are neither 2xx nor 304.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("feed: unexpected status %d from %s", e.StatusCode, e.URL)
}

const maxFeedBytes = 8 << 20

// HTTPFetcher fetches feeds over HTTP.
type HTTPFetcher struct {
	Client    *http.Client
	UserAgent string
}

func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		Client:    &http.Client{Timeout: timeout},
		UserAgent: "ingestq-feed-poller/1.0",
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, feedURL, etag, lastModified string) (FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return FetchResult{}, fmt.Errorf("failed to build feed request: %w", err)
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lastModified != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return FetchResult{}, fmt.Errorf("failed to fetch feed: %w", err)
	}
	defer resp.Body.Close()

	res := FetchResult{
		StatusCode:   resp.StatusCode,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}

	if resp.StatusCode == http.StatusNotModified {
		res.NotModified = true
		return res, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return res, &StatusError{URL: feedURL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return res, fmt.Errorf("failed to read feed body: %w", err)
	}
	res.Body = body
	return res, nil
}
