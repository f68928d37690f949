// Package fetch implements domain.Fetcher's FETCH stage (spec §4.4) as a
// plain HTTP GET against the job's code_url.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPFetcher retrieves composition code over HTTP, requiring a 2xx status
// and a non-empty body as the spec mandates.
type HTTPFetcher struct {
	client *http.Client
}

// New builds an HTTPFetcher with a bounded per-request timeout.
func New(timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPFetcher{client: &http.Client{Timeout: timeout}}
}

// Fetch downloads the body at url.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("op=fetch.request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=fetch.do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("op=fetch: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("op=fetch.read: %w", err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("op=fetch: empty body")
	}
	return body, nil
}
