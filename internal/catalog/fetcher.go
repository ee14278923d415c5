package catalog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// maxBodyBytes caps a single catalog response.
const maxBodyBytes = 50 << 20

// Fetcher retrieves raw catalog documents (JSON or TLE) from remote sources.
type Fetcher struct {
	sourceURL  string
	extraURLs  []string
	httpClient *http.Client
	logger     *slog.Logger
	maxTries   uint
}

// NewFetcher creates a Fetcher for the given source URL. Extra URLs are
// fetched after the primary and appended; their failures are logged and
// otherwise ignored.
func NewFetcher(sourceURL string, logger *slog.Logger, extraURLs ...string) *Fetcher {
	return &Fetcher{
		sourceURL: sourceURL,
		extraURLs: extraURLs,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:   logger,
		maxTries: 3,
	}
}

// SourceURL returns the configured source URL.
func (f *Fetcher) SourceURL() string {
	return f.sourceURL
}

// Fetch retrieves the primary source, retrying transient failures with
// exponential backoff, then appends every extra source that succeeds.
func (f *Fetcher) Fetch(ctx context.Context) ([]byte, error) {
	if f.sourceURL == "" {
		return nil, fmt.Errorf("no catalog source URL configured")
	}

	body, err := backoff.Retry(ctx, func() ([]byte, error) {
		return f.get(ctx, f.sourceURL)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(f.maxTries),
	)
	if err != nil {
		return nil, err
	}

	for _, u := range f.extraURLs {
		extra, err := f.get(ctx, u)
		if err != nil {
			f.logger.Warn("extra catalog source failed", "url", u, "error", err)
			continue
		}
		body = append(body, '\n')
		body = append(body, extra...)
	}

	return body, nil
}

func (f *Fetcher) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("creating request: %w", err))
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching catalog: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("unexpected status code %d from %s", resp.StatusCode, url)
	default:
		return nil, backoff.Permanent(fmt.Errorf("unexpected status code %d from %s", resp.StatusCode, url))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, backoff.Permanent(fmt.Errorf("response from %s exceeds %d byte limit", url, maxBodyBytes))
	}

	return body, nil
}
