package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"
)

// Client fetches bulk catalog data over HTTP.
//
// Transient failures (network errors, 5xx, 429) are retried with
// bounded exponential backoff; other HTTP errors fail immediately.
type Client struct {
	baseURL    string
	dataset    string
	httpClient *http.Client
	attempts   int
	baseDelay  time.Duration
	logger     *log.Logger
}

// ClientConfig holds configuration for the HTTP catalog client.
type ClientConfig struct {
	// BaseURL of the catalog API, e.g. https://api.scryfall.com.
	BaseURL string

	// Dataset is the bulk-data slug to sync, e.g. "default-cards".
	Dataset string

	// Attempts is the retry budget for each fetch (default 3).
	Attempts int

	// BaseDelay is the first backoff delay; it doubles per attempt
	// (default 1s).
	BaseDelay time.Duration

	// HTTPClient overrides the default client (mainly for tests).
	HTTPClient *http.Client

	// Logger for retry activity. Nil means a stderr default.
	Logger *log.Logger
}

// NewClient creates an HTTP catalog client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[source] ", log.LstdFlags)
	}
	if cfg.Dataset == "" {
		cfg.Dataset = "default-cards"
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		dataset:    cfg.Dataset,
		httpClient: cfg.HTTPClient,
		attempts:   cfg.Attempts,
		baseDelay:  cfg.BaseDelay,
		logger:     cfg.Logger,
	}
}

// FetchManifest resolves the bulk dataset's download URI and declared size.
func (c *Client) FetchManifest(ctx context.Context) (*Manifest, error) {
	url := c.baseURL + "/bulk-data/" + c.dataset

	var manifest Manifest
	err := c.withRetry(ctx, "manifest fetch", func() error {
		body, err := c.get(ctx, url)
		if err != nil {
			return err
		}
		defer body.Close()

		if err := json.NewDecoder(body).Decode(&manifest); err != nil {
			return fmt.Errorf("failed to parse manifest: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if manifest.DownloadURI == "" {
		return nil, fmt.Errorf("manifest has no download_uri")
	}

	return &manifest, nil
}

// StreamRecords opens the dataset download as a lazy record stream.
// Only establishing the connection is retried; once records are flowing,
// a dropped connection is fatal to the run (a new run restarts cleanly).
func (c *Client) StreamRecords(ctx context.Context, downloadURI string) (RecordStream, error) {
	var stream RecordStream
	err := c.withRetry(ctx, "dataset download", func() error {
		body, err := c.get(ctx, downloadURI)
		if err != nil {
			return err
		}

		s, err := newJSONStream(body)
		if err != nil {
			return err
		}
		stream = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	return stream, nil
}

// get performs one GET and classifies the response.
func (c *Client) get(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", url, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &httpStatusError{err: err, retryable: true}
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, &httpStatusError{
			err:       fmt.Errorf("unexpected status %s from %s", resp.Status, url),
			retryable: retryable,
		}
	}

	return resp.Body, nil
}

// withRetry runs fn with bounded exponential backoff.
// Non-retryable errors are returned as-is; a retryable error that
// survives the whole budget is wrapped in TransientError.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	delay := c.baseDelay
	var lastErr error

	for attempt := 1; attempt <= c.attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		if !isRetryable(err) {
			return err
		}
		lastErr = err

		if attempt < c.attempts {
			c.logger.Printf("%s attempt %d/%d failed (retrying in %v): %v",
				op, attempt, c.attempts, delay, err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return &TransientError{Op: op, Err: ctx.Err()}
			}
			delay *= 2
		}
	}

	return &TransientError{Op: op, Err: lastErr}
}

// httpStatusError carries retryability for transport-level failures.
type httpStatusError struct {
	err       error
	retryable bool
}

func (e *httpStatusError) Error() string {
	return e.err.Error()
}

func (e *httpStatusError) Unwrap() error {
	return e.err
}

func isRetryable(err error) bool {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.retryable
	}
	return false
}
