package station

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kwv/simreg/icp"
)

const (
	// DefaultFetchTimeout is the default HTTP request timeout for cloud fetches.
	DefaultFetchTimeout = 30 * time.Second

	// DefaultMaxRetries is the default number of retry attempts.
	DefaultMaxRetries = 3

	// defaultBaseBackoff is the base delay for exponential backoff.
	defaultBaseBackoff = 500 * time.Millisecond

	// maxResponseBytes limits the response body to 256 MB.
	maxResponseBytes = 256 << 20
)

// FetchOption configures FetchCloud behavior.
type FetchOption func(*fetchConfig)

type fetchConfig struct {
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	client      *http.Client
}

func defaultFetchConfig() fetchConfig {
	return fetchConfig{
		timeout:     DefaultFetchTimeout,
		maxRetries:  DefaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.timeout = d
	}
}

// WithMaxRetries sets the maximum number of attempts.
func WithMaxRetries(n int) FetchOption {
	return func(c *fetchConfig) {
		c.maxRetries = n
	}
}

// WithBaseBackoff sets the base delay for exponential backoff between retries.
func WithBaseBackoff(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.baseBackoff = d
	}
}

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) FetchOption {
	return func(c *fetchConfig) {
		c.client = client
	}
}

// IsURL reports whether location should be fetched over HTTP.
func IsURL(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}

// LoadCloud reads a cloud from a file path or an http(s) URL.
func LoadCloud(ctx context.Context, location string, opts ...FetchOption) (*icp.PointBuffer, error) {
	if IsURL(location) {
		return FetchCloud(ctx, location, opts...)
	}
	return ParseCloudFile(location)
}

// FetchCloud downloads and parses a point cloud, retrying transient failures
// with exponential backoff. The URL path extension or the response content
// type picks the format.
func FetchCloud(ctx context.Context, cloudURL string, opts ...FetchOption) (*icp.PointBuffer, error) {
	if cloudURL == "" {
		return nil, fmt.Errorf("fetch cloud: URL is empty")
	}

	cfg := defaultFetchConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}

	var lastErr error
	for attempt := range cfg.maxRetries {
		if attempt > 0 {
			backoff := cfg.baseBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("fetch cloud: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		body, contentType, err := doFetch(ctx, client, cloudURL)
		if err != nil {
			lastErr = err
			continue
		}

		b, err := ParseCloud(body, fetchedFormat(cloudURL, contentType))
		if err != nil {
			// Parse errors are not transient; do not retry.
			return nil, fmt.Errorf("fetch cloud: %w", err)
		}
		return b, nil
	}

	return nil, fmt.Errorf("fetch cloud: all %d attempts failed: %w", cfg.maxRetries, lastErr)
}

func fetchedFormat(cloudURL, contentType string) CloudFormat {
	if u, err := url.Parse(cloudURL); err == nil {
		if f := formatFromName(u.Path); f != FormatAuto {
			return f
		}
	}
	if strings.Contains(contentType, "json") {
		return FormatJSON
	}
	return FormatAuto
}

// doFetch performs a single HTTP GET and returns the body and content type.
func doFetch(ctx context.Context, client *http.Client, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")

	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("HTTP GET %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("HTTP GET %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, "", fmt.Errorf("reading response from %s: %w", url, err)
	}

	return body, resp.Header.Get("Content-Type"), nil
}
