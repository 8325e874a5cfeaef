package retail

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// DefaultBaseURL is the public retail prices endpoint.
const DefaultBaseURL = "https://prices.azure.com/api/retail/prices"

// DefaultMaxPages bounds a single filter walk. The upstream API serves 100
// items per page, so this cap only trips on runaway NextPageLink loops.
const DefaultMaxPages = 20000

// Client fetches paginated pricing data from the retail prices API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	retries    int
	maxPages   int
	logger     zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the upstream endpoint, used by tests and mirrors.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithMaxPages overrides the page safety cap.
func WithMaxPages(n int) Option {
	return func(c *Client) { c.maxPages = n }
}

// WithRetries sets the per-page retry budget for transient failures.
func WithRetries(n int) Option {
	return func(c *Client) { c.retries = n }
}

// WithLogger attaches a logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a retail prices client with production defaults.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    DefaultBaseURL,
		retries:    3,
		maxPages:   DefaultMaxPages,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchAll follows NextPageLink until exhausted or the page cap is hit and
// returns the items from every page for the given OData filter expression.
func (c *Client) FetchAll(ctx context.Context, filter, currencyCode string) ([]Item, error) {
	q := url.Values{}
	q.Set("$filter", filter)
	q.Set("currencyCode", currencyCode)
	next := c.baseURL + "?" + q.Encode()

	var items []Item
	pages := 0
	for next != "" && pages < c.maxPages {
		resp, err := c.fetchPage(ctx, next)
		if err != nil {
			return nil, err
		}
		items = append(items, resp.Items...)
		next = resp.NextPageLink
		pages++
	}
	return items, nil
}

// FetchOne requests a single item for a narrow filter, used by the currency
// rate refresher to probe a reference SKU.
func (c *Client) FetchOne(ctx context.Context, filter, currencyCode string) (*Item, error) {
	q := url.Values{}
	q.Set("$filter", filter)
	q.Set("currencyCode", currencyCode)
	q.Set("$top", "1")

	resp, err := c.fetchPage(ctx, c.baseURL+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	if len(resp.Items) == 0 {
		return nil, nil
	}
	return &resp.Items[0], nil
}

// fetchPage GETs one page, retrying transient failures with exponential backoff.
func (c *Client) fetchPage(ctx context.Context, pageURL string) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * 200 * time.Millisecond
			c.logger.Warn().Str("url", pageURL).Int("attempt", attempt).Err(lastErr).
				Msg("retrying retail prices page fetch")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusOK {
			var page Response
			if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
				resp.Body.Close()
				return nil, fmt.Errorf("failed to decode retail prices page: %w", err)
			}
			resp.Body.Close()
			return &page, nil
		}

		resp.Body.Close()
		lastErr = fmt.Errorf("retail prices API returned %s", resp.Status)
		if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode < 500 {
			// 4xx other than throttling will not heal on retry.
			return nil, lastErr
		}
	}
	return nil, fmt.Errorf("page fetch failed after %d retries: %w", c.retries, lastErr)
}
