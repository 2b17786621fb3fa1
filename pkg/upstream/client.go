// Package upstream issues paginated public-server listing requests against
// the game platform API, gated by the shared throttle. One call to FetchPage
// is one upstream page request; the client never retries on its own.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/bananalabs/server-fetcher/pkg/pool"
	"github.com/bananalabs/server-fetcher/pkg/throttle"
)

// PageSize is the fixed number of servers requested per page.
const PageSize = 100

// Prometheus metrics for upstream requests.
var (
	upstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetcher_upstream_requests_total",
		Help: "Total upstream listing requests by outcome",
	}, []string{"status"})

	upstreamRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fetcher_upstream_request_duration_seconds",
		Help:    "Upstream listing request duration in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	})
)

// Page is one successfully fetched page of the public server listing.
type Page struct {
	Records    []pool.ServerRecord
	NextCursor pool.Cursor
}

// Config holds the upstream client configuration.
type Config struct {
	// BaseURL is the games API root, e.g. "https://games.roblox.com/v1/games".
	BaseURL string

	// Timeout is the per-request network timeout.
	Timeout time.Duration

	// UserAgent is sent with every request.
	UserAgent string
}

// DefaultConfig returns the production upstream configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:   "https://games.roblox.com/v1/games",
		Timeout:   10 * time.Second,
		UserAgent: "server-fetcher/1.0",
	}
}

// Client fetches public-server listing pages through the throttle.
type Client struct {
	httpClient *http.Client
	throttle   *throttle.Throttle
	config     Config
	logger     zerolog.Logger
}

// New creates an upstream client. The throttle is required: every fetch
// must pass through the shared request gate.
func New(cfg Config, th *throttle.Throttle, logger zerolog.Logger) (*Client, error) {
	if th == nil {
		return nil, fmt.Errorf("throttle is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		throttle:   th,
		config:     cfg,
		logger:     logger,
	}, nil
}

// listingResponse is the upstream wire format for one listing page.
type listingResponse struct {
	Data           []pool.ServerRecord `json:"data"`
	NextPageCursor string              `json:"nextPageCursor"`
}

// FetchPage fetches one page of the public server listing for placeID.
// It acquires the throttle first; during an active cooldown it returns
// *throttle.RateLimitedError without touching the network. A 429 response
// reports the cooldown and returns *throttle.RateLimitedError; any other
// failure returns *Error.
func (c *Client) FetchPage(ctx context.Context, placeID int64, cursor pool.Cursor, excludeFull bool) (*Page, error) {
	if err := c.throttle.Acquire(ctx); err != nil {
		return nil, err
	}

	reqURL := c.pageURL(placeID, cursor, excludeFull)

	c.logger.Debug().
		Int64("place_id", placeID).
		Str("cursor", cursor.String()).
		Bool("exclude_full", excludeFull).
		Msg("Fetching server listing page")

	start := time.Now()
	defer func() {
		upstreamRequestDuration.Observe(time.Since(start).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		upstreamRequestsTotal.WithLabelValues("network_error").Inc()
		c.logger.Error().Err(err).Int64("place_id", placeID).Msg("Upstream request failed")
		return nil, &Error{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var listing listingResponse
		if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
			upstreamRequestsTotal.WithLabelValues("decode_error").Inc()
			return nil, &Error{Err: fmt.Errorf("decode listing: %w", err)}
		}

		upstreamRequestsTotal.WithLabelValues("200").Inc()
		c.logger.Info().
			Int64("place_id", placeID).
			Int("servers", len(listing.Data)).
			Bool("has_next", listing.NextPageCursor != "").
			Msg("Fetched server listing page")

		return &Page{
			Records:    listing.Data,
			NextCursor: pool.CursorFromNext(listing.NextPageCursor),
		}, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		upstreamRequestsTotal.WithLabelValues("429").Inc()
		// The upstream's own retry hint is informational only; the fixed
		// configured cooldown is what callers wait out.
		if hint := resp.Header.Get("Retry-After"); hint != "" {
			c.logger.Warn().Str("upstream_retry_after", hint).Msg("Upstream reported its own retry hint")
		}
		cooldown := c.throttle.ReportRateLimited()
		return nil, &throttle.RateLimitedError{RetryAfter: cooldown}

	default:
		upstreamRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
		detail := readDetail(resp.Body)
		c.logger.Warn().
			Int64("place_id", placeID).
			Int("status", resp.StatusCode).
			Str("detail", detail).
			Msg("Upstream listing error")
		return nil, &Error{StatusCode: resp.StatusCode, Detail: detail}
	}
}

// pageURL builds the listing URL for one page request.
func (c *Client) pageURL(placeID int64, cursor pool.Cursor, excludeFull bool) string {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(PageSize))
	query.Set("excludeFullGames", strconv.FormatBool(excludeFull))
	if token, ok := cursor.Token(); ok {
		query.Set("cursor", token)
	}
	return fmt.Sprintf("%s/%d/servers/Public?%s", c.config.BaseURL, placeID, query.Encode())
}

// readDetail extracts a short error detail from a response body.
func readDetail(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 512))
	if err != nil || len(data) == 0 {
		return ""
	}
	return string(data)
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
