// Package client provides the movie API HTTP client with retry, backoff,
// circuit breaking and error classification.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/movierec-proxy/pkg/pagination"
	"github.com/Sternrassler/movierec-proxy/pkg/policy"
	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Prometheus metrics for upstream client operations.
var (
	upstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "movierec_upstream_requests_total",
		Help: "Total upstream HTTP attempts by endpoint and status",
	}, []string{"endpoint", "status"})

	upstreamRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "movierec_upstream_request_duration_seconds",
		Help:    "Upstream call duration including retries, by endpoint",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	upstreamErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "movierec_upstream_errors_total",
		Help: "Total upstream errors by class",
	}, []string{"class"})
)

const (
	// DefaultBaseURL is the public v3 API root.
	DefaultBaseURL = "https://api.themoviedb.org/3"

	// MaxPage is the highest page the upstream serves for list endpoints.
	MaxPage = 500

	maxBodyBytes = 4 << 20
)

// route maps a logical endpoint to an upstream path. Path parameters are
// written as {name}; query lists parameters forwarded as query string.
type route struct {
	path  string
	query []string
}

var routes = map[string]route{
	policy.Trending:        {path: "/trending/movie/{time_window}"},
	policy.Recommendations: {path: "/movie/{movie_id}/recommendations"},
	policy.Search:          {path: "/search/movie", query: []string{"query"}},
	policy.Popular:         {path: "/movie/popular"},
	policy.MovieDetails:    {path: "/movie/{movie_id}"},
}

// Client is the upstream movie API client. It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	breaker    *gobreaker.CircuitBreaker[[]byte]
	config     Config
	logger     zerolog.Logger
	now        func() time.Time
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the API root, e.g. https://api.themoviedb.org/3.
	BaseURL string

	// APIKey is sent as the api_key query parameter when set.
	APIKey string

	// AccessToken is sent as a Bearer token when set.
	AccessToken string

	// Language is forwarded as the language query parameter when set.
	Language string

	// UserAgent header sent on every request.
	UserAgent string

	// Timeout bounds each individual attempt.
	Timeout time.Duration

	Retry   RetryConfig
	Breaker BreakerConfig

	// Transport overrides the pooled default transport (for testing).
	Transport http.RoundTripper
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(apiKey string) Config {
	return Config{
		BaseURL:   DefaultBaseURL,
		APIKey:    apiKey,
		UserAgent: "movierec-proxy/1.0",
		Timeout:   10 * time.Second,
		Retry:     DefaultRetryConfig(),
		Breaker:   DefaultBreakerConfig(),
	}
}

// New creates a new upstream client.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.APIKey == "" && cfg.AccessToken == "" {
		return nil, fmt.Errorf("api key or access token is required")
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http(s), got %q", cfg.BaseURL)
	}

	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be > 0 (got %s)", cfg.Timeout)
	}
	if cfg.Retry.MaxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be >= 1 (got %d)", cfg.Retry.MaxAttempts)
	}

	transport := cfg.Transport
	if transport == nil {
		pooled := http.DefaultTransport.(*http.Transport).Clone()
		pooled.MaxIdleConns = 100
		pooled.MaxIdleConnsPerHost = 32
		pooled.IdleConnTimeout = 90 * time.Second
		transport = pooled
	}

	c := &Client{
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(transport),
		},
		baseURL: base,
		config:  cfg,
		logger:  logger.With().Str("component", "tmdb-client").Logger(),
		now:     time.Now,
	}
	c.breaker = newBreaker("tmdb", cfg.Breaker, c)

	return c, nil
}

// FetchPage fetches one page of a paginated endpoint and normalizes it.
// It implements pagination.PageSource.
func (c *Client) FetchPage(ctx context.Context, endpoint string, params map[string]string, page int) (*pagination.Page, error) {
	path, query, err := resolve(endpoint, params)
	if err != nil {
		return nil, err
	}
	query.Set("page", strconv.Itoa(page))

	body, err := c.Fetch(ctx, endpoint, path, query)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Page         int               `json:"page"`
		Results      []json.RawMessage `json:"results"`
		TotalPages   int               `json:"total_pages"`
		TotalResults int               `json:"total_results"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		upstreamErrorsTotal.WithLabelValues(string(ErrorClassServer)).Inc()
		return nil, &UpstreamError{
			Endpoint:   endpoint,
			StatusCode: http.StatusOK,
			Class:      ErrorClassServer,
			Message:    "undecodable page",
			Err:        err,
		}
	}

	if raw.Results == nil {
		raw.Results = []json.RawMessage{}
	}
	if raw.Page == 0 {
		raw.Page = page
	}

	return &pagination.Page{
		Items:        raw.Results,
		Page:         raw.Page,
		TotalPages:   min(raw.TotalPages, MaxPage),
		TotalResults: raw.TotalResults,
	}, nil
}

// FetchDetails fetches a single movie object.
func (c *Client) FetchDetails(ctx context.Context, movieID string) (json.RawMessage, error) {
	path, query, err := resolve(policy.MovieDetails, map[string]string{"movie_id": movieID})
	if err != nil {
		return nil, err
	}

	body, err := c.Fetch(ctx, policy.MovieDetails, path, query)
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		upstreamErrorsTotal.WithLabelValues(string(ErrorClassServer)).Inc()
		return nil, &UpstreamError{
			Endpoint:   policy.MovieDetails,
			StatusCode: http.StatusOK,
			Class:      ErrorClassServer,
			Message:    "undecodable movie",
		}
	}
	return json.RawMessage(body), nil
}

// Fetch performs a GET against path with retries and the circuit breaker.
// endpoint labels logs and metrics. Failures are *UpstreamError values, or a
// context error when ctx ends first.
func (c *Client) Fetch(ctx context.Context, endpoint, path string, query url.Values) ([]byte, error) {
	start := time.Now()
	defer func() {
		upstreamRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}()

	return c.execute(endpoint, func() ([]byte, error) {
		return c.retryWithBackoff(ctx, endpoint, func() ([]byte, error) {
			return c.attempt(ctx, endpoint, path, query)
		})
	})
}

// attempt performs a single bounded HTTP round-trip.
func (c *Client) attempt(ctx context.Context, endpoint, path string, query url.Values) ([]byte, error) {
	actx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	u := c.baseURL.JoinPath(path)
	q := url.Values{}
	for k, v := range query {
		q[k] = append([]string(nil), v...)
	}
	if c.config.APIKey != "" {
		q.Set("api_key", c.config.APIKey)
	}
	if c.config.Language != "" && q.Get("language") == "" {
		q.Set("language", c.config.Language)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(actx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	if c.config.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.AccessToken)
	}

	c.logger.Debug().
		Str("endpoint", endpoint).
		Str("path", path).
		Msg("Executing upstream request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.transportError(ctx, endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, c.transportError(ctx, endpoint, err)
	}

	upstreamRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		uerr := newStatusError(endpoint, resp, body, c.now(), c.config.Retry.MaxRetryAfter)
		upstreamErrorsTotal.WithLabelValues(string(uerr.Class)).Inc()

		c.logger.Warn().
			Str("endpoint", endpoint).
			Int("status", resp.StatusCode).
			Str("error_class", string(uerr.Class)).
			Str("message", uerr.Message).
			Msg("Upstream request error")
		return nil, uerr
	}

	return body, nil
}

// transportError classifies a failed round-trip. A caller that went away is
// not an upstream failure and stops the retry loop. An expired caller
// deadline also stops it, but counts as the upstream being unavailable.
func (c *Client) transportError(ctx context.Context, endpoint string, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		upstreamRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		upstreamErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Upstream request outlived the fetch deadline")
		return backoff.Permanent(deadlineError(endpoint, ctx.Err()))
	case ctx.Err() != nil:
		return backoff.Permanent(ctx.Err())
	}

	upstreamRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
	upstreamErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()

	msg := "connection failed"
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "attempt timed out"
	}

	c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Upstream request failed")

	return &UpstreamError{
		Endpoint: endpoint,
		Class:    ErrorClassNetwork,
		Message:  msg,
		Err:      err,
	}
}

func deadlineError(endpoint string, err error) *UpstreamError {
	return &UpstreamError{
		Endpoint: endpoint,
		Class:    ErrorClassNetwork,
		Message:  "fetch deadline exceeded",
		Err:      err,
	}
}

// resolve expands the route of endpoint with params.
func resolve(endpoint string, params map[string]string) (string, url.Values, error) {
	rt, ok := routes[endpoint]
	if !ok {
		return "", nil, fmt.Errorf("%w: %q", ErrUnknownEndpoint, endpoint)
	}

	var b strings.Builder
	rest := rt.path
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[open:], '}') + open
		name := rest[open+1 : end]

		value := params[name]
		if value == "" {
			return "", nil, missingParam(endpoint, name)
		}
		b.WriteString(rest[:open])
		b.WriteString(url.PathEscape(value))
		rest = rest[end+1:]
	}

	query := url.Values{}
	for _, name := range rt.query {
		value := params[name]
		if value == "" {
			return "", nil, missingParam(endpoint, name)
		}
		query.Set(name, value)
	}

	return b.String(), query, nil
}

func missingParam(endpoint, name string) error {
	return &UpstreamError{
		Endpoint: endpoint,
		Class:    ErrorClassClient,
		Message:  fmt.Sprintf("missing parameter %q", name),
	}
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// BreakerState reports the circuit breaker state, or "disabled".
func (c *Client) BreakerState() string {
	if c.breaker == nil {
		return "disabled"
	}
	return c.breaker.State().String()
}
