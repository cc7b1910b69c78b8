package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/raphaelgruber/scrapedeck/internal/metrics"
	"github.com/raphaelgruber/scrapedeck/internal/models"
	"golang.org/x/time/rate"
)

// Weight lookup defaults.
const (
	DefaultWeightRPS      = 2
	DefaultWeightCacheTTL = 10 * time.Minute
	weightCacheSize       = 512
)

// ErrWeightUnavailable is returned when the lookup service has no usable weight
// for a category.
var ErrWeightUnavailable = errors.New("weight unavailable")

// WeightClient looks up shipping weights by category.
type WeightClient struct {
	endpoint   string
	httpClient *http.Client
	limiter    *rate.Limiter
	cache      *expirable.LRU[string, float64]
	metrics    *metrics.Collector
	logger     *slog.Logger
}

// WeightOption configures the WeightClient.
type WeightOption func(*WeightClient)

// WithWeightHTTPClient sets a custom HTTP client.
func WithWeightHTTPClient(httpClient *http.Client) WeightOption {
	return func(c *WeightClient) {
		c.httpClient = httpClient
	}
}

// WithWeightRateLimit sets the maximum lookups per second.
func WithWeightRateLimit(requestsPerSecond float64) WeightOption {
	return func(c *WeightClient) {
		if requestsPerSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), max(1, int(requestsPerSecond)))
		}
	}
}

// WithWeightCacheTTL sets how long a weight stays cached.
func WithWeightCacheTTL(ttl time.Duration) WeightOption {
	return func(c *WeightClient) {
		c.cache = expirable.NewLRU[string, float64](weightCacheSize, nil, ttl)
	}
}

// WithWeightMetrics records every lookup.
func WithWeightMetrics(m *metrics.Collector) WeightOption {
	return func(c *WeightClient) {
		c.metrics = m
	}
}

// WithWeightLogger sets a logger.
func WithWeightLogger(logger *slog.Logger) WeightOption {
	return func(c *WeightClient) {
		c.logger = logger
	}
}

// NewWeightClient creates a lookup client for endpoint, which receives the
// category as the "category" query parameter.
func NewWeightClient(endpoint string, opts ...WeightOption) *WeightClient {
	c := &WeightClient{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(DefaultWeightRPS), DefaultWeightRPS),
		cache:      expirable.NewLRU[string, float64](weightCacheSize, nil, DefaultWeightCacheTTL),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LookupWeight returns the weight for a category. Only successful lookups are
// cached.
func (c *WeightClient) LookupWeight(ctx context.Context, category string) (weight float64, err error) {
	category = strings.TrimSpace(category)
	if category == "" {
		return 0, fmt.Errorf("%w: empty category", ErrWeightUnavailable)
	}
	if w, ok := c.cache.Get(category); ok {
		c.metrics.Incr(metrics.CounterWeightCache)
		return w, nil
	}

	start := time.Now()
	defer func() { c.metrics.Since(metrics.OpWeightLookup, start, err) }()

	if err := c.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("rate limit wait: %w", err)
	}

	u, err := url.Parse(c.endpoint)
	if err != nil {
		return 0, fmt.Errorf("parse weight endpoint: %w", err)
	}
	q := u.Query()
	q.Set("category", category)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, newAPIError(resp.StatusCode, u.Path, body)
	}

	w, ok := parseWeight(body)
	if !ok {
		return 0, fmt.Errorf("%w: category %q", ErrWeightUnavailable, category)
	}
	c.cache.Add(category, w)
	c.logger.Debug("weight lookup", "category", category, "weight", w)
	return w, nil
}

// parseWeight accepts {"weight":n}, {"data":{"weight":n}}, {"data":[{"weight":n}]}
// and [{"weight":n}], where n is a number or a numeric string.
func parseWeight(body []byte) (float64, bool) {
	var list []json.RawMessage
	if err := json.Unmarshal(body, &list); err == nil {
		if len(list) == 0 {
			return 0, false
		}
		return parseWeight(list[0])
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return 0, false
	}
	if raw, ok := obj["weight"]; ok {
		return weightValue(raw)
	}
	if raw, ok := obj["data"]; ok {
		return parseWeight(raw)
	}
	return 0, false
}

func weightValue(raw json.RawMessage) (float64, bool) {
	if isNull(raw) {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, f >= 0
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return models.NonNegative(f), err == nil && f >= 0
	}
	return 0, false
}

func isNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}
