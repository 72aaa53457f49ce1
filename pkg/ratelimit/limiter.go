package ratelimit

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/throttled/throttled/v2"
)

// Response headers set for every limited route.
const (
	HeaderLimit      = "RateLimit-Limit"
	HeaderRemaining  = "RateLimit-Remaining"
	HeaderReset      = "RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

var decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "movierec_ratelimit_decisions_total",
	Help: "Inbound rate limit decisions by result",
}, []string{"result"})

// Config holds the inbound limiter configuration.
type Config struct {
	// RequestsPerMinute is the sustained rate per client key.
	RequestsPerMinute int

	// Burst is the number of requests a fresh client may send at once.
	// 0 means RequestsPerMinute.
	Burst int

	// GracefulDegraded lets requests through when the store fails.
	GracefulDegraded bool
}

// DefaultConfig returns 100 requests per minute with graceful degradation.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 100,
		GracefulDegraded:  true,
	}
}

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAfter time.Duration
	RetryAfter time.Duration

	// Degraded is set when the store failed and the request was let through.
	Degraded bool
}

// WriteHeaders sets the RateLimit-* headers, and Retry-After when denied.
// Degraded decisions carry no headers.
func (d Decision) WriteHeaders(h http.Header, now time.Time) {
	if d.Degraded {
		return
	}

	h.Set(HeaderLimit, strconv.Itoa(d.Limit))
	h.Set(HeaderRemaining, strconv.Itoa(d.Remaining))
	h.Set(HeaderReset, strconv.FormatInt(now.Add(d.ResetAfter).Unix(), 10))

	if !d.Allowed {
		h.Set(HeaderRetryAfter, strconv.Itoa(ceilSeconds(d.RetryAfter)))
	}
}

func ceilSeconds(d time.Duration) int {
	return max(int(math.Ceil(d.Seconds())), 1)
}

// Limiter applies a GCRA quota per client key.
type Limiter struct {
	limiter *throttled.GCRARateLimiterCtx
	cfg     Config
	logger  zerolog.Logger
}

// NewLimiter creates a limiter over store.
func NewLimiter(store throttled.GCRAStoreCtx, cfg Config, logger zerolog.Logger) (*Limiter, error) {
	if cfg.RequestsPerMinute <= 0 {
		return nil, fmt.Errorf("requests per minute must be > 0 (got %d)", cfg.RequestsPerMinute)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}

	// MaxBurst counts requests beyond the first one.
	quota := throttled.RateQuota{
		MaxRate:  throttled.PerMin(cfg.RequestsPerMinute),
		MaxBurst: burst - 1,
	}

	rl, err := throttled.NewGCRARateLimiterCtx(store, quota)
	if err != nil {
		return nil, fmt.Errorf("create rate limiter: %w", err)
	}

	return &Limiter{
		limiter: rl,
		cfg:     cfg,
		logger:  logger.With().Str("component", "ratelimit").Logger(),
	}, nil
}

// Allow consumes one request from key's budget. A store failure is absorbed
// as a degraded allow when GracefulDegraded is set and returned otherwise.
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	limited, res, err := l.limiter.RateLimitCtx(ctx, key, 1)
	if err != nil {
		decisionsTotal.WithLabelValues("degraded").Inc()
		l.logger.Warn().Err(err).Str("key", key).Msg("Rate limiter store error")

		if l.cfg.GracefulDegraded {
			return Decision{Allowed: true, Degraded: true}, nil
		}
		return Decision{}, fmt.Errorf("rate limiter store: %w", err)
	}

	d := Decision{
		Allowed:    !limited,
		Limit:      res.Limit,
		Remaining:  res.Remaining,
		ResetAfter: res.ResetAfter,
		RetryAfter: res.RetryAfter,
	}

	if limited {
		decisionsTotal.WithLabelValues("limited").Inc()
		l.logger.Debug().Str("key", key).Dur("retry_after", res.RetryAfter).Msg("Request rate limited")
	} else {
		decisionsTotal.WithLabelValues("allowed").Inc()
	}

	return d, nil
}
