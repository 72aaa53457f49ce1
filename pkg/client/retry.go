package client

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for retry operations.
var (
	upstreamRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "movierec_upstream_retries_total",
		Help: "Total number of upstream retry attempts by error class",
	}, []string{"error_class"})

	upstreamRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "movierec_upstream_retry_backoff_seconds",
		Help:    "Backoff duration before upstream retries by error class",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"error_class"})

	upstreamRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "movierec_upstream_retry_exhausted_total",
		Help: "Total number of times upstream retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential delay.
	MaxBackoff time.Duration

	// BackoffMultiplier is the growth factor between delays.
	BackoffMultiplier float64

	// Jitter randomizes each delay by ±Jitter (0..1).
	Jitter float64

	// MaxRetryAfter caps a server supplied Retry-After hint.
	MaxRetryAfter time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.2,
		MaxRetryAfter:     10 * time.Second,
	}
}

func (rc RetryConfig) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rc.InitialBackoff
	b.MaxInterval = rc.MaxBackoff
	b.Multiplier = rc.BackoffMultiplier
	b.RandomizationFactor = rc.Jitter
	return b
}

// RetryBudget is the longest one Fetch can run: every attempt hitting
// Timeout plus the longest wait between attempts, where a wait is the
// jittered backoff or a capped Retry-After, whichever is longer. A caller
// deadline shorter than this can cut the retry loop short.
func (c Config) RetryBudget() time.Duration {
	rc := c.Retry
	attempts := max(rc.MaxAttempts, 1)
	budget := time.Duration(attempts) * c.Timeout

	interval := float64(rc.InitialBackoff)
	for i := 1; i < attempts; i++ {
		if rc.MaxBackoff > 0 && interval > float64(rc.MaxBackoff) {
			interval = float64(rc.MaxBackoff)
		}
		wait := time.Duration(interval * (1 + rc.Jitter))
		budget += max(wait, rc.MaxRetryAfter)
		interval *= max(rc.BackoffMultiplier, 1)
	}
	return budget
}

// retryWithBackoff runs op until it succeeds, fails permanently or runs out
// of attempts. op must return *UpstreamError for upstream failures; the
// returned error is then always an *UpstreamError, or the context error of
// a caller that went away. A deadline that expires between attempts
// surfaces the last upstream failure so a cut-short 429 stays rate limited.
func (c *Client) retryWithBackoff(ctx context.Context, endpoint string, op func() ([]byte, error)) ([]byte, error) {
	rc := c.config.Retry
	attempt := 0
	var last *UpstreamError

	operation := func() ([]byte, error) {
		attempt++
		body, err := op()
		if !errors.As(err, &last) {
			last = nil
		}
		if err == nil {
			if attempt > 1 {
				c.logger.Info().
					Str("endpoint", endpoint).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return body, nil
		}

		var uerr *UpstreamError
		if !errors.As(err, &uerr) || !shouldRetry(uerr.Class) {
			return nil, backoff.Permanent(err)
		}
		if uerr.RetryAfter > 0 {
			return nil, errors.Join(err, &backoff.RetryAfterError{Duration: uerr.RetryAfter})
		}
		return nil, err
	}

	notify := func(err error, next time.Duration) {
		class := string(classOf(err))
		upstreamRetriesTotal.WithLabelValues(class).Inc()
		upstreamRetryBackoffSeconds.WithLabelValues(class).Observe(next.Seconds())

		c.logger.Warn().
			Err(err).
			Str("endpoint", endpoint).
			Str("error_class", class).
			Int("attempt", attempt).
			Dur("backoff", next).
			Msg("Retrying upstream request after backoff")
	}

	body, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(rc.newBackOff()),
		backoff.WithMaxTries(uint(max(rc.MaxAttempts, 1))),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if err == nil {
		return body, nil
	}

	var uerr *UpstreamError
	if !errors.As(err, &uerr) {
		if !errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		uerr = last
		if uerr == nil {
			uerr = deadlineError(endpoint, err)
		}
		c.logger.Warn().
			Str("endpoint", endpoint).
			Str("error_class", string(uerr.Class)).
			Int("attempt", attempt).
			Msg("Fetch deadline expired before retries completed")
		return nil, uerr
	}

	if shouldRetry(uerr.Class) && ctx.Err() == nil {
		upstreamRetryExhaustedTotal.WithLabelValues(string(uerr.Class)).Inc()
		c.logger.Error().
			Err(uerr).
			Str("endpoint", endpoint).
			Str("error_class", string(uerr.Class)).
			Int("max_attempts", rc.MaxAttempts).
			Msg("Retry attempts exhausted")
	}

	return nil, uerr
}

func classOf(err error) ErrorClass {
	var uerr *UpstreamError
	if errors.As(err, &uerr) {
		return uerr.Class
	}
	return ""
}

// parseRetryAfter reads a Retry-After header given as delta-seconds or an
// HTTP date. Invalid or past values yield 0; values above limit are capped.
func parseRetryAfter(header string, now time.Time, limit time.Duration) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}

	var d time.Duration
	if secs, err := strconv.Atoi(header); err == nil {
		d = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(header); err == nil {
		d = at.Sub(now)
	} else {
		return 0
	}

	if d <= 0 {
		return 0
	}
	if limit > 0 && d > limit {
		return limit
	}
	return d
}
