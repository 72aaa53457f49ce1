package client

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker/v2"
)

var upstreamBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "movierec_upstream_breaker_state",
	Help: "Upstream circuit breaker state (0 closed, 1 half-open, 2 open)",
}, []string{"name"})

// BreakerConfig configures the upstream circuit breaker.
type BreakerConfig struct {
	Enabled bool
	// FailureThreshold is the number of consecutive failed calls that opens
	// the breaker. A call is one fully retried request.
	FailureThreshold uint32
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// MaxRequests is the number of probes allowed while half-open.
	MaxRequests uint32
	// Interval clears closed-state counts periodically; 0 never clears.
	Interval time.Duration
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:          true,
		FailureThreshold: 5,
		Timeout:          30 * time.Second,
		MaxRequests:      1,
		Interval:         time.Minute,
	}
}

func newBreaker(name string, cfg BreakerConfig, c *Client) *gobreaker.CircuitBreaker[[]byte] {
	if !cfg.Enabled {
		return nil
	}

	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: breakerSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			upstreamBreakerState.WithLabelValues(name).Set(float64(to))
			c.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Upstream circuit breaker state changed")
		},
	})
}

// breakerSuccess counts only upstream health failures against the breaker.
// Rejected parameters and callers that went away say nothing about upstream.
func breakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	var uerr *UpstreamError
	if errors.As(err, &uerr) {
		return !shouldRetry(uerr.Class) && uerr.Class != ErrorClassAuth
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	return false
}

// execute runs fn through the breaker, translating rejections into
// UpstreamUnavailable errors.
func (c *Client) execute(endpoint string, fn func() ([]byte, error)) ([]byte, error) {
	if c.breaker == nil {
		return fn()
	}

	body, err := c.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		upstreamErrorsTotal.WithLabelValues(string(ErrorClassCircuitOpen)).Inc()
		return nil, &UpstreamError{
			Endpoint: endpoint,
			Class:    ErrorClassCircuitOpen,
			Message:  "circuit breaker open",
			Err:      err,
		}
	}
	return body, err
}
