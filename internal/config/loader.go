package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/movierec-proxy/pkg/client"
	"github.com/Sternrassler/movierec-proxy/pkg/favorites"
	"github.com/Sternrassler/movierec-proxy/pkg/logging"
	"github.com/Sternrassler/movierec-proxy/pkg/policy"
	"github.com/Sternrassler/movierec-proxy/pkg/ratelimit"
)

// Cache backends.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Init reads the service configuration from the environment and validates it.
func Init() (*ServiceConfig, error) {
	cfg := &ServiceConfig{}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("unable to parse service configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid service configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *ServiceConfig) Validate() error {
	var errs []error

	if c.TMDB.APIKey == "" && c.TMDB.AccessToken == "" {
		errs = append(errs, errors.New("TMDB_API_KEY or TMDB_ACCESS_TOKEN is required"))
	}
	if u, err := url.Parse(c.TMDB.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("TMDB_BASE_URL must be an http(s) url, got %q", c.TMDB.BaseURL))
	}
	if c.TMDB.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("TMDB_MAX_RETRIES must be >= 1, got %d", c.TMDB.MaxRetries))
	}
	if c.TMDB.Timeout <= 0 {
		errs = append(errs, errors.New("TMDB_TIMEOUT must be positive"))
	}
	if c.TMDB.Backoff.Jitter < 0 || c.TMDB.Backoff.Jitter > 1 {
		errs = append(errs, fmt.Errorf("TMDB_BACKOFF_JITTER must be between 0 and 1, got %v", c.TMDB.Backoff.Jitter))
	}

	if budget := c.ClientConfig().RetryBudget(); c.Cache.FetchTimeout < budget {
		errs = append(errs, fmt.Errorf("CACHE_FETCH_TIMEOUT %v is shorter than the upstream retry budget %v", c.Cache.FetchTimeout, budget))
	}

	switch ns := c.Cache.Namespace; {
	case ns == "":
		errs = append(errs, errors.New("CACHE_NAMESPACE must not be empty"))
	case strings.HasPrefix(ns, ratelimit.DefaultKeyPrefix), strings.HasPrefix(ratelimit.DefaultKeyPrefix, ns):
		errs = append(errs, fmt.Errorf("CACHE_NAMESPACE %q overlaps the rate limiter key prefix %q", ns, ratelimit.DefaultKeyPrefix))
	}

	switch strings.ToLower(c.Cache.Backend) {
	case BackendRedis:
		if c.Cache.Address == "" {
			errs = append(errs, errors.New("CACHE_ADDRESS is required for the redis backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unsupported cache backend %q", c.Cache.Backend))
	}

	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMinute <= 0 {
		errs = append(errs, errors.New("RATE_LIMITING_REQUESTS_PER_MINUTE must be positive"))
	}

	if c.HTTP.Port == 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("HTTP_SERVER_PORT out of range: %d", c.HTTP.Port))
	}

	if _, err := c.PolicyTable(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// PolicyTable builds the endpoint policy table with the configured TTL overrides.
func (c *ServiceConfig) PolicyTable() (*policy.Table, error) {
	policies := policy.Defaults()
	policies = policy.WithTTL(policies, policy.Trending, c.Policy.TrendingTTL)
	policies = policy.WithTTL(policies, policy.Recommendations, c.Policy.RecommendationsTTL)
	policies = policy.WithTTL(policies, policy.UserProfile, c.Policy.UserProfileTTL)
	policies = policy.WithTTL(policies, policy.Personalized, c.Policy.PersonalizedTTL)

	return policy.NewTable(policies)
}

// ClientConfig maps the TMDB section onto the upstream client configuration.
func (c *ServiceConfig) ClientConfig() client.Config {
	cfg := client.DefaultConfig(c.TMDB.APIKey)
	cfg.BaseURL = c.TMDB.BaseURL
	cfg.AccessToken = c.TMDB.AccessToken
	cfg.Language = c.TMDB.Language
	cfg.UserAgent = c.TMDB.UserAgent
	cfg.Timeout = c.TMDB.Timeout

	cfg.Retry = client.RetryConfig{
		MaxAttempts:       c.TMDB.MaxRetries,
		InitialBackoff:    c.TMDB.Backoff.BaseDelay,
		MaxBackoff:        c.TMDB.Backoff.MaxDelay,
		BackoffMultiplier: c.TMDB.Backoff.Multiplier,
		Jitter:            c.TMDB.Backoff.Jitter,
		MaxRetryAfter:     c.TMDB.Backoff.MaxRetryAfter,
	}

	cfg.Breaker = client.BreakerConfig{
		Enabled:          c.TMDB.Breaker.Enabled,
		FailureThreshold: c.TMDB.Breaker.FailureThreshold,
		Timeout:          c.TMDB.Breaker.Timeout,
		MaxRequests:      c.TMDB.Breaker.MaxRequests,
		Interval:         c.TMDB.Breaker.Interval,
	}

	return cfg
}

// RedisOptions maps the cache section onto go-redis options.
func (c *ServiceConfig) RedisOptions() *redis.Options {
	return &redis.Options{
		Addr:         c.Cache.Address,
		Password:     c.Cache.Password,
		DB:           c.Cache.DB,
		PoolSize:     c.Cache.PoolSize,
		MinIdleConns: c.Cache.MinIdleConns,
		DialTimeout:  c.Cache.DialTimeout,
		ReadTimeout:  c.Cache.ReadTimeout,
		WriteTimeout: c.Cache.WriteTimeout,
	}
}

// LoggingConfig maps the logging section onto the logger configuration.
func (c *ServiceConfig) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(strings.ToLower(c.Logging.Level))
	cfg.Pretty = c.Logging.Pretty
	cfg.Service = c.App.ServiceName
	return cfg
}

// LimiterConfig maps the rate limiting section onto the limiter configuration.
func (c *ServiceConfig) LimiterConfig() ratelimit.Config {
	return ratelimit.Config{
		RequestsPerMinute: c.RateLimit.RequestsPerMinute,
		Burst:             c.RateLimit.Burst,
		GracefulDegraded:  c.RateLimit.GracefulDegraded,
	}
}

// PersonalizedConfig maps the aggregation settings of the personalized feed.
func (c *ServiceConfig) PersonalizedConfig() favorites.PersonalizedConfig {
	cfg := favorites.DefaultPersonalizedConfig()
	if c.Database.MaxSeeds > 0 {
		cfg.MaxSeeds = c.Database.MaxSeeds
	}
	if c.Database.FanOut > 0 {
		cfg.Batch.MaxConcurrency = c.Database.FanOut
	}
	return cfg
}
