package config

import (
	"time"
)

// Compile time variables are set by -ldflags.
var (
	ServiceVersion string
	CommitSHA      string
)

type (
	ServiceConfig struct {
		App       App        `json:"app"`
		HTTP      HTTPServer `json:"http_server"`
		TMDB      TMDB       `json:"tmdb"`
		Cache     Cache      `json:"cache"`
		Policy    Policy     `json:"policy"`
		Auth      Auth       `json:"auth"`
		Database  Database   `json:"database"`
		RateLimit RateLimit  `json:"rate_limit"`
		Logging   Logging    `json:"logging"`
		Telemetry Telemetry  `json:"telemetry"`
	}

	App struct {
		ServiceName string `envconfig:"APP_SERVICE_NAME" default:"movierec-proxy" json:"service_name"`
		Environment string `envconfig:"APP_ENVIRONMENT" default:"development" json:"environment"`
	}

	HTTPServer struct {
		Host            string        `envconfig:"HTTP_SERVER_HOST" default:"0.0.0.0" json:"host"`
		Port            uint          `envconfig:"HTTP_SERVER_PORT" default:"8080" json:"port"`
		ReadTimeout     time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"15s" json:"read_timeout"`
		WriteTimeout    time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"75s" json:"write_timeout"`
		IdleTimeout     time.Duration `envconfig:"HTTP_IDLE_TIMEOUT" default:"60s" json:"idle_timeout"`
		ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"30s" json:"shutdown_timeout"`
		ConditionalGET  bool          `envconfig:"HTTP_CONDITIONAL_GET" default:"true" json:"conditional_get"`
		// TrustProxyHeaders takes the client address from X-Forwarded-For
		// and X-Real-IP. Enable only behind a proxy that overwrites them.
		TrustProxyHeaders bool `envconfig:"HTTP_TRUST_PROXY_HEADERS" default:"false" json:"trust_proxy_headers"`
	}

	TMDB struct {
		BaseURL     string        `envconfig:"TMDB_BASE_URL" default:"https://api.themoviedb.org/3" json:"base_url"`
		APIKey      string        `envconfig:"TMDB_API_KEY" default:"" json:"-"`
		AccessToken string        `envconfig:"TMDB_ACCESS_TOKEN" default:"" json:"-"`
		Language    string        `envconfig:"TMDB_LANGUAGE" default:"" json:"language"`
		UserAgent   string        `envconfig:"TMDB_USER_AGENT" default:"movierec-proxy/1.0" json:"user_agent"`
		Timeout     time.Duration `envconfig:"TMDB_TIMEOUT" default:"10s" json:"timeout"`
		MaxRetries  int           `envconfig:"TMDB_MAX_RETRIES" default:"3" json:"max_retries"`
		Backoff     Backoff       `json:"backoff"`
		Breaker     Breaker       `json:"circuit_breaker"`
	}

	Backoff struct {
		BaseDelay     time.Duration `envconfig:"TMDB_BACKOFF_BASE_DELAY" default:"1s" json:"base_delay"`
		MaxDelay      time.Duration `envconfig:"TMDB_BACKOFF_MAX_DELAY" default:"30s" json:"max_delay"`
		Multiplier    float64       `envconfig:"TMDB_BACKOFF_MULTIPLIER" default:"2.0" json:"multiplier"`
		Jitter        float64       `envconfig:"TMDB_BACKOFF_JITTER" default:"0.2" json:"jitter"`
		MaxRetryAfter time.Duration `envconfig:"TMDB_MAX_RETRY_AFTER" default:"10s" json:"max_retry_after"`
	}

	Breaker struct {
		Enabled          bool          `envconfig:"TMDB_CB_ENABLED" default:"true" json:"enabled"`
		FailureThreshold uint32        `envconfig:"TMDB_CB_FAILURE_THRESHOLD" default:"5" json:"failure_threshold"`
		MaxRequests      uint32        `envconfig:"TMDB_CB_MAX_REQUESTS" default:"1" json:"max_requests"`
		Interval         time.Duration `envconfig:"TMDB_CB_INTERVAL" default:"60s" json:"interval"`
		Timeout          time.Duration `envconfig:"TMDB_CB_TIMEOUT" default:"30s" json:"timeout"`
	}

	Cache struct {
		Backend        string        `envconfig:"CACHE_BACKEND" default:"redis" json:"backend"`
		Address        string        `envconfig:"CACHE_ADDRESS" default:"localhost:6379" json:"address"`
		Password       string        `envconfig:"CACHE_PASSWORD" default:"" json:"-"`
		DB             int           `envconfig:"CACHE_DB" default:"0" json:"db"`
		PoolSize       int           `envconfig:"CACHE_POOL_SIZE" default:"10" json:"pool_size"`
		MinIdleConns   int           `envconfig:"CACHE_MIN_IDLE_CONNS" default:"3" json:"min_idle_conns"`
		DialTimeout    time.Duration `envconfig:"CACHE_DIAL_TIMEOUT" default:"5s" json:"dial_timeout"`
		ReadTimeout    time.Duration `envconfig:"CACHE_READ_TIMEOUT" default:"3s" json:"read_timeout"`
		WriteTimeout   time.Duration `envconfig:"CACHE_WRITE_TIMEOUT" default:"3s" json:"write_timeout"`
		Namespace      string        `envconfig:"CACHE_NAMESPACE" default:"movierec:cache:" json:"namespace"`
		FetchTimeout   time.Duration `envconfig:"CACHE_FETCH_TIMEOUT" default:"60s" json:"fetch_timeout"`
		CoalesceMisses bool          `envconfig:"CACHE_COALESCE_MISSES" default:"false" json:"coalesce_misses"`
		SweepInterval  time.Duration `envconfig:"CACHE_SWEEP_INTERVAL" default:"1m" json:"sweep_interval"`
	}

	// Policy overrides the default endpoint TTLs. Zero keeps the default.
	Policy struct {
		TrendingTTL        time.Duration `envconfig:"POLICY_TRENDING_TTL" json:"trending_ttl"`
		RecommendationsTTL time.Duration `envconfig:"POLICY_RECOMMENDATIONS_TTL" json:"recommendations_ttl"`
		UserProfileTTL     time.Duration `envconfig:"POLICY_USER_PROFILE_TTL" json:"user_profile_ttl"`
		PersonalizedTTL    time.Duration `envconfig:"POLICY_PERSONALIZED_TTL" json:"personalized_ttl"`
	}

	Auth struct {
		SecretKey string        `envconfig:"AUTH_SECRET_KEY" default:"" json:"-"`
		Issuer    string        `envconfig:"AUTH_ISSUER" default:"" json:"issuer"`
		Leeway    time.Duration `envconfig:"AUTH_LEEWAY" default:"30s" json:"leeway"`
	}

	Database struct {
		DSN             string        `envconfig:"DATABASE_URL" default:"" json:"-"`
		MaxConns        int32         `envconfig:"DATABASE_MAX_CONNS" default:"10" json:"max_conns"`
		MinConns        int32         `envconfig:"DATABASE_MIN_CONNS" default:"1" json:"min_conns"`
		MaxConnLifetime time.Duration `envconfig:"DATABASE_MAX_CONN_LIFETIME" default:"1h" json:"max_conn_lifetime"`
		Migrate         bool          `envconfig:"DATABASE_MIGRATE" default:"false" json:"migrate"`
		MaxSeeds        int           `envconfig:"PERSONALIZED_MAX_SEEDS" default:"20" json:"max_seeds"`
		FanOut          int           `envconfig:"PERSONALIZED_CONCURRENCY" default:"5" json:"fan_out"`
	}

	RateLimit struct {
		Enabled           bool     `envconfig:"RATE_LIMITING_ENABLED" default:"true" json:"enabled"`
		RequestsPerMinute int      `envconfig:"RATE_LIMITING_REQUESTS_PER_MINUTE" default:"100" json:"requests_per_minute"`
		Burst             int      `envconfig:"RATE_LIMITING_BURST" default:"0" json:"burst"`
		MaxKeys           int      `envconfig:"RATE_LIMITING_MAX_KEYS" default:"10000" json:"max_keys"`
		SkipPaths         []string `envconfig:"RATE_LIMITING_SKIP_PATHS" default:"/health,/ready,/metrics" json:"skip_paths"`
		GracefulDegraded  bool     `envconfig:"RATE_LIMITING_GRACEFUL_DEGRADED" default:"true" json:"graceful_degraded"`
	}

	Logging struct {
		Level  string `envconfig:"LOG_LEVEL" default:"info" json:"level"`
		Pretty bool   `envconfig:"LOG_PRETTY" default:"false" json:"pretty"`
	}

	Telemetry struct {
		Enabled      bool    `envconfig:"OTEL_ENABLED" default:"false" json:"enabled"`
		ExporterType string  `envconfig:"OTEL_EXPORTER" default:"stdout" json:"exporter_type"`
		SamplerRatio float64 `envconfig:"TRACES_SAMPLER_RATIO" default:"1.0" json:"sampler_ratio"`
	}
)

// IsProduction reports whether the service runs in production.
func (c *ServiceConfig) IsProduction() bool {
	switch c.App.Environment {
	case "production", "prod":
		return true
	default:
		return false
	}
}
