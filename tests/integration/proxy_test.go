//go:build integration

package integration

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	mocks "github.com/Sternrassler/movierec-proxy/internal/testutil"
	"github.com/Sternrassler/movierec-proxy/pkg/cache"
	"github.com/Sternrassler/movierec-proxy/pkg/client"
	"github.com/Sternrassler/movierec-proxy/pkg/pagination"
	"github.com/Sternrassler/movierec-proxy/pkg/policy"
	"github.com/Sternrassler/movierec-proxy/pkg/ratelimit"
)

const namespace = "movierec:it:"

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) *redis.Client {
	t.Helper()

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err, "start redis container")

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	redisClient := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})

	t.Cleanup(func() {
		_ = redisClient.Close()
		_ = container.Terminate(context.Background())
	})

	return redisClient
}

func newClient(t *testing.T, mock *mocks.MockTMDB) *client.Client {
	t.Helper()

	cfg := client.DefaultConfig("integration-key")
	cfg.BaseURL = mock.URL()
	cfg.Retry.InitialBackoff = 5 * time.Millisecond
	cfg.Retry.MaxBackoff = 20 * time.Millisecond
	cfg.Breaker.Enabled = false

	c, err := client.New(cfg, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func newService(t *testing.T, rdb *redis.Client, upstream pagination.PageSource, policies []policy.EndpointPolicy) *cache.Service {
	t.Helper()

	svc, err := cache.NewService(policy.MustNewTable(policies), cache.NewRedisStore(rdb, namespace), map[string]pagination.PageSource{
		policy.Trending:        upstream,
		policy.Recommendations: upstream,
		policy.Search:          upstream,
		policy.Popular:         upstream,
	}, cache.DefaultServiceConfig(), zerolog.Nop())
	require.NoError(t, err)
	return svc
}

// TestFullRequestFlow tests the complete flow: miss → upstream → cache write → hit.
func TestFullRequestFlow(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()

	mock := mocks.NewMockTMDB()
	defer mock.Close()
	mock.SetHandler("/trending/movie/day", mocks.NewPagedHandler(20, 75))

	svc := newService(t, rdb, newClient(t, mock), policy.Defaults())

	req := cache.Request{Endpoint: policy.Trending, Params: map[string]string{"time_window": "day"}, Page: 2}

	page, outcome, err := svc.Page(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, cache.OutcomeMiss, outcome)
	assert.Equal(t, 2, page.Page)
	assert.Equal(t, 4, page.TotalPages)
	assert.Len(t, page.Items, 20)

	ttl, err := rdb.TTL(ctx, namespace+"trending:day:2").Result()
	require.NoError(t, err)
	assert.InDelta(t, time.Hour.Seconds(), ttl.Seconds(), 5)

	cached, outcome, err := svc.Page(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, cache.OutcomeHit, outcome)
	assert.Equal(t, page.Items, cached.Items)
	assert.Equal(t, 1, mock.PathCount("/trending/movie/day"))
}

func TestUncachedEndpointsBypassRedis(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()

	mock := mocks.NewMockTMDB()
	defer mock.Close()
	mock.SetResponse("/search/movie", mocks.NewPageResponse(1, 3, 1, 3, 10))

	svc := newService(t, rdb, newClient(t, mock), policy.Defaults())

	for i := 0; i < 2; i++ {
		_, outcome, err := svc.Page(ctx, cache.Request{Endpoint: policy.Search, Params: map[string]string{"query": "alien"}, Page: 1})
		require.NoError(t, err)
		assert.Equal(t, cache.OutcomeBypass, outcome)
	}

	assert.Equal(t, 2, mock.PathCount("/search/movie"))

	keys, err := rdb.Keys(ctx, namespace+"*").Result()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestCacheExpiration(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()

	mock := mocks.NewMockTMDB()
	defer mock.Close()
	mock.SetResponse("/movie/42/recommendations", mocks.NewPageResponse(1, 5, 1, 5, 100))

	policies := policy.WithTTL(policy.Defaults(), policy.Recommendations, time.Second)
	svc := newService(t, rdb, newClient(t, mock), policies)

	req := cache.Request{Endpoint: policy.Recommendations, Params: map[string]string{"movie_id": "42"}, Page: 1}

	_, _, err := svc.Page(ctx, req)
	require.NoError(t, err)

	time.Sleep(1500 * time.Millisecond)

	_, outcome, err := svc.Page(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, cache.OutcomeMiss, outcome)
	assert.Equal(t, 2, mock.PathCount("/movie/42/recommendations"))
}

func TestInvalidateAndClear(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()
	store := cache.NewRedisStore(rdb, namespace)

	for _, key := range []string{"user:1:user_profile:1", "user:1:personalized:1", "user:10:user_profile:1", "trending:day:1"} {
		require.NoError(t, store.Set(ctx, key, []byte(`{}`), time.Minute))
	}

	deleted, err := store.DeletePrefix(ctx, cache.UserPrefix("1"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	_, err = store.Get(ctx, "user:10:user_profile:1")
	assert.NoError(t, err, "prefix must not match a longer user id")

	deleted, err = store.DeletePrefix(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "redis", stats.Backend)
	assert.Zero(t, stats.Keys)
}

func TestRetry5xxErrors(t *testing.T) {
	mock := mocks.NewMockTMDB()
	defer mock.Close()
	mock.SetSequence("/movie/popular",
		mocks.NewServerErrorResponse(),
		mocks.NewServerErrorResponse(),
		mocks.NewPageResponse(1, 20, 10, 200, 1),
	)

	page, err := newClient(t, mock).FetchPage(context.Background(), policy.Popular, nil, 1)
	require.NoError(t, err)
	assert.Len(t, page.Items, 20)
	assert.Equal(t, 3, mock.PathCount("/movie/popular"))
}

func TestNoRetry4xxErrors(t *testing.T) {
	mock := mocks.NewMockTMDB()
	defer mock.Close()
	mock.SetResponse("/search/movie", mocks.NewBadRequestResponse())

	_, err := newClient(t, mock).FetchPage(context.Background(), policy.Search, map[string]string{"query": "x"}, 900)
	require.ErrorIs(t, err, client.ErrBadRequest)
	assert.Equal(t, 1, mock.PathCount("/search/movie"))
}

// TestSharedRateLimitBudget checks that two proxy instances on one Redis
// share a client's inbound budget.
func TestSharedRateLimitBudget(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()

	cfg := ratelimit.Config{RequestsPerMinute: 3}
	first, err := ratelimit.NewLimiter(ratelimit.NewRedisStore(rdb, ""), cfg, zerolog.Nop())
	require.NoError(t, err)
	second, err := ratelimit.NewLimiter(ratelimit.NewRedisStore(rdb, ""), cfg, zerolog.Nop())
	require.NoError(t, err)

	for _, l := range []*ratelimit.Limiter{first, second, first} {
		decision, err := l.Allow(ctx, "ip:198.51.100.7")
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
	}

	decision, err := second.Allow(ctx, "ip:198.51.100.7")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Positive(t, decision.RetryAfter)

	h := http.Header{}
	decision.WriteHeaders(h, time.Now())
	assert.NotEmpty(t, h.Get(ratelimit.HeaderRetryAfter))
}

func TestMetricsIncremented(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()

	mock := mocks.NewMockTMDB()
	defer mock.Close()
	mock.SetResponse("/trending/movie/week", mocks.NewPageResponse(1, 20, 1, 20, 1))

	svc := newService(t, rdb, newClient(t, mock), policy.Defaults())
	hits := cache.ServiceLookups.WithLabelValues(policy.Trending, string(cache.OutcomeHit))
	before := testutil.ToFloat64(hits)

	req := cache.Request{Endpoint: policy.Trending, Params: map[string]string{"time_window": "week"}, Page: 1}
	for i := 0; i < 3; i++ {
		_, _, err := svc.Page(ctx, req)
		require.NoError(t, err)
	}

	assert.Equal(t, before+2, testutil.ToFloat64(hits))
}
