package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/Sternrassler/movierec-proxy/pkg/pagination"
	"github.com/Sternrassler/movierec-proxy/pkg/policy"
)

// Outcome describes how a page was served.
type Outcome string

const (
	OutcomeHit    Outcome = "hit"
	OutcomeMiss   Outcome = "miss"
	OutcomeBypass Outcome = "bypass"
)

// Request identifies one page of one logical endpoint.
type Request struct {
	Endpoint string
	Params   map[string]string
	Page     int
	// UserID is the caller identity; empty means anonymous.
	UserID string
	// URL is the inbound request URL used for envelope links. Optional.
	URL *url.URL
}

// ServiceConfig tunes the cache service.
type ServiceConfig struct {
	// FetchTimeout bounds a detached fetch-and-populate. It should cover the
	// source's whole retry budget; a fetch cut short fails with
	// ErrFetchTimeout.
	FetchTimeout time.Duration
	// CoalesceMisses shares one in-flight fetch between concurrent misses
	// of the same key.
	CoalesceMisses bool
}

// DefaultServiceConfig returns the default service configuration.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		FetchTimeout: 60 * time.Second,
	}
}

// Service serves pages through the store, falling back to the endpoint's
// page source on a miss. Store failures never fail a read.
type Service struct {
	policies *policy.Table
	store    Store
	sources  map[string]pagination.PageSource
	config   ServiceConfig
	flight   singleflight.Group
	logger   zerolog.Logger
}

// NewService wires a store and per-endpoint page sources under a policy
// table. Every source must have a declared policy.
func NewService(policies *policy.Table, store Store, sources map[string]pagination.PageSource, cfg ServiceConfig, logger zerolog.Logger) (*Service, error) {
	if policies == nil || store == nil {
		return nil, errors.New("cache service requires a policy table and a store")
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultServiceConfig().FetchTimeout
	}

	owned := make(map[string]pagination.PageSource, len(sources))
	for name, source := range sources {
		if _, err := policies.Lookup(name); err != nil {
			return nil, err
		}
		owned[name] = source
	}

	return &Service{
		policies: policies,
		store:    store,
		sources:  owned,
		config:   cfg,
		logger:   logger,
	}, nil
}

// Get serves one page wrapped in a response envelope.
func (s *Service) Get(ctx context.Context, req Request) (*pagination.Envelope, error) {
	page, _, err := s.Page(ctx, req)
	if err != nil {
		return nil, err
	}
	return pagination.NewEnvelope(page, req.URL), nil
}

// FetchPage implements pagination.PageSource for anonymous callers, so the
// service can feed other aggregations through the same cache lines.
func (s *Service) FetchPage(ctx context.Context, endpoint string, params map[string]string, page int) (*pagination.Page, error) {
	p, _, err := s.Page(ctx, Request{Endpoint: endpoint, Params: params, Page: page})
	return p, err
}

// Page serves one page and reports how it was served.
func (s *Service) Page(ctx context.Context, req Request) (*pagination.Page, Outcome, error) {
	p, err := s.policies.Lookup(req.Endpoint)
	if err != nil {
		return nil, "", err
	}

	source, ok := s.sources[req.Endpoint]
	if !ok {
		return nil, "", &policy.InvalidPolicyError{Endpoint: req.Endpoint, Reason: "no page source registered"}
	}

	params := sourceParams(p, req)

	// Anonymous callers never share a per-user line.
	if !p.Cacheable || (p.Scope == policy.ScopePerUser && req.UserID == "") {
		ServiceLookups.WithLabelValues(req.Endpoint, string(OutcomeBypass)).Inc()
		page, err := source.FetchPage(ctx, req.Endpoint, params, req.Page)
		if err != nil {
			return nil, OutcomeBypass, err
		}
		return page, OutcomeBypass, nil
	}

	key, err := BuildKey(p, req.Params, req.Page, req.UserID)
	if err != nil {
		return nil, "", err
	}

	if page, ok := s.lookup(ctx, key); ok {
		ServiceLookups.WithLabelValues(req.Endpoint, string(OutcomeHit)).Inc()
		s.logger.Debug().Str("endpoint", req.Endpoint).Str("key", key).Bool("cache_hit", true).Msg("Cache hit")
		return page, OutcomeHit, nil
	}

	ServiceLookups.WithLabelValues(req.Endpoint, string(OutcomeMiss)).Inc()
	s.logger.Debug().Str("endpoint", req.Endpoint).Str("key", key).Bool("cache_hit", false).Msg("Cache miss")

	page, err := s.fetchAndStore(ctx, p, source, params, req, key)
	if err != nil {
		return nil, OutcomeMiss, err
	}
	return page, OutcomeMiss, nil
}

// Invalidate drops every per-user entry of userID.
func (s *Service) Invalidate(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, errors.New("invalidate requires a user id")
	}
	return s.store.DeletePrefix(ctx, UserPrefix(userID))
}

// Clear drops every cached entry.
func (s *Service) Clear(ctx context.Context) (int64, error) {
	return s.store.DeletePrefix(ctx, "")
}

// Stats returns the store's counters.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	return s.store.Stats(ctx)
}

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// lookup returns the cached page for key. Every failure is a miss.
func (s *Service) lookup(ctx context.Context, key string) (*pagination.Page, bool) {
	data, err := s.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			AbsorbedErrors.WithLabelValues("get").Inc()
			s.logger.Warn().Err(err).Str("key", key).Msg("Cache get failed, fetching from upstream")
		}
		return nil, false
	}

	page, err := decodePage(data)
	if err != nil {
		AbsorbedErrors.WithLabelValues("decode").Inc()
		s.logger.Warn().Err(err).Str("key", key).Msg("Discarding undecodable cache entry")
		if err := s.store.Delete(ctx, key); err != nil {
			s.logger.Debug().Err(err).Str("key", key).Msg("Cache delete failed")
		}
		return nil, false
	}

	return page, true
}

// decodePage parses a stored page. Failures wrap ErrInvalidEntry.
func decodePage(data []byte) (*pagination.Page, error) {
	var page pagination.Page
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEntry, err)
	}
	return &page, nil
}

// fetchAndStore runs the fetch and the cache write on a context detached
// from the caller. A caller that goes away gets its context error while the
// fetch still populates the cache.
func (s *Service) fetchAndStore(ctx context.Context, p policy.EndpointPolicy, source pagination.PageSource, params map[string]string, req Request, key string) (*pagination.Page, error) {
	detached := context.WithoutCancel(ctx)

	fetch := func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(detached, s.config.FetchTimeout)
		defer cancel()

		page, err := source.FetchPage(fetchCtx, req.Endpoint, params, req.Page)
		if err != nil {
			if fetchCtx.Err() != nil && errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("%w: %w", ErrFetchTimeout, err)
			}
			return nil, err
		}
		s.write(fetchCtx, key, page, p.TTL)
		return page, nil
	}

	var results <-chan singleflight.Result
	if s.config.CoalesceMisses {
		results = s.flight.DoChan(key, fetch)
	} else {
		ch := make(chan singleflight.Result, 1)
		go func() {
			v, err := fetch()
			ch <- singleflight.Result{Val: v, Err: err}
		}()
		results = ch
	}

	select {
	case res := <-results:
		if res.Shared {
			CoalescedFetches.WithLabelValues(req.Endpoint).Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*pagination.Page), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) write(ctx context.Context, key string, page *pagination.Page, ttl time.Duration) {
	data, err := json.Marshal(page)
	if err != nil {
		AbsorbedErrors.WithLabelValues("set").Inc()
		s.logger.Warn().Err(err).Str("key", key).Msg("Failed to encode page for cache")
		return
	}

	if err := s.store.Set(ctx, key, data, ttl); err != nil {
		AbsorbedErrors.WithLabelValues("set").Inc()
		s.logger.Warn().Err(err).Str("key", key).Msg("Failed to cache page")
		return
	}

	s.logger.Debug().Str("key", key).Dur("ttl", ttl).Msg("Cached page")
}

// sourceParams copies the request parameters and, for per-user endpoints,
// hands the caller identity to the source.
func sourceParams(p policy.EndpointPolicy, req Request) map[string]string {
	params := make(map[string]string, len(req.Params)+1)
	for k, v := range req.Params {
		params[k] = v
	}
	if p.Scope == policy.ScopePerUser && req.UserID != "" {
		params[policy.UserParam] = req.UserID
	}
	return params
}
