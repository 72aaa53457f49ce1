package favorites

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/movierec-proxy/pkg/pagination"
	"github.com/Sternrassler/movierec-proxy/pkg/policy"
)

// Lister is the read side of Repository used by the page sources.
type Lister interface {
	ListFavorites(ctx context.Context, userID string, page, size int) ([]Favorite, int, error)
	FavoriteIDs(ctx context.Context, userID string) ([]int64, error)
}

func userFrom(params map[string]string) (string, error) {
	userID := params[policy.UserParam]
	if userID == "" {
		return "", fmt.Errorf("missing %s parameter", policy.UserParam)
	}
	return userID, nil
}

// ProfileSource pages through a user's favorites.
type ProfileSource struct {
	favorites Lister
	pageSize  int
}

// NewProfileSource creates the page source of the user profile endpoint.
func NewProfileSource(favorites Lister) *ProfileSource {
	return &ProfileSource{favorites: favorites, pageSize: pagination.DefaultPageSize}
}

// FetchPage implements pagination.PageSource.
func (s *ProfileSource) FetchPage(ctx context.Context, _ string, params map[string]string, page int) (*pagination.Page, error) {
	userID, err := userFrom(params)
	if err != nil {
		return nil, err
	}
	if page < 1 {
		return nil, pagination.ErrPageOutOfRange
	}

	favs, total, err := s.favorites.ListFavorites(ctx, userID, page, s.pageSize)
	if err != nil {
		return nil, err
	}

	totalPages := max((total+s.pageSize-1)/s.pageSize, 1)
	if page > totalPages {
		return nil, pagination.ErrPageOutOfRange
	}

	items := make([]json.RawMessage, 0, len(favs))
	for _, f := range favs {
		raw, err := json.Marshal(f)
		if err != nil {
			return nil, fmt.Errorf("encode favorite %d: %w", f.ID, err)
		}
		items = append(items, raw)
	}

	return &pagination.Page{
		Items:        items,
		Page:         page,
		TotalPages:   totalPages,
		TotalResults: total,
	}, nil
}

// PersonalizedConfig tunes recommendation aggregation.
type PersonalizedConfig struct {
	// MaxSeeds bounds how many favorites (newest first) seed the feed.
	MaxSeeds int
	// Batch controls the fan-out over recommendation lookups.
	Batch pagination.Config
}

// DefaultPersonalizedConfig returns the default aggregation settings.
func DefaultPersonalizedConfig() PersonalizedConfig {
	return PersonalizedConfig{
		MaxSeeds: 20,
		Batch:    pagination.DefaultConfig(),
	}
}

// PersonalizedSource builds a "for you" feed: the first page of
// recommendations of each favorite, merged in favorite order, without
// duplicates and without movies the user already favorited.
type PersonalizedSource struct {
	favorites Lister
	fetcher   *pagination.BatchFetcher
	config    PersonalizedConfig
	logger    zerolog.Logger
}

// NewPersonalizedSource creates the personalized page source. recs serves
// the recommendations endpoint; passing the cache service lets the feed
// share the global recommendation entries.
func NewPersonalizedSource(favorites Lister, recs pagination.PageSource, cfg PersonalizedConfig, logger zerolog.Logger) *PersonalizedSource {
	if cfg.MaxSeeds <= 0 {
		cfg.MaxSeeds = DefaultPersonalizedConfig().MaxSeeds
	}
	return &PersonalizedSource{
		favorites: favorites,
		fetcher:   pagination.NewBatchFetcher(recs, cfg.Batch),
		config:    cfg,
		logger:    logger.With().Str("component", "personalized").Logger(),
	}
}

// FetchPage implements pagination.PageSource.
func (s *PersonalizedSource) FetchPage(ctx context.Context, _ string, params map[string]string, page int) (*pagination.Page, error) {
	userID, err := userFrom(params)
	if err != nil {
		return nil, err
	}

	ids, err := s.favorites.FavoriteIDs(ctx, userID)
	if err != nil {
		return nil, err
	}

	items, err := s.aggregate(ctx, ids)
	if err != nil {
		return nil, err
	}

	return pagination.Slice(items, page, pagination.DefaultPageSize)
}

func (s *PersonalizedSource) aggregate(ctx context.Context, favoriteIDs []int64) ([]json.RawMessage, error) {
	if len(favoriteIDs) == 0 {
		return []json.RawMessage{}, nil
	}

	seen := make(map[int64]struct{}, len(favoriteIDs))
	for _, id := range favoriteIDs {
		seen[id] = struct{}{}
	}

	seeds := favoriteIDs[:min(len(favoriteIDs), s.config.MaxSeeds)]
	reqs := make([]pagination.Request, len(seeds))
	for i, id := range seeds {
		reqs[i] = pagination.Request{
			Endpoint: policy.Recommendations,
			Params:   map[string]string{"movie_id": strconv.FormatInt(id, 10)},
			Page:     1,
		}
	}

	results := s.fetcher.FetchAll(ctx, reqs)

	items := []json.RawMessage{}
	var firstErr error
	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
			if firstErr == nil {
				firstErr = res.Err
			}
			continue
		}
		for _, item := range res.Page.Items {
			id, ok := movieID(item)
			if !ok {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			items = append(items, item)
		}
	}

	// Partial feeds are served; only a total failure is an error.
	if failed == len(results) {
		return nil, firstErr
	}
	if failed > 0 {
		s.logger.Warn().
			Err(firstErr).
			Int("failed", failed).
			Int("seeds", len(results)).
			Msg("Some recommendation lookups failed")
	}

	return items, nil
}

func movieID(item json.RawMessage) (int64, bool) {
	var m struct {
		ID *int64 `json:"id"`
	}
	if err := json.Unmarshal(item, &m); err != nil || m.ID == nil {
		return 0, false
	}
	return *m.ID, true
}
