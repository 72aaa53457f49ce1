// Package favorites reads users' favorite movies from Postgres and exposes
// them as page sources for the per-user endpoints.
package favorites

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

const favoritesTable = "user_favorite_movies"

// Schema creates the favorites table. The proxy only reads it; the table is
// owned by the account service that records favorites.
const Schema = `
CREATE TABLE IF NOT EXISTS user_favorite_movies (
	id           BIGSERIAL PRIMARY KEY,
	user_id      TEXT        NOT NULL,
	tmdb_id      BIGINT      NOT NULL,
	title        TEXT        NOT NULL,
	poster_path  TEXT,
	overview     TEXT        NOT NULL DEFAULT '',
	release_date DATE,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (user_id, tmdb_id)
);
CREATE INDEX IF NOT EXISTS user_favorite_movies_user_created
	ON user_favorite_movies (user_id, created_at DESC);
`

// ErrQuery wraps database failures.
var ErrQuery = errors.New("favorites query failed")

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type (
	// PoolOps is the subset of *pgxpool.Pool the repository needs.
	PoolOps interface {
		Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
		QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
		Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
		Ping(ctx context.Context) error
	}

	// Favorite is one movie a user marked as favorite.
	Favorite struct {
		ID          int64      `db:"id" json:"id"`
		TMDBID      int64      `db:"tmdb_id" json:"tmdb_id"`
		Title       string     `db:"title" json:"title"`
		PosterPath  *string    `db:"poster_path" json:"poster_path"`
		Overview    string     `db:"overview" json:"overview"`
		ReleaseDate *time.Time `db:"release_date" json:"release_date"`
		CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	}

	favoriteWithCount struct {
		Favorite
		TotalCount int `db:"total_count"`
	}

	// Repository reads favorites.
	Repository struct {
		pool   PoolOps
		logger zerolog.Logger
	}
)

// NewRepository creates a repository over pool.
func NewRepository(pool PoolOps, logger zerolog.Logger) *Repository {
	return &Repository{
		pool:   pool,
		logger: logger.With().Str("component", "favorites").Logger(),
	}
}

// ListFavorites returns one page of userID's favorites, newest first, and
// the user's total favorite count.
func (r *Repository) ListFavorites(ctx context.Context, userID string, page, size int) ([]Favorite, int, error) {
	if page < 1 || size < 1 {
		return nil, 0, fmt.Errorf("invalid page %d size %d", page, size)
	}

	query, args, err := psql.Select(
		"id", "tmdb_id", "title", "poster_path", "overview", "release_date", "created_at",
		"COUNT(*) OVER() AS total_count",
	).
		From(favoritesTable).
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(size)).
		Offset(uint64((page - 1) * size)).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build select query: %w", err)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrQuery, err)
	}
	defer rows.Close()

	var found []favoriteWithCount
	if err := pgxscan.ScanAll(&found, rows); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrQuery, err)
	}

	if len(found) == 0 {
		// Past the last page the window count is unavailable.
		if page == 1 {
			return []Favorite{}, 0, nil
		}
		total, err := r.Count(ctx, userID)
		return []Favorite{}, total, err
	}

	favorites := make([]Favorite, 0, len(found))
	for _, f := range found {
		favorites = append(favorites, f.Favorite)
	}
	return favorites, found[0].TotalCount, nil
}

// Count returns the number of favorites of userID.
func (r *Repository) Count(ctx context.Context, userID string) (int, error) {
	query, args, err := psql.Select("COUNT(*)").
		From(favoritesTable).
		Where(sq.Eq{"user_id": userID}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build count query: %w", err)
	}

	var total int
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrQuery, err)
	}
	return total, nil
}

// FavoriteIDs returns the movie ids of userID's favorites, newest first.
func (r *Repository) FavoriteIDs(ctx context.Context, userID string) ([]int64, error) {
	query, args, err := psql.Select("tmdb_id").
		From(favoritesTable).
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at DESC", "id DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select query: %w", err)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQuery, err)
	}
	defer rows.Close()

	ids := []int64{}
	if err := pgxscan.ScanAll(&ids, rows); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQuery, err)
	}
	return ids, nil
}

// Migrate applies Schema.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply favorites schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
