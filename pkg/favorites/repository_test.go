package favorites_test

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/movierec-proxy/pkg/favorites"
)

const (
	listQuery  = `SELECT id, tmdb_id, title, poster_path, overview, release_date, created_at, COUNT(*) OVER() AS total_count FROM user_favorite_movies WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT 20 OFFSET 20`
	firstPage  = `SELECT id, tmdb_id, title, poster_path, overview, release_date, created_at, COUNT(*) OVER() AS total_count FROM user_favorite_movies WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT 20 OFFSET 0`
	countQuery = `SELECT COUNT(*) FROM user_favorite_movies WHERE user_id = $1`
	idsQuery   = `SELECT tmdb_id FROM user_favorite_movies WHERE user_id = $1 ORDER BY created_at DESC, id DESC`
)

var listColumns = []string{"id", "tmdb_id", "title", "poster_path", "overview", "release_date", "created_at", "total_count"}

func runRepoTest(
	t *testing.T,
	setupMock func(pgxmock.PgxPoolIface),
	testFn func(*testing.T, *favorites.Repository),
) {
	t.Helper()
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	setupMock(mock)

	repo := favorites.NewRepository(mock, zerolog.Nop())
	testFn(t, repo)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_ListFavorites(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	released := time.Date(1999, 10, 15, 0, 0, 0, 0, time.UTC)
	poster := "/fc.jpg"

	t.Run("returns page with window count", func(t *testing.T) {
		runRepoTest(t, func(mock pgxmock.PgxPoolIface) {
			rows := pgxmock.NewRows(listColumns).
				AddRow(int64(2), int64(550), "Fight Club", &poster, "Mischief.", &released, created, 23).
				AddRow(int64(1), int64(603), "The Matrix", (*string)(nil), "", (*time.Time)(nil), created.Add(-time.Hour), 23)

			mock.ExpectQuery(regexp.QuoteMeta(listQuery)).
				WithArgs("42").
				WillReturnRows(rows)
		}, func(t *testing.T, repo *favorites.Repository) {
			favs, total, err := repo.ListFavorites(context.Background(), "42", 2, 20)
			require.NoError(t, err)
			require.Equal(t, 23, total)
			require.Len(t, favs, 2)
			require.Equal(t, int64(550), favs[0].TMDBID)
			require.Equal(t, "Fight Club", favs[0].Title)
			require.Equal(t, &poster, favs[0].PosterPath)
			require.Nil(t, favs[1].PosterPath)
			require.Nil(t, favs[1].ReleaseDate)
		})
	})

	t.Run("empty first page has zero total", func(t *testing.T) {
		runRepoTest(t, func(mock pgxmock.PgxPoolIface) {
			mock.ExpectQuery(regexp.QuoteMeta(firstPage)).
				WithArgs("42").
				WillReturnRows(pgxmock.NewRows(listColumns))
		}, func(t *testing.T, repo *favorites.Repository) {
			favs, total, err := repo.ListFavorites(context.Background(), "42", 1, 20)
			require.NoError(t, err)
			require.Equal(t, 0, total)
			require.NotNil(t, favs)
			require.Empty(t, favs)
		})
	})

	t.Run("past the end counts separately", func(t *testing.T) {
		runRepoTest(t, func(mock pgxmock.PgxPoolIface) {
			mock.ExpectQuery(regexp.QuoteMeta(listQuery)).
				WithArgs("42").
				WillReturnRows(pgxmock.NewRows(listColumns))
			mock.ExpectQuery(regexp.QuoteMeta(countQuery)).
				WithArgs("42").
				WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(7))
		}, func(t *testing.T, repo *favorites.Repository) {
			favs, total, err := repo.ListFavorites(context.Background(), "42", 2, 20)
			require.NoError(t, err)
			require.Equal(t, 7, total)
			require.Empty(t, favs)
		})
	})

	t.Run("database error is wrapped", func(t *testing.T) {
		runRepoTest(t, func(mock pgxmock.PgxPoolIface) {
			mock.ExpectQuery(regexp.QuoteMeta(firstPage)).
				WithArgs("42").
				WillReturnError(errors.New("connection reset"))
		}, func(t *testing.T, repo *favorites.Repository) {
			_, _, err := repo.ListFavorites(context.Background(), "42", 1, 20)
			require.ErrorIs(t, err, favorites.ErrQuery)
		})
	})

	t.Run("invalid page is rejected before querying", func(t *testing.T) {
		runRepoTest(t, func(pgxmock.PgxPoolIface) {}, func(t *testing.T, repo *favorites.Repository) {
			_, _, err := repo.ListFavorites(context.Background(), "42", 0, 20)
			require.Error(t, err)
		})
	})
}

func TestRepository_FavoriteIDs(t *testing.T) {
	t.Parallel()

	t.Run("returns ids newest first", func(t *testing.T) {
		runRepoTest(t, func(mock pgxmock.PgxPoolIface) {
			mock.ExpectQuery(regexp.QuoteMeta(idsQuery)).
				WithArgs("7").
				WillReturnRows(pgxmock.NewRows([]string{"tmdb_id"}).AddRow(int64(603)).AddRow(int64(550)))
		}, func(t *testing.T, repo *favorites.Repository) {
			ids, err := repo.FavoriteIDs(context.Background(), "7")
			require.NoError(t, err)
			require.Equal(t, []int64{603, 550}, ids)
		})
	})

	t.Run("no favorites", func(t *testing.T) {
		runRepoTest(t, func(mock pgxmock.PgxPoolIface) {
			mock.ExpectQuery(regexp.QuoteMeta(idsQuery)).
				WithArgs("7").
				WillReturnRows(pgxmock.NewRows([]string{"tmdb_id"}))
		}, func(t *testing.T, repo *favorites.Repository) {
			ids, err := repo.FavoriteIDs(context.Background(), "7")
			require.NoError(t, err)
			require.Empty(t, ids)
		})
	})

	t.Run("database error is wrapped", func(t *testing.T) {
		runRepoTest(t, func(mock pgxmock.PgxPoolIface) {
			mock.ExpectQuery(regexp.QuoteMeta(idsQuery)).
				WithArgs("7").
				WillReturnError(errors.New("timeout"))
		}, func(t *testing.T, repo *favorites.Repository) {
			_, err := repo.FavoriteIDs(context.Background(), "7")
			require.ErrorIs(t, err, favorites.ErrQuery)
		})
	})
}

func TestRepository_Migrate(t *testing.T) {
	runRepoTest(t, func(mock pgxmock.PgxPoolIface) {
		mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS user_favorite_movies")).
			WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}, func(t *testing.T, repo *favorites.Repository) {
		require.NoError(t, repo.Migrate(context.Background()))
	})
}

func TestRepository_Ping(t *testing.T) {
	runRepoTest(t, func(mock pgxmock.PgxPoolIface) {
		mock.ExpectPing()
	}, func(t *testing.T, repo *favorites.Repository) {
		require.NoError(t, repo.Ping(context.Background()))
	})
}
