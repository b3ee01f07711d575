package stock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, repo RepositoryPort) (*OverviewCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewOverviewCache(newTestLedger(repo), client, time.Minute), mr
}

func TestOverviewBuildAndCache(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed(1, 10, 3) // in stock
	repo.seed(2, 2, 3)  // low
	repo.seed(3, 0, 3)  // out
	cache, mr := newTestCache(t, repo)

	overview, err := cache.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, overview.TotalParts)
	require.Equal(t, 1, overview.InStock)
	require.Equal(t, 1, overview.LowStock)
	require.Equal(t, 1, overview.OutOfStock)
	require.Len(t, overview.Attention, 2)
	require.True(t, mr.Exists(overviewKey))

	// A second read is served from the cache, so ledger changes are not seen
	// until the snapshot expires or is invalidated.
	repo.seed(4, 0, 0)
	overview, err = cache.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, overview.TotalParts)

	require.NoError(t, cache.Invalidate(context.Background()))
	overview, err = cache.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, overview.TotalParts)
}

func TestOverviewCorruptPayloadRebuilds(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed(1, 1, 0)
	cache, mr := newTestCache(t, repo)

	require.NoError(t, mr.Set(overviewKey, "{not json"))

	overview, err := cache.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, overview.TotalParts)
}
