package filtercache

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/dropleader/internal/store"
)

type memRepo struct {
	entries map[string]store.SymbolFilterCacheEntry
	getErr  error
}

func newMemRepo() *memRepo {
	return &memRepo{entries: map[string]store.SymbolFilterCacheEntry{}}
}

func (r *memRepo) Get(ctx context.Context, hash string) (*store.SymbolFilterCacheEntry, error) {
	if r.getErr != nil {
		return nil, r.getErr
	}
	e, ok := r.entries[hash]
	if !ok {
		return nil, nil
	}
	return &e, nil
}
func (r *memRepo) Upsert(ctx context.Context, entry store.SymbolFilterCacheEntry) error {
	r.entries[entry.FilterHash] = entry
	return nil
}
func (r *memRepo) BumpHit(ctx context.Context, hash string, at time.Time) error { return nil }
func (r *memRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	for k, e := range r.entries {
		if e.LastUsedAt.Before(cutoff) {
			delete(r.entries, k)
			n++
		}
	}
	return n, nil
}

func testCriteria() Criteria {
	return Criteria{
		ReferenceDate:      "2026-01-05",
		QuoteAsset:         "USDT",
		MinVolumeThreshold: 10000,
		MinHistoryDays:     365,
		RequireFutures:     true,
		ExcludeStablecoins: true,
	}
}

func TestHashIsStableForIdenticalCriteria(t *testing.T) {
	c := testCriteria()
	require.Equal(t, c.Hash(), testCriteria().Hash())
}

func TestHashDiffersOnAnyFieldChange(t *testing.T) {
	a := testCriteria()
	b := testCriteria()
	b.MinVolumeThreshold = 20000
	require.NotEqual(t, a.Hash(), b.Hash())
}

func TestGetMissFallsThroughToStoreThenDegradesCleanly(t *testing.T) {
	rc, mock := redismock.NewClientMock()
	repo := newMemRepo()
	cache := New(rc, repo, 30, nil)
	c := testCriteria()

	mock.ExpectGet(redisKey(c.Hash())).RedisNil()

	_, found := cache.Get(context.Background(), c)
	require.False(t, found)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPutThenGetHitsStoreAndWarmsRedis(t *testing.T) {
	rc, mock := redismock.NewClientMock()
	repo := newMemRepo()
	cache := New(rc, repo, 30, nil)
	c := testCriteria()
	res := Result{ValidSymbols: []string{"BTCUSDT"}, Statistics: map[string]int{"valid": 1}}

	mock.Regexp().ExpectSet(redisKey(c.Hash()), `.*`, 30*24*time.Hour).SetVal("OK")
	cache.Put(context.Background(), c, res, 10*time.Millisecond)

	mock.ExpectGet(redisKey(c.Hash())).RedisNil()
	mock.Regexp().ExpectSet(redisKey(c.Hash()), `.*`, 30*24*time.Hour).SetVal("OK")

	got, found := cache.Get(context.Background(), c)
	require.True(t, found)
	require.Equal(t, res.ValidSymbols, got.ValidSymbols)
}

func TestGetStoreFailureDegradesToMiss(t *testing.T) {
	rc, mock := redismock.NewClientMock()
	c := testCriteria()
	repo := newMemRepo()
	repo.getErr = context.DeadlineExceeded
	cache := New(rc, repo, 30, nil)

	mock.ExpectGet(redisKey(c.Hash())).RedisNil()

	_, found := cache.Get(context.Background(), c)
	require.False(t, found)
}

func TestCleanupDeletesOlderThan(t *testing.T) {
	repo := newMemRepo()
	old := time.Now().UTC().AddDate(0, 0, -40)
	repo.entries["old"] = store.SymbolFilterCacheEntry{FilterHash: "old", LastUsedAt: old}
	repo.entries["fresh"] = store.SymbolFilterCacheEntry{FilterHash: "fresh", LastUsedAt: time.Now().UTC()}

	rc, _ := redismock.NewClientMock()
	cache := New(rc, repo, 30, nil)

	n, err := cache.Cleanup(context.Background(), 30)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	require.NotContains(t, repo.entries, "old")
	require.Contains(t, repo.entries, "fresh")
}
