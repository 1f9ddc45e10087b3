package cache

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/factorscreen/internal/contracts"
	"github.com/wonny/factorscreen/pkg/redis"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingLoader returns a fresh one-row table per call
func countingLoader(calls *int32) Loader {
	return func(ctx context.Context) (*contracts.Table, error) {
		n := atomic.AddInt32(calls, 1)
		t := contracts.NewTable("close")
		t.AppendRow(contracts.RowKey{Instrument: "000001.SZ", Date: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
			map[string]float64{"close": float64(n)})
		return t, nil
	}
}

func testKey(iface string) Key {
	return Key{
		Interface:   iface,
		Instruments: []string{"000002.SZ", "000001.SZ"},
		Start:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:         time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
		Fields:      []string{"close", "open"},
	}
}

func newTestCache(ttl time.Duration, max int) (*Cache, *clock) {
	clk := &clock{now: time.Date(2024, 1, 31, 9, 0, 0, 0, time.UTC)}
	return New(ttl, max, WithClock(clk.Now)), clk
}

func TestKey_OrderIndependent(t *testing.T) {
	a := testKey("daily")
	b := a
	b.Instruments = []string{"000001.SZ", "000002.SZ"}
	b.Fields = []string{"open", "close"}
	assert.Equal(t, a.String(), b.String())

	c := a
	c.Fields = []string{"close"}
	assert.NotEqual(t, a.String(), c.String())

	d := a
	d.Interface = "daily_basic"
	assert.NotEqual(t, a.String(), d.String())
}

func TestSmartCache_OneCallWithinTTL(t *testing.T) {
	c, clk := newTestCache(time.Hour, 10)
	ctx := context.Background()
	var calls int32

	_, outcome, err := c.Fetch(ctx, testKey("daily"), contracts.SmartCache, countingLoader(&calls))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMiss, outcome)

	clk.Advance(30 * time.Minute)
	tbl, outcome, err := c.Fetch(ctx, testKey("daily"), contracts.SmartCache, countingLoader(&calls))
	require.NoError(t, err)
	assert.Equal(t, OutcomeHit, outcome)
	assert.Equal(t, 1.0, tbl.Column("close")[0])
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	clk.Advance(31 * time.Minute)
	tbl, outcome, err = c.Fetch(ctx, testKey("daily"), contracts.SmartCache, countingLoader(&calls))
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, outcome)
	assert.Equal(t, 2.0, tbl.Column("close")[0])
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCacheFirst_ServesExpiredEntry(t *testing.T) {
	c, clk := newTestCache(time.Minute, 10)
	ctx := context.Background()
	var calls int32

	_, _, err := c.Fetch(ctx, testKey("daily"), contracts.CacheFirst, countingLoader(&calls))
	require.NoError(t, err)

	clk.Advance(24 * time.Hour)
	_, outcome, err := c.Fetch(ctx, testKey("daily"), contracts.CacheFirst, countingLoader(&calls))
	require.NoError(t, err)
	assert.Equal(t, OutcomeHit, outcome)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestAPIFirst_AlwaysFetchesAndOverwrites(t *testing.T) {
	c, _ := newTestCache(time.Hour, 10)
	ctx := context.Background()
	var calls int32

	for i := 0; i < 3; i++ {
		_, outcome, err := c.Fetch(ctx, testKey("daily"), contracts.APIFirst, countingLoader(&calls))
		require.NoError(t, err)
		assert.Equal(t, OutcomeRefresh, outcome)
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, 1, c.Len())

	tbl, outcome, err := c.Fetch(ctx, testKey("daily"), contracts.SmartCache, countingLoader(&calls))
	require.NoError(t, err)
	assert.Equal(t, OutcomeHit, outcome)
	assert.Equal(t, 3.0, tbl.Column("close")[0], "API_FIRST overwrote the entry")
}

func TestNoCache_NeverReadsOrWrites(t *testing.T) {
	c, _ := newTestCache(time.Hour, 10)
	ctx := context.Background()
	var calls int32

	_, _, err := c.Fetch(ctx, testKey("daily"), contracts.SmartCache, countingLoader(&calls))
	require.NoError(t, err)

	_, outcome, err := c.Fetch(ctx, testKey("daily"), contracts.CacheNone, countingLoader(&calls))
	require.NoError(t, err)
	assert.Equal(t, OutcomeBypass, outcome)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	_, _, err = c.Fetch(ctx, testKey("moneyflow"), contracts.CacheNone, countingLoader(&calls))
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())
}

func TestLoaderErrorIsNotCached(t *testing.T) {
	c, _ := newTestCache(time.Hour, 10)
	ctx := context.Background()
	boom := errors.New("provider down")

	_, _, err := c.Fetch(ctx, testKey("daily"), contracts.SmartCache, func(context.Context) (*contracts.Table, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())
}

func TestEviction_OldestCreatedFirst(t *testing.T) {
	c, clk := newTestCache(time.Hour, 2)
	ctx := context.Background()
	var calls int32

	for _, iface := range []string{"a", "b"} {
		_, _, err := c.Fetch(ctx, testKey(iface), contracts.SmartCache, countingLoader(&calls))
		require.NoError(t, err)
		clk.Advance(time.Second)
	}
	// Reading "a" does not refresh its creation time.
	_, outcome, _ := c.Fetch(ctx, testKey("a"), contracts.SmartCache, countingLoader(&calls))
	require.Equal(t, OutcomeHit, outcome)

	_, _, err := c.Fetch(ctx, testKey("c"), contracts.SmartCache, countingLoader(&calls))
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	_, outcome, _ = c.Fetch(ctx, testKey("b"), contracts.SmartCache, countingLoader(&calls))
	assert.Equal(t, OutcomeHit, outcome)
	_, outcome, _ = c.Fetch(ctx, testKey("a"), contracts.SmartCache, countingLoader(&calls))
	assert.Equal(t, OutcomeMiss, outcome, "oldest entry was evicted")
}

func TestPurgeExpired(t *testing.T) {
	c, clk := newTestCache(time.Minute, 0)
	ctx := context.Background()
	var calls int32

	_, _, _ = c.Fetch(ctx, testKey("a"), contracts.SmartCache, countingLoader(&calls))
	clk.Advance(2 * time.Minute)
	_, _, _ = c.Fetch(ctx, testKey("b"), contracts.SmartCache, countingLoader(&calls))

	assert.Equal(t, 1, c.PurgeExpired())
	assert.Equal(t, 1, c.Len())

	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestConcurrentSameKey_SingleLoad(t *testing.T) {
	c := New(time.Hour, 10)
	var calls int32
	slow := func(ctx context.Context) (*contracts.Table, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return contracts.NewTable("close"), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := c.Fetch(context.Background(), testKey("daily"), contracts.SmartCache, slow)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Empty(t, c.locks, "key locks are released after use")
}

func TestUnknownStrategy(t *testing.T) {
	c, _ := newTestCache(time.Hour, 10)
	var calls int32
	_, _, err := c.Fetch(context.Background(), testKey("daily"), contracts.CacheStrategy("LRU"), countingLoader(&calls))
	assert.True(t, contracts.IsValidation(err))
	assert.Zero(t, calls)
}

func TestL2_SharesEntriesAcrossProcesses(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" || testing.Short() {
		t.Skip("REDIS_ADDR not set, skipping integration test")
	}

	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	defer rdb.Close()
	l2 := redis.NewCache(redis.Wrap(rdb), "factorscreen-test")
	ctx := context.Background()
	key := testKey("daily_l2")
	defer l2.Delete(ctx, redis.FetchKey(key.String()))

	var calls int32
	first := New(time.Minute, 10, WithL2(l2))
	_, _, err := first.Fetch(ctx, key, contracts.SmartCache, countingLoader(&calls))
	require.NoError(t, err)

	second := New(time.Minute, 10, WithL2(l2))
	tbl, outcome, err := second.Fetch(ctx, key, contracts.SmartCache, countingLoader(&calls))
	require.NoError(t, err)
	assert.Equal(t, OutcomeL2Hit, outcome)
	assert.Equal(t, 1.0, tbl.Column("close")[0])
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
