package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpinyaz/mdws/internal/gateway/cache"
	"github.com/mpinyaz/mdws/pkg/contracts/events"
	"github.com/mpinyaz/mdws/pkg/contracts/subscriptions"
)

func setup(t *testing.T) (*cache.Cache, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return cache.New(rdb), mr
}

func TestCache_LatestMiss(t *testing.T) {
	c, _ := setup(t)
	_, ok, err := c.Latest(context.Background(), subscriptions.Forex, "eurusd")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_SetAndLatest(t *testing.T) {
	c, mr := setup(t)
	ctx := context.Background()
	q := events.Quote{
		Asset: subscriptions.Forex, Ticker: "eurusd", Kind: events.KindQuote,
		BidPrice: 1.0841, AskPrice: 1.0843, MidPrice: 1.0842,
		Timestamp: time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC), Source: "tiingo",
	}
	require.NoError(t, c.SetLatest(ctx, q, time.Minute))
	assert.True(t, mr.Exists("quote:{forex}:eurusd"))

	got, ok, err := c.Latest(ctx, subscriptions.Forex, "eurusd")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, q.BidPrice, got.BidPrice)
	assert.True(t, q.Timestamp.Equal(got.Timestamp))

	mr.FastForward(2 * time.Minute)
	_, ok, err = c.Latest(ctx, subscriptions.Forex, "eurusd")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_Snapshots(t *testing.T) {
	c, mr := setup(t)
	ctx := context.Background()

	require.NoError(t, c.SetLatest(ctx, events.Quote{Asset: subscriptions.Equity, Ticker: "aapl", LastPrice: 190.1}, time.Minute))
	require.NoError(t, c.SetLatest(ctx, events.Quote{Asset: subscriptions.Equity, Ticker: "msft", LastPrice: 410.5}, time.Minute))
	require.NoError(t, mr.Set("quote:{equity}:junk", "not-json"))

	snaps, err := c.Snapshots(ctx, subscriptions.Equity, []string{"aapl", "nope", "msft", "junk"})
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "aapl", snaps[0].Ticker)
	assert.Equal(t, "msft", snaps[1].Ticker)

	none, err := c.Snapshots(ctx, subscriptions.Equity, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCache_RefillKeepsNewerQuote(t *testing.T) {
	c, _ := setup(t)
	ctx := context.Background()
	ts := time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)

	require.NoError(t, c.SetLatest(ctx, events.Quote{Asset: subscriptions.Forex, Ticker: "eurusd", BidPrice: 1.09, Timestamp: ts}, time.Minute))
	require.NoError(t, c.SetLatest(ctx, events.Quote{Asset: subscriptions.Forex, Ticker: "eurusd", BidPrice: 1.07, Timestamp: ts.Add(-time.Hour)}, time.Minute))

	got, ok, err := c.Latest(ctx, subscriptions.Forex, "eurusd")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1.09, got.BidPrice)
}
