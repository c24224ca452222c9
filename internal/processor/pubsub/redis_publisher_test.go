package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpinyaz/mdws/pkg/contracts/events"
	"github.com/mpinyaz/mdws/pkg/contracts/subscriptions"
)

func TestRedisBroadcaster_Publish(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	sub := rdb.Subscribe(ctx, "md.quotes.broadcast")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	b := NewRedisBroadcaster(rdb, "md.quotes.broadcast")
	q := events.Quote{Asset: subscriptions.Forex, Ticker: "eurusd", Kind: events.KindQuote, BidPrice: 1.07}

	n, err := b.Publish(ctx, q)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	select {
	case msg := <-sub.Channel():
		var got events.Quote
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, "eurusd", got.Ticker)
		assert.Equal(t, 1.07, got.BidPrice)
	case <-time.After(2 * time.Second):
		t.Fatal("no broadcast received")
	}
}
