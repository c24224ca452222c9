package cache

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	sharedcache "github.com/mpinyaz/mdws/internal/shared/cache"
	"github.com/mpinyaz/mdws/pkg/contracts/events"
	"github.com/mpinyaz/mdws/pkg/contracts/subscriptions"
)

// Cache lê (e eventualmente reabastece) a última cotação de cada instrumento
type Cache struct{ R *redis.Client }

func New(r *redis.Client) *Cache { return &Cache{R: r} }

func (c *Cache) Latest(ctx context.Context, asset subscriptions.AssetClass, ticker string) (events.Quote, bool, error) {
	var q events.Quote
	b, err := c.R.Get(ctx, sharedcache.QuoteKey(asset, ticker)).Bytes()
	if errors.Is(err, redis.Nil) {
		return q, false, nil
	}
	if err != nil {
		return q, false, err
	}
	if err := json.Unmarshal(b, &q); err != nil {
		return q, false, err
	}
	return q, true, nil
}

// SetLatest reabastece o cache sem sobrescrever uma cotação mais nova gravada pelo processor
func (c *Cache) SetLatest(ctx context.Context, q events.Quote, ttl time.Duration) error {
	_, err := sharedcache.SetQuote(ctx, c.R, q, ttl)
	return err
}

// Snapshots busca as últimas cotações dos tickers em um único MGET; ausentes são ignorados
func (c *Cache) Snapshots(ctx context.Context, asset subscriptions.AssetClass, tickers []string) ([]events.Quote, error) {
	if len(tickers) == 0 {
		return nil, nil
	}

	keys := make([]string, len(tickers))
	for i, t := range tickers {
		keys[i] = sharedcache.QuoteKey(asset, t)
	}

	vals, err := c.R.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]events.Quote, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok || s == "" {
			continue
		}
		var q events.Quote
		if err := json.Unmarshal([]byte(s), &q); err != nil {
			continue
		}
		out = append(out, q)
	}
	return out, nil
}
