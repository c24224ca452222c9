package cache

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/mpinyaz/mdws/pkg/contracts/events"
	"github.com/mpinyaz/mdws/pkg/contracts/subscriptions"
)

func ConnectRedis(ctx context.Context, addr, password string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}

	return rdb, nil
}

// QuoteKey é a chave da última cotação de um instrumento (escrita pelo processor, lida pelo gateway)
func QuoteKey(asset subscriptions.AssetClass, ticker string) string {
	return "quote:{" + string(asset) + "}:" + ticker
}

// quoteTSKey guarda o timestamp (µs) da cotação em QuoteKey; mesmo hash slot
func quoteTSKey(asset subscriptions.AssetClass, ticker string) string {
	return QuoteKey(asset, ticker) + ":ts"
}

// KEYS[1] cotação, KEYS[2] timestamp; ARGV: valor, timestamp µs, ttl ms (0 = sem expiração)
var setIfNewer = redis.NewScript(`
local cur = redis.call('GET', KEYS[2])
if cur and tonumber(cur) > tonumber(ARGV[2]) then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
	redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
else
	redis.call('SET', KEYS[1], ARGV[1])
	redis.call('SET', KEYS[2], ARGV[2])
end
return 1
`)

// SetQuote grava a última cotação do instrumento, a menos que a guardada seja mais nova
// Retorna false quando a cotação foi descartada por ser antiga
func SetQuote(ctx context.Context, rdb redis.Scripter, q events.Quote, ttl time.Duration) (bool, error) {
	b, err := json.Marshal(q)
	if err != nil {
		return false, err
	}
	keys := []string{QuoteKey(q.Asset, q.Ticker), quoteTSKey(q.Asset, q.Ticker)}
	n, err := setIfNewer.Run(ctx, rdb, keys, b, q.Timestamp.UnixMicro(), ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
