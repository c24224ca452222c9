package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	sharedcache "github.com/mpinyaz/mdws/internal/shared/cache"
	"github.com/mpinyaz/mdws/pkg/contracts/events"
)

// RedisCache guarda a última cotação de cada instrumento no Redis
// Client: cliente Redis
// TTL: tempo de expiração dos registros
type RedisCache struct {
	Client *redis.Client
	TTL    time.Duration
	Log    *zap.Logger
}

// NewRedisCache cria uma instância de cache Redis com TTL configurável
func NewRedisCache(c *redis.Client, ttl time.Duration, log *zap.Logger) *RedisCache {
	return &RedisCache{Client: c, TTL: ttl, Log: log}
}

// SetLatest grava a última cotação do instrumento com TTL definido
// Cotações mais antigas que a guardada (reentrega do Kafka) são ignoradas
func (r *RedisCache) SetLatest(ctx context.Context, q events.Quote) error {
	stored, err := sharedcache.SetQuote(ctx, r.Client, q, r.TTL)
	if err != nil {
		return err
	}
	if !stored {
		r.Log.Debug("stale quote not cached", zap.String("key", q.Key()), zap.Time("timestamp", q.Timestamp))
	}
	return nil
}
