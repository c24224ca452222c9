package pubsub

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/mpinyaz/mdws/pkg/contracts/events"
)

// RedisBroadcaster publica cotações no canal lido por todos os gateways
type RedisBroadcaster struct {
	r       *redis.Client
	channel string
}

func NewRedisBroadcaster(r *redis.Client, channel string) *RedisBroadcaster {
	return &RedisBroadcaster{r: r, channel: channel}
}

// Publish retorna o número de gateways que receberam a mensagem
func (b *RedisBroadcaster) Publish(ctx context.Context, q events.Quote) (int64, error) {
	payload, err := json.Marshal(q)
	if err != nil {
		return 0, err
	}
	return b.r.Publish(ctx, b.channel, payload).Result()
}
