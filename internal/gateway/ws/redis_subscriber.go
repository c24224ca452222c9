package ws

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mpinyaz/mdws/pkg/contracts/events"
)

// Broadcaster recebe as cotações vindas do pub/sub
type Broadcaster interface {
	Broadcast(q events.Quote) int
}

// StartRedisSubscriber escuta o canal de broadcast e repassa cada cotação ao hub
// Retorna quando a inscrição estiver confirmada; a leitura segue em goroutine até ctx terminar
func StartRedisSubscriber(ctx context.Context, r *redis.Client, channel string, hub Broadcaster, log *zap.Logger) error {
	sub := r.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return err
	}

	ch := sub.Channel()
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var q events.Quote
				if err := json.Unmarshal([]byte(msg.Payload), &q); err != nil {
					log.Warn("broadcast decode failed", zap.String("channel", channel), zap.Error(err))
					continue
				}
				hub.Broadcast(q)
			}
		}
	}()

	log.Info("redis subscriber started", zap.String("channel", channel))
	return nil
}
