package control

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mpinyaz/mdws/pkg/contracts/subscriptions"
)

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Subscriber aplica as mudanças no conjunto de tickers de um feed
type Subscriber interface {
	Subscribe(tickers []string) error
	Unsubscribe(tickers []string) error
}

// Consumer lê os eventos de controle publicados pelos gateways
// e repassa ao connector da classe de ativo correspondente
type Consumer struct {
	Log    *zap.Logger
	Reader messageReader
	Routes map[subscriptions.AssetClass]Subscriber

	OnApplied func(subscriptions.EventType) // métricas
	OnError   func(string)                  // métricas por fase
}

// Run inicia o loop de consumo até o contexto ser cancelado
func (c *Consumer) Run(ctx context.Context) error {
	for {
		m, err := c.Reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.Log.Warn("kafka read failed", zap.Error(err))
			c.fail("read")
			time.Sleep(500 * time.Millisecond)
			continue
		}
		c.Apply(m.Value)
	}
}

// Apply decodifica um evento e aplica no connector; eventos inválidos são descartados
func (c *Consumer) Apply(value []byte) {
	ev, err := subscriptions.DecodeEvent[subscriptions.SubscribePayload](value)
	if err != nil {
		c.Log.Warn("invalid control event", zap.Error(err))
		c.fail("decode")
		return
	}

	sub, ok := c.Routes[ev.Payload.AssetClass]
	if !ok {
		c.Log.Warn("no connector for asset", zap.String("asset", string(ev.Payload.AssetClass)))
		c.fail("route")
		return
	}

	tickers := ev.Payload.Normalize().Tickers
	switch ev.Type {
	case subscriptions.EventSubscribe:
		err = sub.Subscribe(tickers)
	case subscriptions.EventUnsubscribe:
		err = sub.Unsubscribe(tickers)
	default:
		c.Log.Debug("ignored control event", zap.String("type", string(ev.Type)))
		return
	}
	if err != nil {
		c.Log.Warn("control apply failed",
			zap.String("type", string(ev.Type)),
			zap.String("asset", string(ev.Payload.AssetClass)),
			zap.Error(err),
		)
		c.fail("apply")
		return
	}

	c.Log.Info("control event applied",
		zap.String("type", string(ev.Type)),
		zap.String("asset", string(ev.Payload.AssetClass)),
		zap.Strings("tickers", tickers),
		zap.String("from", ev.From),
	)
	if c.OnApplied != nil {
		c.OnApplied(ev.Type)
	}
}

func (c *Consumer) fail(stage string) {
	if c.OnError != nil {
		c.OnError(stage)
	}
}
