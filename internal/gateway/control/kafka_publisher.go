package control

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mpinyaz/mdws/pkg/contracts/subscriptions"
)

// messageWriter é o subconjunto de *kafka.Writer usado aqui
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher envia eventos subscribe/unsubscribe para o worker de market data
// A chave é a classe de ativo: eventos da mesma classe ficam na mesma partição, em ordem
type KafkaPublisher struct {
	writer messageWriter
	origin string
	log    *zap.Logger
}

func NewKafkaPublisher(w messageWriter, origin string, log *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: w, origin: origin, log: log}
}

// Publish serializa o envelope e grava no tópico de controle
func (p *KafkaPublisher) Publish(ctx context.Context, typ subscriptions.EventType, payload subscriptions.SubscribePayload) error {
	ev := subscriptions.NewEvent(typ, payload)
	ev.From = p.origin

	value, err := subscriptions.EncodeEvent(ev)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   []byte(payload.AssetClass),
		Value: value,
		Time:  time.Now(),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return err
	}

	p.log.Debug("control event published",
		zap.String("type", string(typ)),
		zap.String("asset", string(payload.AssetClass)),
		zap.Strings("tickers", payload.Tickers),
	)
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
