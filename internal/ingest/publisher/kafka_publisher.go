package publisher

import (
	"bytes"
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mpinyaz/mdws/pkg/contracts/events"
	"github.com/mpinyaz/mdws/pkg/contracts/subscriptions"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher encapsula o writer Kafka e o logger
type KafkaPublisher struct {
	writer messageWriter
	log    *zap.Logger
}

// AssetOf extrai a classe de ativo da chave asset:ticker (usado no Completion do writer async)
func AssetOf(m kafka.Message) subscriptions.AssetClass {
	asset, _, _ := bytes.Cut(m.Key, []byte(":"))
	return subscriptions.AssetClass(asset)
}

// NewKafkaPublisher recebe um writer já configurado (ver shared/kafka.NewWriter)
func NewKafkaPublisher(w messageWriter, log *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: w, log: log}
}

// Publish serializa a cotação e envia ao tópico de quotes
// A chave asset:ticker mantém a ordem por instrumento dentro da partição
// Com writer async o retorno só cobre o enfileiramento; a entrega é reportada no Completion
func (p *KafkaPublisher) Publish(ctx context.Context, q events.Quote) error {
	value, err := json.Marshal(q)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   []byte(q.Key()),
		Value: value,
		Time:  time.Now(),
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Error("failed to publish quote", zap.String("key", q.Key()), zap.Error(err))
		return err
	}

	p.log.Debug("published quote", zap.String("key", q.Key()))
	return nil
}

// Close finaliza o writer e libera recursos associados
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
