package consumer

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mpinyaz/mdws/pkg/contracts/events"
)

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type QuoteCache interface {
	SetLatest(ctx context.Context, q events.Quote) error
}

type QuoteRepo interface {
	UpsertLatest(ctx context.Context, q events.Quote) error
	InsertHistory(ctx context.Context, q events.Quote) error
}

// Processor consome cotações do Kafka, faz cache, persiste no banco e repassa aos gateways
// Callbacks de métricas podem ser usadas para monitoramento de cada etapa
type Processor struct {
	Log    *zap.Logger
	Reader messageReader
	Repo   QuoteRepo
	Cache  QuoteCache

	OnConsumed func()       // métricas (counter++)
	OnCached   func()       // métricas
	OnPersist  func()       // métricas
	OnError    func(string) // métricas por fase

	// chamado para toda cotação válida, mesmo se o banco falhar
	OnAfterPersist func(events.Quote)
}

// Run inicia o loop principal de consumo e processamento das mensagens Kafka
func (p *Processor) Run(ctx context.Context) error {
	for {
		m, err := p.Reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil // encerra se o contexto for cancelado
			}
			p.Log.Warn("kafka read failed", zap.Error(err))
			p.fail("read")
			time.Sleep(500 * time.Millisecond)
			continue
		}
		p.Handle(ctx, m.Value)
	}
}

// Handle processa uma mensagem; mensagens inválidas são descartadas
func (p *Processor) Handle(ctx context.Context, value []byte) {
	if p.OnConsumed != nil {
		p.OnConsumed()
	}

	var q events.Quote
	if err := json.Unmarshal(value, &q); err != nil || q.Ticker == "" || !q.Asset.Valid() {
		p.Log.Warn("invalid message", zap.Error(err), zap.ByteString("value", value))
		p.fail("decode")
		return
	}

	// Atualiza cache Redis com a última cotação
	if err := p.Cache.SetLatest(ctx, q); err != nil {
		p.Log.Warn("redis set failed", zap.String("key", q.Key()), zap.Error(err))
		p.fail("cache")
		// não bloqueia persistência se falhar o cache
	} else if p.OnCached != nil {
		p.OnCached()
	}

	if p.persist(ctx, q) && p.OnPersist != nil {
		p.OnPersist()
	}

	if p.OnAfterPersist != nil {
		p.OnAfterPersist(q)
	}
}

func (p *Processor) persist(ctx context.Context, q events.Quote) bool {
	if err := p.Repo.UpsertLatest(ctx, q); err != nil {
		p.Log.Warn("db upsert failed", zap.String("key", q.Key()), zap.Error(err))
		p.fail("db_upsert")
		return false
	}
	if err := p.Repo.InsertHistory(ctx, q); err != nil {
		p.Log.Warn("db insert history failed", zap.String("key", q.Key()), zap.Error(err))
		p.fail("db_history")
		return false
	}
	return true
}

func (p *Processor) fail(stage string) {
	if p.OnError != nil {
		p.OnError(stage)
	}
}
