package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mpinyaz/mdws/internal/processor/cache"
	"github.com/mpinyaz/mdws/internal/processor/consumer"
	"github.com/mpinyaz/mdws/internal/processor/pubsub"
	"github.com/mpinyaz/mdws/internal/processor/repository"
	sharedcache "github.com/mpinyaz/mdws/internal/shared/cache"
	"github.com/mpinyaz/mdws/internal/shared/config"
	"github.com/mpinyaz/mdws/internal/shared/db"
	"github.com/mpinyaz/mdws/internal/shared/kafka"
	"github.com/mpinyaz/mdws/internal/shared/logger"
	"github.com/mpinyaz/mdws/internal/shared/metrics"
	"github.com/mpinyaz/mdws/pkg/contracts/events"
)

func main() {
	cfg := config.Load()
	log, err := logger.New(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	// Sinalização para shutdown gracioso (SIGINT/SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Inicializa dependências: Postgres e Redis
	pg, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("postgres connect", zap.Error(err))
	}
	defer pg.Close()

	redisClient, err := sharedcache.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		log.Fatal("redis connect", zap.Error(err))
	}
	defer redisClient.Close()

	// Instancia cache Redis e repositório Postgres para cotações
	rcache := cache.NewRedisCache(redisClient, cfg.QuoteCacheTTL, log)
	repo := repository.NewPostgresRepo(pg)
	if err := repo.EnsureSchema(ctx); err != nil {
		log.Fatal("ensure schema", zap.Error(err))
	}

	if cfg.Env == "local" || cfg.Env == "dev" {
		if err := kafka.EnsureTopics(ctx, cfg.KafkaBrokers, log, cfg.TopicQuotes); err != nil {
			log.Warn("ensure topics failed", zap.Error(err))
		}
	}

	// Configura o consumer Kafka (consumer group quote-processor)
	reader := kafka.NewReader(cfg.KafkaBrokers, cfg.TopicQuotes, cfg.KafkaGroupID)
	defer reader.Close()

	// Métricas Prometheus para monitoramento do processamento
	consumed := prometheus.NewCounter(prometheus.CounterOpts{Name: "quote_proc_messages_consumed_total", Help: "mensagens consumidas"})
	cached := prometheus.NewCounter(prometheus.CounterOpts{Name: "quote_proc_cache_sets_total", Help: "sets no cache"})
	persist := prometheus.NewCounter(prometheus.CounterOpts{Name: "quote_proc_db_writes_total", Help: "escritas no banco (upsert+history)"})
	broadcasts := prometheus.NewCounter(prometheus.CounterOpts{Name: "quote_proc_broadcasts_total", Help: "cotações repassadas aos gateways"})
	errorsBy := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "quote_proc_errors_total", Help: "erros por estágio"}, []string{"stage"})
	prometheus.MustRegister(consumed, cached, persist, broadcasts, errorsBy)

	// Broadcaster para publicar cotações no Redis Pub/Sub (lido pelos ws-gateways)
	broadcaster := pubsub.NewRedisBroadcaster(redisClient, cfg.RedisQuotesChannel)

	// Instancia o processor, conectando callbacks de métricas e broadcast
	proc := &consumer.Processor{
		Log:        log,
		Reader:     reader,
		Repo:       repo,
		Cache:      rcache,
		OnConsumed: func() { consumed.Inc() },
		OnCached:   func() { cached.Inc() },
		OnPersist:  func() { persist.Inc() },
		OnError:    func(stage string) { errorsBy.WithLabelValues(stage).Inc() },

		OnAfterPersist: func(q events.Quote) {
			bctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
			defer cancel()

			if _, err := broadcaster.Publish(bctx, q); err != nil {
				errorsBy.WithLabelValues("broadcast").Inc()
				log.Warn("ws broadcast publish failed", zap.String("key", q.Key()), zap.Error(err))
				return
			}
			broadcasts.Inc()
		},
	}

	// Servidor HTTP para métricas e health check
	msrv := metrics.StartMetricsServer(cfg.MetricsPort, metrics.Checks(map[string]metrics.HealthFunc{
		"postgres": pg.PingContext,
		"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
	}), log)

	log.Info("quote-processor started", zap.String("topic", cfg.TopicQuotes))
	if err := proc.Run(ctx); err != nil {
		log.Error("processor stopped with error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = msrv.Shutdown(shutdownCtx)
	log.Info("quote-processor stopped")
}
