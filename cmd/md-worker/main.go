package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mpinyaz/mdws/internal/ingest/control"
	"github.com/mpinyaz/mdws/internal/ingest/publisher"
	"github.com/mpinyaz/mdws/internal/ingest/upstream"
	"github.com/mpinyaz/mdws/internal/shared/cache"
	"github.com/mpinyaz/mdws/internal/shared/config"
	"github.com/mpinyaz/mdws/internal/shared/kafka"
	"github.com/mpinyaz/mdws/internal/shared/logger"
	"github.com/mpinyaz/mdws/internal/shared/metrics"
	"github.com/mpinyaz/mdws/internal/shared/registry"
	"github.com/mpinyaz/mdws/pkg/contracts/events"
	"github.com/mpinyaz/mdws/pkg/contracts/subscriptions"
)

func main() {
	cfg := config.Load()
	log, err := logger.New(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	log.Info("Kafka brokers", zap.Strings("brokers", cfg.KafkaBrokers))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis guarda o conjunto de tickers ativos usado no boot
	rdb, err := cache.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		log.Fatal("redis connect", zap.Error(err))
	}
	defer rdb.Close()
	reg := registry.New(rdb)

	if cfg.Env == "local" || cfg.Env == "dev" {
		if err := kafka.EnsureTopics(ctx, cfg.KafkaBrokers, log, cfg.TopicQuotes, cfg.TopicSubscriptions); err != nil {
			log.Warn("ensure topics failed", zap.Error(err))
		}
	}

	// Métricas Prometheus do worker
	published := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "md_worker_quotes_published_total", Help: "cotações publicadas no Kafka"}, []string{"asset"})
	publishErrors := prometheus.NewCounter(prometheus.CounterOpts{Name: "md_worker_publish_errors_total", Help: "falhas ao publicar cotações"})
	applied := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "md_worker_control_applied_total", Help: "eventos de controle aplicados"}, []string{"type"})
	controlErrors := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "md_worker_control_errors_total", Help: "erros de controle por estágio"}, []string{"stage"})
	prometheus.MustRegister(published, publishErrors, applied, controlErrors)
	upstream.RegisterMetrics(prometheus.DefaultRegisterer)

	// Kafka Publisher async: o read loop do connector não espera o flush do lote
	quoteWriter := kafka.NewAsyncWriter(cfg.KafkaBrokers, cfg.TopicQuotes, func(msgs []kafkago.Message, err error) {
		if err != nil {
			publishErrors.Add(float64(len(msgs)))
			log.Error("quote batch delivery failed", zap.Int("messages", len(msgs)), zap.Error(err))
			return
		}
		for _, m := range msgs {
			published.WithLabelValues(string(publisher.AssetOf(m))).Inc()
		}
	})
	pub := publisher.NewKafkaPublisher(quoteWriter, log)
	defer pub.Close()

	onQuote := func(ctx context.Context, q events.Quote) {
		if err := pub.Publish(ctx, q); err != nil {
			publishErrors.Inc()
		}
	}

	// Um connector por classe de ativo
	connectors := make([]*upstream.Connector, 0, len(subscriptions.AssetClasses()))
	routes := make(map[subscriptions.AssetClass]control.Subscriber)
	for _, asset := range subscriptions.AssetClasses() {
		c := upstream.NewConnector(asset, upstream.Config{
			URL:            cfg.TiingoWSURL,
			APIKey:         cfg.TiingoAPIKey,
			ThresholdLevel: cfg.TiingoThresholdLevel,
		}, onQuote, log)

		// retoma os tickers que ainda têm assinantes em algum gateway
		active, err := reg.ActiveTickers(ctx, asset)
		if err != nil {
			log.Warn("active tickers lookup failed", zap.String("asset", string(asset)), zap.Error(err))
		} else if len(active) > 0 {
			_ = c.Subscribe(active)
			log.Info("seeded desired tickers", zap.String("asset", string(asset)), zap.Int("count", len(active)))
		}

		connectors = append(connectors, c)
		routes[asset] = c
	}

	reader := kafka.NewReader(cfg.KafkaBrokers, cfg.TopicSubscriptions, cfg.KafkaGroupID)
	defer reader.Close()

	consumer := &control.Consumer{
		Log:       log,
		Reader:    reader,
		Routes:    routes,
		OnApplied: func(t subscriptions.EventType) { applied.WithLabelValues(string(t)).Inc() },
		OnError:   func(stage string) { controlErrors.WithLabelValues(stage).Inc() },
	}

	// Metrics e health
	upstreamHealth := func(context.Context) error {
		for _, c := range connectors {
			if !c.Connected() {
				return fmt.Errorf("%s feed disconnected", c.Asset().Feed())
			}
		}
		return nil
	}
	msrv := metrics.StartMetricsServer(cfg.MetricsPort, metrics.Checks(map[string]metrics.HealthFunc{
		"redis":    reg.Ping,
		"upstream": upstreamHealth,
	}), log)

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range connectors {
		g.Go(func() error { return c.Run(gctx) })
	}
	g.Go(func() error { return consumer.Run(gctx) })

	log.Info("md-worker started", zap.String("upstream", cfg.TiingoWSURL))
	if err := g.Wait(); err != nil {
		log.Error("md-worker stopped with error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = msrv.Shutdown(shutdownCtx)
	log.Info("md-worker stopped")
}
