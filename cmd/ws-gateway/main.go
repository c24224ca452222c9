package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	gwcache "github.com/mpinyaz/mdws/internal/gateway/cache"
	"github.com/mpinyaz/mdws/internal/gateway/control"
	httpapi "github.com/mpinyaz/mdws/internal/gateway/http"
	"github.com/mpinyaz/mdws/internal/gateway/repo"
	"github.com/mpinyaz/mdws/internal/gateway/ws"
	"github.com/mpinyaz/mdws/internal/shared/cache"
	"github.com/mpinyaz/mdws/internal/shared/config"
	"github.com/mpinyaz/mdws/internal/shared/db"
	"github.com/mpinyaz/mdws/internal/shared/kafka"
	"github.com/mpinyaz/mdws/internal/shared/logger"
	"github.com/mpinyaz/mdws/internal/shared/metrics"
	"github.com/mpinyaz/mdws/internal/shared/registry"
)

func main() {
	// carrega config
	cfg := config.Load()

	// inicia logger
	log, err := logger.New(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(fmt.Errorf("logger init: %w", err))
	}
	defer log.Sync()

	// Sinalização para shutdown gracioso (SIGINT/SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// conecta com cache Redis (registro de assinaturas, cache e pub/sub)
	rdb, err := cache.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		log.Fatal("failed to connect redis", zap.Error(err))
	}
	defer rdb.Close()
	log.Info("redis connected")

	// conecta com db Postgres (consultas REST)
	pg, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()
	log.Info("postgres connected")

	if cfg.Env == "local" || cfg.Env == "dev" {
		if err := kafka.EnsureTopics(ctx, cfg.KafkaBrokers, log, cfg.TopicSubscriptions); err != nil {
			log.Warn("ensure topics failed", zap.Error(err))
		}
	}

	// eventos de controle seguem para os workers via Kafka
	origin := cfg.ServiceName + "-" + uuid.NewString()[:8]
	writer := kafka.NewWriter(cfg.KafkaBrokers, cfg.TopicSubscriptions)
	ctrl := control.NewKafkaPublisher(writer, origin, log)
	defer ctrl.Close()
	log.Info("kafka writer ready", zap.String("topic", cfg.TopicSubscriptions), zap.String("origin", origin))

	ws.RegisterMetrics(prometheus.DefaultRegisterer)

	reg := registry.New(rdb)
	quotes := gwcache.New(rdb)
	hub := ws.NewHub(reg, ctrl, quotes, log, ws.Options{
		MaxTickersPerClient: cfg.MaxTickersPerClient,
		CheckOrigin:         func(r *http.Request) bool { return true },
	})

	// cotações processadas chegam pelo Redis Pub/Sub
	if err := ws.StartRedisSubscriber(ctx, rdb, cfg.RedisQuotesChannel, hub, log); err != nil {
		log.Fatal("redis subscribe failed", zap.Error(err))
	}

	health := metrics.Checks(map[string]metrics.HealthFunc{
		"redis":    reg.Ping,
		"postgres": pg.PingContext,
	})
	msrv := metrics.StartMetricsServer(cfg.MetricsPort, health, log)

	api := &httpapi.API{
		Service:   cfg.ServiceName,
		Cache:     quotes,
		Repo:      &repo.ReadRepo{DB: pg},
		Registry:  reg,
		Clients:   hub.NumClients,
		WS:        hub.ServeWS,
		Health:    health,
		CacheTTL:  cfg.QuoteCacheTTL,
		Log:       log,
		StartedAt: time.Now(),
	}

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("ws-gateway listening", zap.String("addr", srv.Addr), zap.String("paths", "/ws,/health,/v1"))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Shutdown não fecha conexões upgradadas; o hub fecha os clientes
	_ = srv.Shutdown(shutdownCtx)
	hub.CloseAll()
	hub.Wait()
	_ = msrv.Shutdown(shutdownCtx)
	log.Info("ws-gateway stopped")
}
