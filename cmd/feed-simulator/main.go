package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mpinyaz/mdws/internal/shared/config"
	"github.com/mpinyaz/mdws/internal/shared/logger"
	"github.com/mpinyaz/mdws/internal/shared/metrics"
	"github.com/mpinyaz/mdws/internal/simulator"
)

func main() {
	cfg := config.Load()
	log, err := logger.New(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	simulator.RegisterMetrics(prometheus.DefaultRegisterer)

	// ==== MUX DE MÉTRICAS (/healthz, /metrics)
	msrv := metrics.StartMetricsServer(cfg.MetricsPort, nil, log)

	// ==== Servidor público: /fx, /iex e /crypto
	feed := simulator.NewFeed(simulator.Options{
		TickInterval: cfg.SimTickInterval,
		APIKey:       cfg.TiingoAPIKey,
	}, log)
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           feed,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("feed simulator running",
			zap.String("addr", srv.Addr),
			zap.String("paths", "/fx,/iex,/crypto"),
			zap.Duration("tick", cfg.SimTickInterval),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("public server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = msrv.Shutdown(shutdownCtx)
	log.Info("feed simulator stopped")
}
