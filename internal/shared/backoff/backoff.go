package backoff

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Config define o backoff exponencial e o timeout opcional por tentativa
// Zeros recebem defaults em Retry (jitter de 0.5 incluso); MaxElapsedTime zero significa sem limite
type Config struct {
	InitialInterval     time.Duration
	RandomizationFactor float64
	Multiplier          float64
	MaxInterval         time.Duration
	MaxElapsedTime      time.Duration
	PerAttemptTimeout   time.Duration
}

type RetryableFunc func(ctx context.Context) error

// Error é retornado quando as tentativas se esgotam ou o contexto é cancelado
type Error struct {
	Err      error
	Attempts int
}

func (e *Error) Error() string {
	return fmt.Sprintf("backoff: failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

var (
	retriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "md", Subsystem: "backoff", Name: "retries_total",
		Help: "Number of retry attempts",
	})
	failuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "md", Subsystem: "backoff", Name: "failures_total",
		Help: "Number of operations giving up after retries",
	})
	retryDelay = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "md", Subsystem: "backoff", Name: "retry_delay_seconds",
		Help:    "Retry delays in seconds",
		Buckets: prometheus.DefBuckets,
	})

	registerOnce sync.Once
)

func (c Config) withDefaults() Config {
	if c.InitialInterval <= 0 {
		c.InitialInterval = time.Second
	}
	if c.RandomizationFactor <= 0 {
		c.RandomizationFactor = 0.5
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
	return c
}

// Retry executa fn com backoff exponencial até sucesso, esgotamento ou cancelamento de ctx
func Retry(ctx context.Context, cfg Config, log *zap.Logger, fn RetryableFunc) error {
	registerOnce.Do(func() {
		prometheus.MustRegister(retriesTotal, failuresTotal, retryDelay)
	})

	cfg = cfg.withDefaults()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialInterval
	bo.RandomizationFactor = cfg.RandomizationFactor
	bo.Multiplier = cfg.Multiplier
	bo.MaxInterval = cfg.MaxInterval
	bo.MaxElapsedTime = cfg.MaxElapsedTime

	var attempts int
	operation := func() error {
		attempts++
		if t := cfg.PerAttemptTimeout; t > 0 {
			actx, cancel := context.WithTimeout(ctx, t)
			defer cancel()
			return fn(actx)
		}
		return fn(ctx)
	}

	notify := func(err error, delay time.Duration) {
		retriesTotal.Inc()
		retryDelay.Observe(delay.Seconds())
		log.Warn("backoff retry", zap.Error(err), zap.Duration("delay", delay), zap.Int("attempt", attempts))
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(bo, ctx), notify); err != nil {
		failuresTotal.Inc()
		return &Error{Err: err, Attempts: attempts}
	}
	return nil
}

// Permanent marca um erro que não deve ser repetido
func Permanent(err error) error {
	return backoff.Permanent(err)
}
