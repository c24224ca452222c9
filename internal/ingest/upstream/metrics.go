package upstream

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	connects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "worker", Subsystem: "upstream", Name: "connects_total",
		Help: "Conexões estabelecidas com o fornecedor",
	}, []string{"feed"})
	messages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "worker", Subsystem: "upstream", Name: "messages_total",
		Help: "Mensagens recebidas do fornecedor por tipo",
	}, []string{"feed", "type"})
	parseErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "worker", Subsystem: "upstream", Name: "parse_errors_total",
		Help: "Mensagens A descartadas por formato inválido",
	}, []string{"feed"})
	desiredTickers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "worker", Subsystem: "upstream", Name: "desired_tickers",
		Help: "Tickers que o worker deve manter assinados",
	}, []string{"feed"})
)

func RegisterMetrics(r prometheus.Registerer) {
	once.Do(func() {
		for _, c := range []prometheus.Collector{connects, messages, parseErrors, desiredTickers} {
			_ = r.Register(c)
		}
	})
}
