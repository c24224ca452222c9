package simulator

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Métricas Prometheus para monitoramento de conexões e mensagens
var (
	once sync.Once

	wsConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "simulator_ws_connections",
		Help: "Clientes WebSocket conectados por feed",
	}, []string{"feed"})
	wsMessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "simulator_ws_messages_sent_total",
		Help: "Total de mensagens WS enviadas por tipo",
	}, []string{"feed", "type"})
)

func RegisterMetrics(r prometheus.Registerer) {
	once.Do(func() {
		_ = r.Register(wsConnections)
		_ = r.Register(wsMessagesSent)
	})
}
