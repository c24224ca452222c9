package ws

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	connectedClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway", Subsystem: "ws", Name: "connected_clients",
		Help: "Clientes WebSocket conectados",
	})
	inboundEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway", Subsystem: "ws", Name: "inbound_events_total",
		Help: "Eventos recebidos dos clientes por tipo",
	}, []string{"type"})
	quotesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway", Subsystem: "ws", Name: "quotes_sent_total",
		Help: "Quotes entregues aos buffers dos clientes",
	})
	bufferDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway", Subsystem: "ws", Name: "buffer_drops_total",
		Help: "Mensagens descartadas por buffer cheio",
	}, []string{"type"})
	failures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway", Subsystem: "ws", Name: "failures_total",
		Help: "Falhas de registry e de publicação de controle",
	}, []string{"stage"})
)

// RegisterMetrics registra os coletores do hub uma única vez
func RegisterMetrics(r prometheus.Registerer) {
	once.Do(func() {
		collectors := []prometheus.Collector{connectedClients, inboundEvents, quotesSent, bufferDrops, failures}
		for _, c := range collectors {
			_ = r.Register(c)
		}
	})
}
