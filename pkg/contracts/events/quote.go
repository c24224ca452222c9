package events

import (
	"time"

	"github.com/mpinyaz/mdws/pkg/contracts/subscriptions"
)

const (
	KindQuote = "Q"
	KindTrade = "T"
)

// Evento publicado no tópico "md.quotes" e repassado aos clientes WebSocket
type Quote struct {
	Asset     subscriptions.AssetClass `json:"asset"`
	Ticker    string                   `json:"ticker"`
	Kind      string                   `json:"kind"` // Q | T
	Exchange  string                   `json:"exchange,omitempty"`
	BidSize   float64                  `json:"bidSize,omitempty"`
	BidPrice  float64                  `json:"bidPrice,omitempty"`
	MidPrice  float64                  `json:"midPrice,omitempty"`
	AskSize   float64                  `json:"askSize,omitempty"`
	AskPrice  float64                  `json:"askPrice,omitempty"`
	LastSize  float64                  `json:"lastSize,omitempty"`
	LastPrice float64                  `json:"lastPrice,omitempty"`
	Timestamp time.Time                `json:"timestamp"`
	Source    string                   `json:"source"`
}

// Key identifica o instrumento (asset:ticker); usado como chave Kafka
func (q Quote) Key() string {
	return string(q.Asset) + ":" + q.Ticker
}
