package upstream

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/mpinyaz/mdws/pkg/contracts/events"
	"github.com/mpinyaz/mdws/pkg/contracts/subscriptions"
)

const Source = "tiingo"

// Tipos de mensagem enviados pelo fornecedor
const (
	MessageInfo      = "I"
	MessageHeartbeat = "H"
	MessageData      = "A"
	MessageError     = "E"
)

const (
	eventSubscribe   = "subscribe"
	eventUnsubscribe = "unsubscribe"
)

var (
	ErrMalformedData   = errors.New("malformed data message")
	ErrUnsupportedKind = errors.New("unsupported update kind")
)

// Request é o envelope dos comandos enviados ao fornecedor
type Request[T any] struct {
	EventName     string `json:"eventName"`
	Authorization string `json:"authorization"`
	EventData     T      `json:"eventData"`
}

func (r *Request[T]) Pack() []byte {
	b, _ := json.Marshal(r)
	return b
}

type SubscribeData struct {
	ThresholdLevel int      `json:"thresholdLevel"`
	Tickers        []string `json:"tickers"`
}

type UnsubscribeData struct {
	SubscriptionID int64    `json:"subscriptionId,omitempty"`
	Tickers        []string `json:"tickers"`
}

func NewSubscribe(apiKey string, threshold int, tickers []string) *Request[SubscribeData] {
	return &Request[SubscribeData]{
		EventName:     eventSubscribe,
		Authorization: apiKey,
		EventData:     SubscribeData{ThresholdLevel: threshold, Tickers: tickers},
	}
}

func NewUnsubscribe(apiKey string, subscriptionID int64, tickers []string) *Request[UnsubscribeData] {
	return &Request[UnsubscribeData]{
		EventName:     eventUnsubscribe,
		Authorization: apiKey,
		EventData:     UnsubscribeData{SubscriptionID: subscriptionID, Tickers: tickers},
	}
}

// Message é qualquer mensagem recebida do fornecedor; Data depende de MessageType
type Message struct {
	MessageType string          `json:"messageType"`
	Service     string          `json:"service,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Response    *Response       `json:"response,omitempty"`
}

type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// InfoData chega nas mensagens I após subscribe
type InfoData struct {
	SubscriptionID int64    `json:"subscriptionId"`
	Tickers        []string `json:"tickers,omitempty"`
}

// ParseQuote converte o array posicional de uma mensagem A conforme o feed
//
//	fx:     [Q, ticker, date, bidSize, bidPrice, midPrice, askSize, askPrice]
//	crypto: [Q, ticker, date, exchange, bidSize, bidPrice, midPrice, askSize, askPrice]
//	        [T, ticker, date, exchange, lastSize, lastPrice]
//	iex:    [type, date, nanos, ticker, bidSize, bidPrice, midPrice, askPrice, askSize, lastPrice, lastSize, ...]
func ParseQuote(asset subscriptions.AssetClass, data json.RawMessage) (events.Quote, error) {
	var arr []any
	if err := json.Unmarshal(data, &arr); err != nil {
		return events.Quote{}, fmt.Errorf("%w: %v", ErrMalformedData, err)
	}
	if len(arr) == 0 {
		return events.Quote{}, ErrMalformedData
	}

	p := positional(arr)
	q := events.Quote{Asset: asset, Source: Source}
	kind := p.str(0)

	switch asset {
	case subscriptions.Forex:
		if kind != events.KindQuote {
			return q, fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
		}
		if len(arr) < 8 {
			return q, ErrMalformedData
		}
		q.Kind = kind
		q.Ticker = p.str(1)
		q.BidSize, q.BidPrice, q.MidPrice = p.num(3), p.num(4), p.num(5)
		q.AskSize, q.AskPrice = p.num(6), p.num(7)
		q.Timestamp = p.ts(2)

	case subscriptions.Crypto:
		q.Kind = kind
		q.Ticker = p.str(1)
		q.Exchange = p.str(3)
		q.Timestamp = p.ts(2)
		switch kind {
		case events.KindQuote:
			if len(arr) < 9 {
				return q, ErrMalformedData
			}
			q.BidSize, q.BidPrice, q.MidPrice = p.num(4), p.num(5), p.num(6)
			q.AskSize, q.AskPrice = p.num(7), p.num(8)
		case events.KindTrade:
			if len(arr) < 6 {
				return q, ErrMalformedData
			}
			q.LastSize, q.LastPrice = p.num(4), p.num(5)
		default:
			return q, fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
		}

	case subscriptions.Equity:
		if kind != events.KindQuote && kind != events.KindTrade {
			return q, fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
		}
		if len(arr) < 11 {
			return q, ErrMalformedData
		}
		q.Kind = kind
		q.Timestamp = p.ts(1)
		q.Ticker = p.str(3)
		q.BidSize, q.BidPrice, q.MidPrice = p.num(4), p.num(5), p.num(6)
		q.AskPrice, q.AskSize = p.num(7), p.num(8)
		q.LastPrice, q.LastSize = p.num(9), p.num(10)

	default:
		return q, fmt.Errorf("%w: %q", subscriptions.ErrInvalidAssetClass, string(asset))
	}

	q.Ticker = strings.ToLower(q.Ticker)
	if q.Ticker == "" {
		return q, fmt.Errorf("%w: missing ticker", ErrMalformedData)
	}
	if q.Timestamp.IsZero() {
		q.Timestamp = time.Now().UTC()
	}
	return q, nil
}

// positional lê campos do array tolerando null e tipos inesperados
type positional []any

func (p positional) str(i int) string {
	if i >= len(p) {
		return ""
	}
	s, _ := p[i].(string)
	return s
}

func (p positional) num(i int) float64 {
	if i >= len(p) {
		return 0
	}
	f, _ := p[i].(float64)
	return f
}

func (p positional) ts(i int) time.Time {
	t, err := time.Parse(time.RFC3339Nano, p.str(i))
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
