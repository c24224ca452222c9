package simulator

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/mpinyaz/mdws/pkg/contracts/subscriptions"
)

// Catálogo de preços iniciais; tickers fora dele partem de um preço aleatório
var basePrices = map[string]float64{
	"eurusd": 1.07, "gbpusd": 1.25, "usdjpy": 155.1, "audusd": 0.66,
	"aapl": 189.5, "msft": 410.2, "tsla": 178.3, "spy": 512.7,
	"btcusd": 64000, "ethusd": 3100, "solusd": 145,
}

// Tickers enviados quando o cliente assina "*"
var wildcardTickers = map[subscriptions.AssetClass][]string{
	subscriptions.Forex:  {"eurusd", "gbpusd", "usdjpy", "audusd"},
	subscriptions.Equity: {"aapl", "msft", "tsla", "spy"},
	subscriptions.Crypto: {"btcusd", "ethusd", "solusd"},
}

var exchanges = []string{"binance", "bitfinex", "coinbase", "kraken"}

// walker gera um passeio aleatório de preço por ticker
type walker struct {
	mu     sync.Mutex
	rnd    *rand.Rand
	prices map[string]float64
}

func newWalker(seed int64) *walker {
	return &walker{rnd: rand.New(rand.NewSource(seed)), prices: make(map[string]float64)}
}

// next retorna o novo preço médio e o spread do ticker
func (w *walker) next(ticker string) (mid, spread float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	p, ok := w.prices[ticker]
	if !ok {
		if p, ok = basePrices[ticker]; !ok {
			p = 10 + w.rnd.Float64()*490
		}
	}
	// variação de até ±0,1% por tick
	p *= 1 + (w.rnd.Float64()-0.5)*0.002
	w.prices[ticker] = p

	spread = p * 0.0001
	return round(p), round(spread)
}

func (w *walker) size(limit float64) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return math.Round((1+w.rnd.Float64()*(limit-1))*100) / 100
}

func (w *walker) pick(n int) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rnd.Intn(n)
}

func round(f float64) float64 {
	return math.Round(f*1e6) / 1e6
}

// dataRow monta o array posicional no formato de cada feed
func dataRow(asset subscriptions.AssetClass, ticker string, w *walker, now time.Time) []any {
	mid, spread := w.next(ticker)
	bid, ask := round(mid-spread/2), round(mid+spread/2)
	date := now.UTC().Format(time.RFC3339Nano)

	switch asset {
	case subscriptions.Forex:
		return []any{"Q", ticker, date, w.size(5e6), bid, mid, w.size(5e6), ask}
	case subscriptions.Crypto:
		ex := exchanges[w.pick(len(exchanges))]
		if w.pick(2) == 0 {
			return []any{"T", ticker, date, ex, w.size(5), mid}
		}
		return []any{"Q", ticker, date, ex, w.size(5), bid, mid, w.size(5), ask}
	default:
		kind := "Q"
		if w.pick(2) == 0 {
			kind = "T"
		}
		return []any{kind, date, now.UnixNano(), ticker, w.size(500), bid, mid, ask, w.size(500), mid, w.size(500), 0, 0, nil, 0, 0}
	}
}
