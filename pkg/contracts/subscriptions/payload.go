package subscriptions

import (
	"errors"
	"fmt"
	"strings"
)

var ErrNoTickers = errors.New("no tickers provided")

// SubscribePayload pede atualizações para um conjunto ordenado de tickers de uma classe
type SubscribePayload struct {
	AssetClass AssetClass `json:"assetClass"`
	Tickers    []string   `json:"tickers"`
}

// UnsubscribePayload tem o mesmo formato do subscribe; semanticamente é um cancelamento
type UnsubscribePayload = SubscribePayload

func (p SubscribePayload) Validate() error {
	if !p.AssetClass.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidAssetClass, string(p.AssetClass))
	}
	if len(p.Tickers) == 0 {
		return ErrNoTickers
	}
	return nil
}

// Normalize aplica trim + lowercase, descarta vazios e duplicados mantendo a ordem de chegada
func (p SubscribePayload) Normalize() SubscribePayload {
	out := SubscribePayload{AssetClass: p.AssetClass, Tickers: make([]string, 0, len(p.Tickers))}
	seen := make(map[string]struct{}, len(p.Tickers))
	for _, t := range p.Tickers {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out.Tickers = append(out.Tickers, t)
	}
	return out
}
