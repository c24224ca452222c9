package subscriptions

import (
	"errors"
	"fmt"
	"strings"
)

const (
	StatusOK       = "ok"
	StatusPartial  = "partial"  // parte dos tickers aceita; ver Rejected
	StatusRejected = "rejected" // nenhum ticker aceito
	StatusError    = "error"    // falha interna, nada foi aplicado
)

var ErrInvalidStatus = errors.New("invalid status")

// SubscribeResponse confirma (total ou parcialmente) um subscribe/unsubscribe
// Symbol lista os tickers efetivamente aplicados, já normalizados
type SubscribeResponse struct {
	Asset    AssetClass `json:"asset"`
	Status   string     `json:"status"`
	Symbol   []string   `json:"symbol"`
	Rejected []string   `json:"rejected,omitempty"`
	Message  string     `json:"message,omitempty"`
}

func (r SubscribeResponse) Validate() error {
	if !r.Asset.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidAssetClass, string(r.Asset))
	}
	if strings.TrimSpace(r.Status) == "" {
		return ErrInvalidStatus
	}
	return nil
}

// ResolveStatus deriva o status a partir do que foi aceito e rejeitado
func ResolveStatus(accepted, rejected int) string {
	switch {
	case accepted > 0 && rejected == 0:
		return StatusOK
	case accepted > 0:
		return StatusPartial
	default:
		return StatusRejected
	}
}
