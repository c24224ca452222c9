package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/mpinyaz/mdws/pkg/contracts/events"
	"github.com/mpinyaz/mdws/pkg/contracts/subscriptions"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

type QuoteCache interface {
	Latest(ctx context.Context, asset subscriptions.AssetClass, ticker string) (events.Quote, bool, error)
	SetLatest(ctx context.Context, q events.Quote, ttl time.Duration) error
}

type QuoteRepo interface {
	Latest(ctx context.Context, asset subscriptions.AssetClass, ticker string) (events.Quote, error)
	History(ctx context.Context, asset subscriptions.AssetClass, ticker string, limit int) ([]events.Quote, error)
}

type SubscriptionRegistry interface {
	Subscribers(ctx context.Context, asset subscriptions.AssetClass, ticker string) (int64, error)
	Subscriptions(ctx context.Context, clientID string) (map[subscriptions.AssetClass][]string, error)
}

// API expõe os endpoints REST do gateway e o upgrade WebSocket em /ws
type API struct {
	Service   string
	Cache     QuoteCache           // cotações recentes (Redis)
	Repo      QuoteRepo            // último valor e histórico (Postgres)
	Registry  SubscriptionRegistry // assinaturas compartilhadas entre gateways
	Clients   func() int           // clientes conectados neste gateway
	WS        http.HandlerFunc
	Health    func(ctx context.Context) error
	CacheTTL  time.Duration
	Log       *zap.Logger
	StartedAt time.Time
}

// Router retorna o roteador HTTP com os endpoints REST
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/", a.info)
	r.Get("/health", a.health)
	if a.WS != nil {
		r.Get("/ws", a.WS)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/assets", a.listAssets)
		r.Get("/quotes/{asset}/{ticker}", a.getQuote)                // última cotação
		r.Get("/quotes/{asset}/{ticker}/history", a.getHistory)      // mais recente primeiro
		r.Get("/subscriptions/{asset}/{ticker}", a.countSubscribers) // assinantes ativos
		r.Get("/clients/{id}/subscriptions", a.clientSubscriptions)
	})
	return r
}

// writeJSON serializa a resposta em JSON e define o status HTTP
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// instrument lê {asset} e {ticker}; responde 400 quando inválidos
func instrument(w http.ResponseWriter, r *http.Request) (subscriptions.AssetClass, string, bool) {
	asset, err := subscriptions.ParseAssetClass(chi.URLParam(r, "asset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", "", false
	}
	ticker := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "ticker")))
	if ticker == "" {
		writeError(w, http.StatusBadRequest, "ticker is required")
		return "", "", false
	}
	return asset, ticker, true
}

func (a *API) info(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":   a.Service,
		"websocket": "/ws",
		"events": []subscriptions.EventType{
			subscriptions.EventSubscribe,
			subscriptions.EventUnsubscribe,
			subscriptions.EventPing,
		},
		"assets": subscriptions.AssetClasses(),
		"endpoints": []string{
			"GET /health",
			"GET /v1/assets",
			"GET /v1/quotes/{asset}/{ticker}",
			"GET /v1/quotes/{asset}/{ticker}/history?limit=",
			"GET /v1/subscriptions/{asset}/{ticker}",
			"GET /v1/clients/{id}/subscriptions",
		},
	})
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if a.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.Health(ctx); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
			a.Log.Warn("health check failed", zap.Error(err))
		}
	}

	clients := 0
	if a.Clients != nil {
		clients = a.Clients()
	}
	writeJSON(w, code, map[string]any{
		"status":            status,
		"connected_clients": clients,
		"uptime":            time.Since(a.StartedAt).Round(time.Second).String(),
		"timestamp":         time.Now().UTC(),
	})
}

func (a *API) listAssets(w http.ResponseWriter, _ *http.Request) {
	type asset struct {
		Name subscriptions.AssetClass `json:"name"`
		Feed string                   `json:"feed"`
	}
	out := make([]asset, 0, 3)
	for _, c := range subscriptions.AssetClasses() {
		out = append(out, asset{Name: c, Feed: c.Feed()})
	}
	writeJSON(w, http.StatusOK, out)
}

// getQuote retorna a última cotação, preferencialmente do cache
func (a *API) getQuote(w http.ResponseWriter, r *http.Request) {
	asset, ticker, ok := instrument(w, r)
	if !ok {
		return
	}

	q, hit, err := a.Cache.Latest(r.Context(), asset, ticker)
	if err != nil {
		a.Log.Warn("cache read failed", zap.String("ticker", ticker), zap.Error(err))
	}
	if hit {
		writeJSON(w, http.StatusOK, q)
		return
	}

	q, err = a.Repo.Latest(r.Context(), asset, ticker)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "quote not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// reabastece o cache com o valor do banco
	if err := a.Cache.SetLatest(r.Context(), q, a.CacheTTL); err != nil {
		a.Log.Warn("cache backfill failed", zap.String("ticker", ticker), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, q)
}

func (a *API) getHistory(w http.ResponseWriter, r *http.Request) {
	asset, ticker, ok := instrument(w, r)
	if !ok {
		return
	}

	limit := defaultHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	hist, err := a.Repo.History(r.Context(), asset, ticker, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if hist == nil {
		hist = []events.Quote{}
	}
	writeJSON(w, http.StatusOK, hist)
}

func (a *API) countSubscribers(w http.ResponseWriter, r *http.Request) {
	asset, ticker, ok := instrument(w, r)
	if !ok {
		return
	}

	n, err := a.Registry.Subscribers(r.Context(), asset, ticker)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"asset":       asset,
		"ticker":      ticker,
		"subscribers": n,
	})
}

// clientSubscriptions lista os tickers de um cliente por classe, em qualquer gateway
func (a *API) clientSubscriptions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	subs, err := a.Registry.Subscriptions(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make(map[string][]string, len(subs))
	for asset, tickers := range subs {
		out[string(asset)] = tickers
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"client_id":     id,
		"subscriptions": out,
	})
}
