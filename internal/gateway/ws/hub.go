package ws

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mpinyaz/mdws/pkg/contracts/events"
	"github.com/mpinyaz/mdws/pkg/contracts/subscriptions"
)

var tickerPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,31}$`)

// Store é o registry compartilhado entre gateways (Redis)
type Store interface {
	Add(ctx context.Context, clientID string, asset subscriptions.AssetClass, tickers []string) ([]string, error)
	Remove(ctx context.Context, clientID string, asset subscriptions.AssetClass, tickers []string) ([]string, error)
	RemoveClient(ctx context.Context, clientID string) (map[subscriptions.AssetClass][]string, error)
	Subscribers(ctx context.Context, asset subscriptions.AssetClass, ticker string) (int64, error)
}

// Control avisa o worker quando um ticker ganha o primeiro ou perde o último assinante
type Control interface {
	Publish(ctx context.Context, typ subscriptions.EventType, payload subscriptions.SubscribePayload) error
}

// Snapshotter fornece as últimas cotações enviadas logo após o subscribe
type Snapshotter interface {
	Snapshots(ctx context.Context, asset subscriptions.AssetClass, tickers []string) ([]events.Quote, error)
}

// HandlerFunc trata um evento já roteado pelo tipo
type HandlerFunc func(c Client, ev subscriptions.Event)

type Options struct {
	MaxTickersPerClient int           // 0 desabilita o limite
	OpTimeout           time.Duration // timeout das operações no registry
	CheckOrigin         func(r *http.Request) bool
}

type subKey struct {
	asset  subscriptions.AssetClass
	ticker string
}

// delivery guarda o timestamp da última cotação entregue a um cliente em um ticker
// Serializa broadcast e snapshot do mesmo par para o cliente nunca voltar no tempo
type delivery struct {
	mu   sync.Mutex
	last time.Time
}

// deliver envia b ao cliente; com dropStale descarta cotações não mais novas que a última entregue
func (d *delivery) deliver(c Client, ts time.Time, b []byte, dropStale bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dropStale && !d.last.IsZero() && !ts.After(d.last) {
		return false
	}
	if !c.Send(b) {
		return false
	}
	if ts.After(d.last) {
		d.last = ts
	}
	return true
}

// Hub mantém os clientes conectados neste gateway e o índice local de assinaturas
// O estado global (entre gateways) fica no Store
type Hub struct {
	log      *zap.Logger
	store    Store
	control  Control
	snaps    Snapshotter
	upgrader websocket.Upgrader

	maxTickers int
	opTimeout  time.Duration

	mu         sync.RWMutex
	clients    map[string]Client
	subs       map[subKey]map[string]Client
	clientSubs map[string]map[subKey]*delivery

	hmu     sync.RWMutex
	handlers map[subscriptions.EventType]HandlerFunc

	wg sync.WaitGroup
}

func NewHub(store Store, control Control, snaps Snapshotter, log *zap.Logger, opts Options) *Hub {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 5 * time.Second
	}
	h := &Hub{
		log:        log,
		store:      store,
		control:    control,
		snaps:      snaps,
		upgrader:   websocket.Upgrader{CheckOrigin: opts.CheckOrigin},
		maxTickers: opts.MaxTickersPerClient,
		opTimeout:  opts.OpTimeout,
		clients:    make(map[string]Client),
		subs:       make(map[subKey]map[string]Client),
		clientSubs: make(map[string]map[subKey]*delivery),
		handlers:   make(map[subscriptions.EventType]HandlerFunc),
	}
	h.Handle(subscriptions.EventSubscribe, h.handleSubscribe)
	h.Handle(subscriptions.EventUnsubscribe, h.handleUnsubscribe)
	h.Handle(subscriptions.EventPing, h.handlePing)
	return h
}

// Handle registra (ou substitui) o handler de um tipo de evento
func (h *Hub) Handle(typ subscriptions.EventType, fn HandlerFunc) {
	h.hmu.Lock()
	h.handlers[typ] = fn
	h.hmu.Unlock()
}

func (h *Hub) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), h.opTimeout)
}

func (h *Hub) Register(c Client) {
	h.mu.Lock()
	h.clients[c.ID()] = c
	h.clientSubs[c.ID()] = make(map[subKey]*delivery)
	h.mu.Unlock()

	connectedClients.Inc()
	h.log.Info("client connected", zap.String("client_id", c.ID()))
}

// Unregister remove o cliente do índice local e do registry
// Tickers que ficaram sem assinantes geram unsubscribe para o worker
func (h *Hub) Unregister(c Client) {
	id := c.ID()

	h.mu.Lock()
	if _, ok := h.clients[id]; !ok {
		h.mu.Unlock()
		return
	}
	for k := range h.clientSubs[id] {
		h.dropLocked(k, id)
	}
	delete(h.clientSubs, id)
	delete(h.clients, id)
	h.mu.Unlock()

	connectedClients.Dec()
	c.Close()

	ctx, cancel := h.opContext()
	defer cancel()

	deactivated, err := h.store.RemoveClient(ctx, id)
	if err != nil {
		failures.WithLabelValues("registry").Inc()
		h.log.Error("registry cleanup failed", zap.String("client_id", id), zap.Error(err))
	}
	for _, asset := range subscriptions.AssetClasses() {
		if tickers := deactivated[asset]; len(tickers) > 0 {
			h.publishControl(ctx, subscriptions.EventUnsubscribe, asset, tickers)
		}
	}
	h.log.Info("client disconnected", zap.String("client_id", id))
}

// CloseAll desregistra e fecha todos os clientes, limpando o registry antes de retornar
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.Unregister(c)
	}
}

// Wait aguarda o envio dos snapshots pendentes
func (h *Hub) Wait() { h.wg.Wait() }

func (h *Hub) NumClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// LocalSubscribers conta os clientes deste gateway inscritos no ticker
func (h *Hub) LocalSubscribers(asset subscriptions.AssetClass, ticker string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[subKey{asset, ticker}])
}

// Dispatch decodifica o frame e chama o handler do tipo
func (h *Hub) Dispatch(c Client, data []byte) {
	var ev subscriptions.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		inboundEvents.WithLabelValues("invalid").Inc()
		h.replyError(c, subscriptions.EventError, "", nil, fmt.Sprintf("invalid event: %v", err))
		return
	}

	h.hmu.RLock()
	fn, ok := h.handlers[ev.Type]
	h.hmu.RUnlock()
	if !ok {
		inboundEvents.WithLabelValues("unknown").Inc()
		h.replyError(c, subscriptions.EventUnknown, ev.Type, ev.Extra, "unknown event type")
		return
	}

	inboundEvents.WithLabelValues(string(ev.Type)).Inc()
	fn(c, ev)
}

// Broadcast envia a cotação aos clientes deste gateway inscritos no ticker
// O evento é serializado uma vez; buffers cheios descartam a mensagem
func (h *Hub) Broadcast(q events.Quote) int {
	k := subKey{q.Asset, q.Ticker}

	h.mu.RLock()
	set := h.subs[k]
	if len(set) == 0 {
		h.mu.RUnlock()
		return 0
	}
	type target struct {
		c Client
		d *delivery
	}
	targets := make([]target, 0, len(set))
	for id, c := range set {
		if d := h.clientSubs[id][k]; d != nil {
			targets = append(targets, target{c, d})
		}
	}
	h.mu.RUnlock()

	b, err := subscriptions.EncodeEvent(subscriptions.NewEvent(subscriptions.EventQuote, q))
	if err != nil {
		h.log.Warn("quote encode failed", zap.String("key", q.Key()), zap.Error(err))
		return 0
	}

	sent := 0
	for _, t := range targets {
		if t.d.deliver(t.c, q.Timestamp, b, false) {
			sent++
			continue
		}
		bufferDrops.WithLabelValues(string(subscriptions.EventQuote)).Inc()
	}
	quotesSent.Add(float64(sent))
	return sent
}

func (h *Hub) handleSubscribe(c Client, ev subscriptions.Event) {
	p, err := subscriptions.DecodePayload[subscriptions.SubscribePayload](ev)
	if err != nil {
		h.replyError(c, subscriptions.EventError, ev.Type, ev.Extra, err.Error())
		return
	}
	p = p.Normalize()

	valid, rejected := splitValid(p.Tickers)
	var reasons []string
	if len(rejected) > 0 {
		reasons = append(reasons, "invalid ticker format")
	}

	accepted := make([]string, 0, len(valid))
	var fresh []string
	limited := false

	h.mu.RLock()
	held := h.clientSubs[c.ID()]
	count := len(held)
	for _, t := range valid {
		if _, ok := held[subKey{p.AssetClass, t}]; ok {
			accepted = append(accepted, t)
			continue
		}
		if h.maxTickers > 0 && count >= h.maxTickers {
			rejected = append(rejected, t)
			limited = true
			continue
		}
		count++
		fresh = append(fresh, t)
		accepted = append(accepted, t)
	}
	h.mu.RUnlock()

	if limited {
		reasons = append(reasons, fmt.Sprintf("limit of %d tickers per client reached", h.maxTickers))
	}

	if len(fresh) > 0 {
		ctx, cancel := h.opContext()
		defer cancel()

		activated, err := h.store.Add(ctx, c.ID(), p.AssetClass, fresh)
		if err != nil {
			failures.WithLabelValues("registry").Inc()
			h.log.Error("registry add failed", zap.String("client_id", c.ID()), zap.Error(err))
			h.reply(c, subscriptions.EventSubscribed, ev.Extra, storeFailure(p.AssetClass))
			return
		}

		h.mu.Lock()
		_, alive := h.clientSubs[c.ID()]
		for _, t := range fresh {
			h.addLocked(subKey{p.AssetClass, t}, c)
		}
		h.mu.Unlock()

		// cliente saiu durante o Add: desfaz no registry
		if !alive {
			h.rollback(ctx, c.ID(), p.AssetClass, fresh, activated)
			return
		}

		if len(activated) > 0 {
			h.publishControl(ctx, subscriptions.EventSubscribe, p.AssetClass, activated)
		}
	}

	h.reply(c, subscriptions.EventSubscribed, ev.Extra, subscriptions.SubscribeResponse{
		Asset:    p.AssetClass,
		Status:   subscriptions.ResolveStatus(len(accepted), len(rejected)),
		Symbol:   accepted,
		Rejected: rejected,
		Message:  strings.Join(reasons, "; "),
	})

	if len(accepted) > 0 && h.snaps != nil {
		h.sendSnapshots(c, p.AssetClass, accepted)
	}
}

func (h *Hub) handleUnsubscribe(c Client, ev subscriptions.Event) {
	p, err := subscriptions.DecodePayload[subscriptions.UnsubscribePayload](ev)
	if err != nil {
		h.replyError(c, subscriptions.EventError, ev.Type, ev.Extra, err.Error())
		return
	}
	p = p.Normalize()

	drop := make([]string, 0, len(p.Tickers))
	var rejected []string

	h.mu.RLock()
	held := h.clientSubs[c.ID()]
	for _, t := range p.Tickers {
		if _, ok := held[subKey{p.AssetClass, t}]; ok {
			drop = append(drop, t)
		} else {
			rejected = append(rejected, t)
		}
	}
	h.mu.RUnlock()

	if len(drop) > 0 {
		ctx, cancel := h.opContext()
		defer cancel()

		deactivated, err := h.store.Remove(ctx, c.ID(), p.AssetClass, drop)
		if err != nil {
			failures.WithLabelValues("registry").Inc()
			h.log.Error("registry remove failed", zap.String("client_id", c.ID()), zap.Error(err))
			h.reply(c, subscriptions.EventUnsubscribed, ev.Extra, storeFailure(p.AssetClass))
			return
		}

		h.mu.Lock()
		for _, t := range drop {
			h.dropLocked(subKey{p.AssetClass, t}, c.ID())
			delete(h.clientSubs[c.ID()], subKey{p.AssetClass, t})
		}
		h.mu.Unlock()

		if len(deactivated) > 0 {
			h.publishControl(ctx, subscriptions.EventUnsubscribe, p.AssetClass, deactivated)
		}
	}

	resp := subscriptions.SubscribeResponse{
		Asset:    p.AssetClass,
		Status:   subscriptions.ResolveStatus(len(drop), len(rejected)),
		Symbol:   drop,
		Rejected: rejected,
	}
	if len(rejected) > 0 {
		resp.Message = "not subscribed"
	}
	h.reply(c, subscriptions.EventUnsubscribed, ev.Extra, resp)
}

func (h *Hub) handlePing(c Client, ev subscriptions.Event) {
	payload := ev.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	pong := subscriptions.NewEvent(subscriptions.EventPong, payload)
	pong.Extra = ev.Extra
	h.send(c, pong.Type, pong)
}

func (h *Hub) sendSnapshots(c Client, asset subscriptions.AssetClass, tickers []string) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		ctx, cancel := h.opContext()
		defer cancel()

		quotes, err := h.snaps.Snapshots(ctx, asset, tickers)
		if err != nil {
			h.log.Warn("snapshot lookup failed", zap.String("asset", string(asset)), zap.Error(err))
			return
		}
		for _, q := range quotes {
			h.mu.RLock()
			d := h.clientSubs[c.ID()][subKey{q.Asset, q.Ticker}]
			h.mu.RUnlock()
			if d == nil {
				continue
			}

			b, err := subscriptions.EncodeEvent(subscriptions.NewEvent(subscriptions.EventQuote, q))
			if err != nil {
				h.log.Warn("snapshot encode failed", zap.String("key", q.Key()), zap.Error(err))
				continue
			}
			// um broadcast mais novo já chegou ao cliente: snapshot descartado
			if !d.deliver(c, q.Timestamp, b, true) {
				h.log.Debug("snapshot skipped", zap.String("client_id", c.ID()), zap.String("key", q.Key()))
			}
		}
	}()
}

func (h *Hub) publishControl(ctx context.Context, typ subscriptions.EventType, asset subscriptions.AssetClass, tickers []string) {
	if h.control == nil {
		return
	}
	err := h.control.Publish(ctx, typ, subscriptions.SubscribePayload{AssetClass: asset, Tickers: tickers})
	if err != nil {
		failures.WithLabelValues("control").Inc()
		h.log.Error("control publish failed",
			zap.String("type", string(typ)),
			zap.String("asset", string(asset)),
			zap.Strings("tickers", tickers),
			zap.Error(err),
		)
	}
}

func (h *Hub) reply(c Client, typ subscriptions.EventType, extra map[string]json.RawMessage, resp subscriptions.SubscribeResponse) {
	ev := subscriptions.NewEvent(typ, resp)
	ev.Extra = extra
	h.send(c, typ, ev)
}

func (h *Hub) replyError(c Client, typ, about subscriptions.EventType, extra map[string]json.RawMessage, msg string) {
	ev := subscriptions.NewEvent(typ, subscriptions.ErrorPayload{Message: msg, Type: about})
	ev.Extra = extra
	h.send(c, typ, ev)
}

// send serializa e entrega sem bloquear; falhas viram métrica
func (h *Hub) send(c Client, typ subscriptions.EventType, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		h.log.Warn("event encode failed", zap.String("type", string(typ)), zap.Error(err))
		return
	}
	if !c.Send(b) {
		bufferDrops.WithLabelValues(string(typ)).Inc()
	}
}

func (h *Hub) rollback(ctx context.Context, id string, asset subscriptions.AssetClass, tickers, activated []string) {
	deactivated, err := h.store.Remove(ctx, id, asset, tickers)
	if err != nil {
		failures.WithLabelValues("registry").Inc()
		h.log.Error("registry rollback failed", zap.String("client_id", id), zap.Error(err))
		return
	}
	gone := make(map[string]struct{}, len(deactivated))
	for _, t := range deactivated {
		gone[t] = struct{}{}
	}
	// o subscribe deste Add nunca foi publicado; só vale republicar se ainda há assinante
	// (o RemoveClient concorrente pode ter desativado o ticker e publicado unsubscribe)
	var still []string
	for _, t := range activated {
		if _, ok := gone[t]; ok {
			continue
		}
		n, err := h.store.Subscribers(ctx, asset, t)
		if err != nil {
			failures.WithLabelValues("registry").Inc()
			h.log.Error("registry scard failed", zap.String("ticker", t), zap.Error(err))
			continue
		}
		if n > 0 {
			still = append(still, t)
		}
	}
	if len(still) > 0 {
		h.publishControl(ctx, subscriptions.EventSubscribe, asset, still)
	}
}

// addLocked e dropLocked exigem h.mu em modo escrita
func (h *Hub) addLocked(k subKey, c Client) {
	cs, ok := h.clientSubs[c.ID()]
	if !ok {
		return
	}
	if _, held := cs[k]; !held {
		cs[k] = &delivery{}
	}

	set, ok := h.subs[k]
	if !ok {
		set = make(map[string]Client)
		h.subs[k] = set
	}
	set[c.ID()] = c
}

func (h *Hub) dropLocked(k subKey, id string) {
	if set, ok := h.subs[k]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(h.subs, k)
		}
	}
}

func storeFailure(asset subscriptions.AssetClass) subscriptions.SubscribeResponse {
	return subscriptions.SubscribeResponse{
		Asset:   asset,
		Status:  subscriptions.StatusError,
		Symbol:  []string{},
		Message: "subscription store unavailable",
	}
}

// splitValid separa os tickers que casam com o formato aceito
func splitValid(tickers []string) (valid, invalid []string) {
	for _, t := range tickers {
		if tickerPattern.MatchString(t) {
			valid = append(valid, t)
		} else {
			invalid = append(invalid, t)
		}
	}
	return valid, invalid
}
