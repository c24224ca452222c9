package simulator

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mpinyaz/mdws/pkg/contracts/subscriptions"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Options controla o ritmo do feed simulado
// APIKey vazio aceita qualquer authorization
type Options struct {
	TickInterval   time.Duration
	HeartbeatEvery int // em ticks
	APIKey         string
	Seed           int64
}

// Feed imita o websocket do fornecedor em /fx, /iex e /crypto
type Feed struct {
	opts   Options
	log    *zap.Logger
	prices *walker
	subIDs atomic.Int64
}

func NewFeed(opts Options, log *zap.Logger) *Feed {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.HeartbeatEvery <= 0 {
		opts.HeartbeatEvery = 30
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	return &Feed{opts: opts, log: log.Named("feed"), prices: newWalker(opts.Seed)}
}

type request struct {
	EventName     string `json:"eventName"`
	Authorization string `json:"authorization"`
	EventData     struct {
		SubscriptionID int64    `json:"subscriptionId"`
		Tickers        []string `json:"tickers"`
	} `json:"eventData"`
}

type response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type message struct {
	MessageType string    `json:"messageType"`
	Service     string    `json:"service,omitempty"`
	Data        any       `json:"data,omitempty"`
	Response    *response `json:"response,omitempty"`
}

// session é uma conexão de cliente com seu conjunto de tickers
type session struct {
	feed  *Feed
	asset subscriptions.AssetClass
	conn  *websocket.Conn
	log   *zap.Logger
	subID int64

	writeMu sync.Mutex

	mu      sync.Mutex
	tickers map[string]struct{}
}

func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	asset, err := subscriptions.AssetClassFromFeed(strings.Trim(r.URL.Path, "/"))
	if err != nil {
		http.NotFound(w, r)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	s := &session{
		feed:    f,
		asset:   asset,
		conn:    conn,
		subID:   f.subIDs.Add(1),
		log:     f.log.With(zap.String("feed", asset.Feed())),
		tickers: make(map[string]struct{}),
	}
	wsConnections.WithLabelValues(asset.Feed()).Inc()
	s.log.Info("ws client connected", zap.String("remote", r.RemoteAddr))

	done := make(chan struct{})
	go s.stream(done)

	// lê os comandos até o cliente desconectar
	defer func() {
		close(done)
		_ = conn.Close()
		wsConnections.WithLabelValues(asset.Feed()).Dec()
		s.log.Info("ws client disconnected")
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.handle(data)
	}
}

func (s *session) handle(data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		s.write(message{MessageType: "E", Response: &response{Code: 400, Message: "Invalid JSON"}})
		return
	}
	if key := s.feed.opts.APIKey; key != "" && req.Authorization != key {
		s.write(message{MessageType: "E", Response: &response{Code: 401, Message: "Invalid authorization"}})
		return
	}

	tickers := make([]string, 0, len(req.EventData.Tickers))
	for _, t := range req.EventData.Tickers {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			tickers = append(tickers, t)
		}
	}

	s.mu.Lock()
	switch req.EventName {
	case "subscribe":
		for _, t := range tickers {
			s.tickers[t] = struct{}{}
		}
	case "unsubscribe":
		for _, t := range tickers {
			delete(s.tickers, t)
		}
	default:
		s.mu.Unlock()
		s.write(message{MessageType: "E", Response: &response{Code: 400, Message: "Unknown eventName"}})
		return
	}
	current := s.currentLocked()
	s.mu.Unlock()

	s.log.Debug("subscription changed", zap.String("event", req.EventName), zap.Strings("tickers", current))
	s.write(message{
		MessageType: "I",
		Data:        map[string]any{"subscriptionId": s.subID, "tickers": current},
		Response:    &response{Code: 200, Message: "Success"},
	})
}

// stream envia cotações a cada tick e heartbeat a cada HeartbeatEvery ticks
func (s *session) stream(done <-chan struct{}) {
	ticker := time.NewTicker(s.feed.opts.TickInterval)
	defer ticker.Stop()

	for n := 1; ; n++ {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			if n%s.feed.opts.HeartbeatEvery == 0 {
				if !s.write(message{MessageType: "H", Response: &response{Code: 200, Message: "HeartBeat"}}) {
					return
				}
			}
			for _, t := range s.expanded() {
				row := dataRow(s.asset, t, s.feed.prices, now)
				if !s.write(message{MessageType: "A", Service: s.asset.Feed(), Data: row}) {
					return
				}
			}
		}
	}
}

// expanded resolve "*" para o catálogo do feed
func (s *session) expanded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickers["*"]; ok {
		return wildcardTickers[s.asset]
	}
	return s.currentLocked()
}

func (s *session) currentLocked() []string {
	out := make([]string, 0, len(s.tickers))
	for t := range s.tickers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (s *session) write(m message) bool {
	b, err := json.Marshal(m)
	if err != nil {
		s.log.Warn("encode failed", zap.Error(err))
		return true
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		s.log.Debug("ws write failed", zap.Error(err))
		return false
	}
	wsMessagesSent.WithLabelValues(s.asset.Feed(), m.MessageType).Inc()
	return true
}
