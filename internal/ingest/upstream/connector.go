package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mpinyaz/mdws/internal/shared/backoff"
	"github.com/mpinyaz/mdws/pkg/contracts/events"
	"github.com/mpinyaz/mdws/pkg/contracts/subscriptions"
)

var (
	ErrNotConnected = errors.New("upstream not connected")
	ErrUnauthorized = errors.New("upstream rejected credentials")
)

// Config define a conexão com o fornecedor de uma classe de ativo
type Config struct {
	URL            string // base, ex.: wss://api.tiingo.com; o feed vai no path
	APIKey         string
	ThresholdLevel int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	Backoff        backoff.Config
}

func (c *Config) applyDefaults() {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.Backoff.PerAttemptTimeout <= 0 {
		c.Backoff.PerAttemptTimeout = 10 * time.Second
	}
}

// QuoteHandler recebe cada cotação já normalizada
type QuoteHandler func(ctx context.Context, q events.Quote)

// Connector mantém uma conexão com o feed de uma classe de ativo
// O conjunto desejado de tickers sobrevive a reconexões e é reenviado a cada conexão nova
type Connector struct {
	asset   subscriptions.AssetClass
	cfg     Config
	onQuote QuoteHandler
	log     *zap.Logger
	dialer  *websocket.Dialer

	mu      sync.Mutex
	desired map[string]struct{}
	conn    *websocket.Conn
	subID   int64

	writeMu sync.Mutex
}

func NewConnector(asset subscriptions.AssetClass, cfg Config, onQuote QuoteHandler, log *zap.Logger) *Connector {
	cfg.applyDefaults()
	return &Connector{
		asset:   asset,
		cfg:     cfg,
		onQuote: onQuote,
		log:     log.Named("upstream").With(zap.String("feed", asset.Feed())),
		dialer:  websocket.DefaultDialer,
		desired: make(map[string]struct{}),
	}
}

func (c *Connector) Asset() subscriptions.AssetClass { return c.asset }

func (c *Connector) URL() string {
	return strings.TrimRight(c.cfg.URL, "/") + "/" + c.asset.Feed()
}

// Run conecta com backoff e lê até ctx terminar, reconectando a cada queda
// Handshake recusado com 401/403 não é repetido: Run retorna ErrUnauthorized
func (c *Connector) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		var conn *websocket.Conn
		err := backoff.Retry(ctx, c.cfg.Backoff, c.log, func(actx context.Context) error {
			var (
				resp    *http.Response
				dialErr error
			)
			conn, resp, dialErr = c.dialer.DialContext(actx, c.URL(), nil)
			if dialErr != nil && resp != nil &&
				(resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return backoff.Permanent(fmt.Errorf("%w: %s", ErrUnauthorized, resp.Status))
			}
			return dialErr
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrUnauthorized) {
				c.log.Error("upstream handshake rejected", zap.Error(err))
				return err
			}
			c.log.Error("upstream connect failed", zap.Error(err))
			continue
		}

		connects.WithLabelValues(c.asset.Feed()).Inc()
		c.log.Info("upstream connected", zap.String("url", c.URL()))
		c.serve(ctx, conn)
	}
}

func (c *Connector) serve(ctx context.Context, conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// fechar a conexão destrava o ReadMessage no shutdown
	go func() {
		<-connCtx.Done()
		_ = conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	c.mu.Lock()
	c.conn = conn
	c.subID = 0
	tickers := c.desiredLocked()
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
	}()

	if len(tickers) > 0 {
		req := NewSubscribe(c.cfg.APIKey, c.cfg.ThresholdLevel, tickers)
		if err := c.send(conn, req.Pack()); err != nil {
			c.log.Warn("resubscribe failed", zap.Error(err))
			return
		}
		c.log.Info("resubscribed", zap.Strings("tickers", tickers))
	}

	go c.pingLoop(connCtx, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn("upstream read failed, reconnecting", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		c.handle(ctx, data)
	}
}

func (c *Connector) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.ReadTimeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.log.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *Connector) handle(ctx context.Context, data []byte) {
	feed := c.asset.Feed()

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		parseErrors.WithLabelValues(feed).Inc()
		c.log.Warn("invalid upstream message", zap.Error(err))
		return
	}

	switch msg.MessageType {
	case MessageInfo:
		messages.WithLabelValues(feed, msg.MessageType).Inc()
		var info InfoData
		if len(msg.Data) > 0 && json.Unmarshal(msg.Data, &info) == nil && info.SubscriptionID != 0 {
			c.mu.Lock()
			c.subID = info.SubscriptionID
			c.mu.Unlock()
		}
		c.log.Debug("upstream info", zap.Int64("subscription_id", info.SubscriptionID))

	case MessageHeartbeat:
		messages.WithLabelValues(feed, msg.MessageType).Inc()

	case MessageError:
		messages.WithLabelValues(feed, msg.MessageType).Inc()
		if msg.Response != nil {
			c.log.Warn("upstream error", zap.Int("code", msg.Response.Code), zap.String("message", msg.Response.Message))
		}

	case MessageData:
		messages.WithLabelValues(feed, msg.MessageType).Inc()
		q, err := ParseQuote(c.asset, msg.Data)
		if err != nil {
			if errors.Is(err, ErrUnsupportedKind) {
				return
			}
			parseErrors.WithLabelValues(feed).Inc()
			c.log.Debug("data message dropped", zap.Error(err))
			return
		}
		if !c.wants(q.Ticker) {
			return
		}
		if c.onQuote != nil {
			c.onQuote(ctx, q)
		}

	default:
		messages.WithLabelValues(feed, "other").Inc()
	}
}

// Subscribe adiciona tickers ao conjunto desejado e envia ao fornecedor se conectado
// Sem conexão, os tickers seguem no conjunto e são enviados na próxima conexão
func (c *Connector) Subscribe(tickers []string) error {
	c.mu.Lock()
	var fresh []string
	for _, t := range tickers {
		if _, ok := c.desired[t]; !ok {
			c.desired[t] = struct{}{}
			fresh = append(fresh, t)
		}
	}
	conn := c.conn
	desiredTickers.WithLabelValues(c.asset.Feed()).Set(float64(len(c.desired)))
	c.mu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	err := c.send(conn, NewSubscribe(c.cfg.APIKey, c.cfg.ThresholdLevel, fresh).Pack())
	if errors.Is(err, ErrNotConnected) {
		c.log.Debug("subscribe queued until connected", zap.Strings("tickers", fresh))
		return nil
	}
	return err
}

// Unsubscribe remove tickers do conjunto desejado
func (c *Connector) Unsubscribe(tickers []string) error {
	c.mu.Lock()
	var removed []string
	for _, t := range tickers {
		if _, ok := c.desired[t]; ok {
			delete(c.desired, t)
			removed = append(removed, t)
		}
	}
	conn, subID := c.conn, c.subID
	desiredTickers.WithLabelValues(c.asset.Feed()).Set(float64(len(c.desired)))
	c.mu.Unlock()

	if len(removed) == 0 {
		return nil
	}
	err := c.send(conn, NewUnsubscribe(c.cfg.APIKey, subID, removed).Pack())
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Desired retorna o conjunto desejado ordenado
func (c *Connector) Desired() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desiredLocked()
}

func (c *Connector) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Connector) desiredLocked() []string {
	out := make([]string, 0, len(c.desired))
	for t := range c.desired {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (c *Connector) wants(ticker string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.desired["*"]; ok {
		return true
	}
	_, ok := c.desired[ticker]
	return ok
}

func (c *Connector) send(conn *websocket.Conn, b []byte) error {
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}
