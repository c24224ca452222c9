package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mpinyaz/mdws/internal/shared/backoff"
	"github.com/mpinyaz/mdws/pkg/contracts/events"
	"github.com/mpinyaz/mdws/pkg/contracts/subscriptions"
)

type received struct {
	EventName     string `json:"eventName"`
	Authorization string `json:"authorization"`
	EventData     struct {
		SubscriptionID int64    `json:"subscriptionId"`
		ThresholdLevel int      `json:"thresholdLevel"`
		Tickers        []string `json:"tickers"`
	} `json:"eventData"`
}

// fakeFeed imita o fornecedor: responde subscribe com I e guarda as conexões
type fakeFeed struct {
	t        *testing.T
	upgrader websocket.Upgrader
	reqs     chan received
	paths    chan string

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newFakeFeed(t *testing.T) (*fakeFeed, *httptest.Server) {
	f := &fakeFeed{t: t, reqs: make(chan received, 16), paths: make(chan string, 4)}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.paths <- r.URL.Path
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req received
		if json.Unmarshal(data, &req) != nil {
			continue
		}
		f.reqs <- req
		if req.EventName == "subscribe" {
			f.write(conn, `{"messageType":"I","data":{"subscriptionId":77},"response":{"code":200,"message":"Success"}}`)
		}
	}
}

func (f *fakeFeed) write(conn *websocket.Conn, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (f *fakeFeed) latest() *websocket.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[len(f.conns)-1]
}

func (f *fakeFeed) next(t *testing.T) received {
	t.Helper()
	select {
	case r := <-f.reqs:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for upstream request")
		return received{}
	}
}

func TestConnector_SubscribeReceiveAndResubscribe(t *testing.T) {
	feed, srv := newFakeFeed(t)

	quotes := make(chan events.Quote, 4)
	c := NewConnector(subscriptions.Forex, Config{
		URL:            "ws" + srv.URL[len("http"):],
		APIKey:         "secret",
		ThresholdLevel: 5,
		Backoff:        backoff.Config{InitialInterval: 10 * time.Millisecond, MaxInterval: 50 * time.Millisecond},
	}, func(_ context.Context, q events.Quote) { quotes <- q }, zap.NewNop())

	// antes de conectar: fica no conjunto desejado
	require.NoError(t, c.Subscribe([]string{"eurusd", "gbpusd"}))
	assert.False(t, c.Connected())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	assert.Equal(t, "/fx", <-feed.paths)
	req := feed.next(t)
	assert.Equal(t, "subscribe", req.EventName)
	assert.Equal(t, "secret", req.Authorization)
	assert.Equal(t, 5, req.EventData.ThresholdLevel)
	assert.Equal(t, []string{"eurusd", "gbpusd"}, req.EventData.Tickers)

	feed.write(feed.latest(), `{"messageType":"H","response":{"code":200,"message":"HeartBeat"}}`)
	feed.write(feed.latest(), `{"messageType":"A","service":"fx","data":["Q","usdjpy","2024-05-02T10:00:00+00:00",1,155.1,155.11,1,155.12]}`)
	feed.write(feed.latest(), `{"messageType":"A","service":"fx","data":["Q","eurusd","2024-05-02T10:00:00+00:00",1,1.07,1.0701,1,1.0702]}`)

	select {
	case q := <-quotes:
		assert.Equal(t, "eurusd", q.Ticker, "tickers fora do conjunto desejado são ignorados")
		assert.Equal(t, 1.0702, q.AskPrice)
	case <-time.After(3 * time.Second):
		t.Fatal("no quote delivered")
	}

	// subscribe incremental com a conexão ativa
	require.Eventually(t, c.Connected, time.Second, 10*time.Millisecond)
	require.NoError(t, c.Subscribe([]string{"usdjpy", "eurusd"}))
	req = feed.next(t)
	assert.Equal(t, []string{"usdjpy"}, req.EventData.Tickers)

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.subID == 77
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, c.Unsubscribe([]string{"gbpusd", "audusd"}))
	req = feed.next(t)
	assert.Equal(t, "unsubscribe", req.EventName)
	assert.Equal(t, int64(77), req.EventData.SubscriptionID)
	assert.Equal(t, []string{"gbpusd"}, req.EventData.Tickers)

	// queda do servidor: reconecta e reenvia o conjunto inteiro
	_ = feed.latest().Close()
	assert.Equal(t, "/fx", <-feed.paths)
	req = feed.next(t)
	assert.Equal(t, "subscribe", req.EventName)
	assert.Equal(t, []string{"eurusd", "usdjpy"}, req.EventData.Tickers)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestConnector_DesiredSetWithoutConnection(t *testing.T) {
	c := NewConnector(subscriptions.Crypto, Config{URL: "ws://127.0.0.1:1/"}, nil, zap.NewNop())

	require.NoError(t, c.Subscribe([]string{"ethusd", "btcusd", "ethusd"}))
	assert.Equal(t, []string{"btcusd", "ethusd"}, c.Desired())

	require.NoError(t, c.Unsubscribe([]string{"ethusd", "solusd"}))
	assert.Equal(t, []string{"btcusd"}, c.Desired())

	assert.Equal(t, "ws://127.0.0.1:1/crypto", c.URL())
	assert.ErrorIs(t, c.send(nil, []byte("{}")), ErrNotConnected)
}

func TestConnector_RejectedHandshakeIsNotRetried(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewConnector(subscriptions.Equity, Config{
		URL:     "ws" + srv.URL[len("http"):],
		Backoff: backoff.Config{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond},
	}, nil, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := c.Run(ctx)
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int32(1), attempts.Load())
	assert.False(t, c.Connected())
}
