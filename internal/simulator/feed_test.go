package simulator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mpinyaz/mdws/internal/ingest/upstream"
	"github.com/mpinyaz/mdws/internal/shared/backoff"
	"github.com/mpinyaz/mdws/pkg/contracts/events"
	"github.com/mpinyaz/mdws/pkg/contracts/subscriptions"
)

func newServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewFeed(opts, zap.NewNop()))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type frame struct {
	MessageType string          `json:"messageType"`
	Service     string          `json:"service"`
	Data        json.RawMessage `json:"data"`
	Response    *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"response"`
}

func read(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

// readUntil descarta frames até achar o tipo pedido
func readUntil(t *testing.T, conn *websocket.Conn, typ string) frame {
	t.Helper()
	for i := 0; i < 50; i++ {
		if f := read(t, conn); f.MessageType == typ {
			return f
		}
	}
	t.Fatalf("no %s frame received", typ)
	return frame{}
}

func TestFeed_SubscribeAckAndStream(t *testing.T) {
	srv := newServer(t, Options{TickInterval: 10 * time.Millisecond, HeartbeatEvery: 3, Seed: 1})
	conn := dial(t, wsURL(srv)+"/fx")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, upstream.NewSubscribe("", 5, []string{"EURUSD"}).Pack()))

	info := readUntil(t, conn, "I")
	require.NotNil(t, info.Response)
	assert.Equal(t, 200, info.Response.Code)
	var data upstream.InfoData
	require.NoError(t, json.Unmarshal(info.Data, &data))
	assert.NotZero(t, data.SubscriptionID)
	assert.Equal(t, []string{"eurusd"}, data.Tickers)

	a := readUntil(t, conn, "A")
	assert.Equal(t, "fx", a.Service)
	q, err := upstream.ParseQuote(subscriptions.Forex, a.Data)
	require.NoError(t, err)
	assert.Equal(t, "eurusd", q.Ticker)
	assert.Less(t, q.BidPrice, q.AskPrice)

	readUntil(t, conn, "H")
}

func TestFeed_RowsParseForEveryFeed(t *testing.T) {
	w := newWalker(42)
	now := time.Now()
	for _, asset := range subscriptions.AssetClasses() {
		for i := 0; i < 20; i++ {
			row, err := json.Marshal(dataRow(asset, "abc", w, now))
			require.NoError(t, err)
			q, err := upstream.ParseQuote(asset, row)
			require.NoError(t, err, "feed %s row %s", asset.Feed(), row)
			assert.Equal(t, "abc", q.Ticker)
			assert.Positive(t, q.MidPrice+q.LastPrice)
		}
	}
}

func TestFeed_Errors(t *testing.T) {
	srv := newServer(t, Options{TickInterval: time.Hour, APIKey: "secret"})

	resp, err := http.Get(srv.URL + "/bonds")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	conn := dial(t, wsURL(srv)+"/crypto")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, upstream.NewSubscribe("wrong", 5, []string{"btcusd"}).Pack()))
	f := read(t, conn)
	assert.Equal(t, "E", f.MessageType)
	assert.Equal(t, 401, f.Response.Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{`)))
	f = read(t, conn)
	assert.Equal(t, "E", f.MessageType)
	assert.Equal(t, 400, f.Response.Code)
}

func TestFeed_WithUpstreamConnector(t *testing.T) {
	srv := newServer(t, Options{TickInterval: 10 * time.Millisecond, APIKey: "k"})

	quotes := make(chan events.Quote, 64)
	c := upstream.NewConnector(subscriptions.Crypto, upstream.Config{
		URL:     wsURL(srv),
		APIKey:  "k",
		Backoff: backoff.Config{InitialInterval: 10 * time.Millisecond, MaxInterval: 50 * time.Millisecond},
	}, func(_ context.Context, q events.Quote) {
		select {
		case quotes <- q:
		default:
		}
	}, zap.NewNop())
	require.NoError(t, c.Subscribe([]string{"ethusd"}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	select {
	case q := <-quotes:
		assert.Equal(t, subscriptions.Crypto, q.Asset)
		assert.Equal(t, "ethusd", q.Ticker)
		assert.Contains(t, exchanges, q.Exchange)
	case <-time.After(3 * time.Second):
		t.Fatal("no quote from simulator")
	}
}
