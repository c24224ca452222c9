package control

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mpinyaz/mdws/pkg/contracts/subscriptions"
)

type fakeSubscriber struct {
	subs   [][]string
	unsubs [][]string
	err    error
}

func (f *fakeSubscriber) Subscribe(t []string) error {
	f.subs = append(f.subs, t)
	return f.err
}

func (f *fakeSubscriber) Unsubscribe(t []string) error {
	f.unsubs = append(f.unsubs, t)
	return f.err
}

// fakeReader entrega as mensagens e depois bloqueia até o contexto terminar
type fakeReader struct {
	mu   sync.Mutex
	msgs []kafka.Message
	errs []error
}

func (f *fakeReader) pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func (f *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		f.mu.Unlock()
		return kafka.Message{}, err
	}
	if len(f.msgs) > 0 {
		m := f.msgs[0]
		f.msgs = f.msgs[1:]
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) Close() error { return nil }

func encode(t *testing.T, typ subscriptions.EventType, asset subscriptions.AssetClass, tickers ...string) []byte {
	t.Helper()
	b, err := subscriptions.EncodeEvent(subscriptions.NewEvent(typ, subscriptions.SubscribePayload{AssetClass: asset, Tickers: tickers}))
	require.NoError(t, err)
	return b
}

func TestConsumer_RoutesByAssetClass(t *testing.T) {
	fx := &fakeSubscriber{}
	crypto := &fakeSubscriber{}
	var errs []string
	var applied []subscriptions.EventType

	c := &Consumer{
		Log:       zap.NewNop(),
		Routes:    map[subscriptions.AssetClass]Subscriber{subscriptions.Forex: fx, subscriptions.Crypto: crypto},
		OnApplied: func(t subscriptions.EventType) { applied = append(applied, t) },
		OnError:   func(s string) { errs = append(errs, s) },
	}

	c.Apply(encode(t, subscriptions.EventSubscribe, subscriptions.Forex, "EURUSD", "gbpusd"))
	c.Apply(encode(t, subscriptions.EventUnsubscribe, subscriptions.Crypto, "btcusd"))
	c.Apply(encode(t, subscriptions.EventSubscribe, subscriptions.Equity, "aapl"))
	c.Apply([]byte(`{"type":"subscribe","payload":{"assetClass":"bonds","tickers":["x"]}}`))
	c.Apply(encode(t, subscriptions.EventPing, subscriptions.Forex, "eurusd"))

	assert.Equal(t, [][]string{{"eurusd", "gbpusd"}}, fx.subs)
	assert.Equal(t, [][]string{{"btcusd"}}, crypto.unsubs)
	assert.Equal(t, []subscriptions.EventType{subscriptions.EventSubscribe, subscriptions.EventUnsubscribe}, applied)
	assert.Equal(t, []string{"route", "decode"}, errs)
}

func TestConsumer_ApplyFailure(t *testing.T) {
	fx := &fakeSubscriber{err: errors.New("write failed")}
	var errs []string
	c := &Consumer{
		Log:     zap.NewNop(),
		Routes:  map[subscriptions.AssetClass]Subscriber{subscriptions.Forex: fx},
		OnError: func(s string) { errs = append(errs, s) },
	}

	c.Apply(encode(t, subscriptions.EventSubscribe, subscriptions.Forex, "eurusd"))
	assert.Equal(t, []string{"apply"}, errs)
}

func TestConsumer_RunUntilCancelled(t *testing.T) {
	fx := &fakeSubscriber{}
	r := &fakeReader{
		errs: []error{errors.New("rebalance")},
		msgs: []kafka.Message{{Value: encode(t, subscriptions.EventSubscribe, subscriptions.Forex, "usdjpy")}},
	}
	c := &Consumer{Log: zap.NewNop(), Reader: r, Routes: map[subscriptions.AssetClass]Subscriber{subscriptions.Forex: fx}}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return r.pending() == 0 }, time.Second, 10*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
	assert.Equal(t, [][]string{{"usdjpy"}}, fx.subs)
}
