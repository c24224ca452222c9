package control

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mpinyaz/mdws/pkg/contracts/subscriptions"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafkaPublisher(w, "gw-1", zap.NewNop())

	payload := subscriptions.SubscribePayload{AssetClass: subscriptions.Forex, Tickers: []string{"eurusd", "gbpusd"}}
	require.NoError(t, p.Publish(context.Background(), subscriptions.EventSubscribe, payload))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "forex", string(msg.Key))

	ev, err := subscriptions.DecodeEvent[subscriptions.SubscribePayload](msg.Value)
	require.NoError(t, err)
	assert.Equal(t, subscriptions.EventSubscribe, ev.Type)
	assert.Equal(t, "gw-1", ev.From)
	assert.Equal(t, payload, ev.Payload)
	assert.False(t, ev.Time.IsZero())

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisher_PropagatesErrors(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := NewKafkaPublisher(w, "gw-1", zap.NewNop())

	err := p.Publish(context.Background(), subscriptions.EventUnsubscribe,
		subscriptions.UnsubscribePayload{AssetClass: subscriptions.Crypto, Tickers: []string{"btcusd"}})
	assert.EqualError(t, err, "broker down")

	err = p.Publish(context.Background(), subscriptions.EventSubscribe,
		subscriptions.SubscribePayload{AssetClass: "bonds", Tickers: []string{"x"}})
	assert.ErrorIs(t, err, subscriptions.ErrInvalidAssetClass)
}
