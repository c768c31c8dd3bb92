package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTransport struct {
	mu        sync.Mutex
	published []IMessage
	handlers  map[string][]IMessageHandler
	failWith  error
}

func (t *recordingTransport) Publish(ctx context.Context, m IMessage) error {
	return t.PublishAll(ctx, []IMessage{m})
}

func (t *recordingTransport) PublishAll(_ context.Context, ms []IMessage) error {
	if t.failWith != nil {
		return t.failWith
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.published = append(t.published, ms...)
	return nil
}

func (t *recordingTransport) Subscribe(mt string, h IMessageHandler) error {
	if t.handlers == nil {
		t.handlers = map[string][]IMessageHandler{}
	}
	t.handlers[mt] = append(t.handlers[mt], h)
	return nil
}

func (t *recordingTransport) Unsubscribe(string, IMessageHandler) error { return nil }
func (t *recordingTransport) Start(context.Context) error            { return nil }
func (t *recordingTransport) Close() error                           { return nil }
func (t *recordingTransport) Stats() TransportStats                  { return TransportStats{} }

type tagMiddleware struct {
	name  string
	order *[]string
}

func (m tagMiddleware) Name() string { return m.name }
func (m tagMiddleware) Handle(ctx context.Context, msg IMessage, next HandlerFunc) error {
	*m.order = append(*m.order, m.name)
	msg.GetMetadata()[m.name] = true
	return next(ctx, msg)
}

func TestMessageBus_MiddlewareOrder(t *testing.T) {
	tr := &recordingTransport{}
	bus := NewMessageBus(tr)
	var order []string
	bus.Use(tagMiddleware{name: "first", order: &order})
	bus.Use(tagMiddleware{name: "second", order: &order})

	require.NoError(t, bus.Publish(context.Background(), NewMessage("m1", "integration.board", "b1", nil)))

	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, []string{"first", "second"}, bus.Middlewares())
	require.Len(t, tr.published, 1)
	assert.Equal(t, true, tr.published[0].GetMetadata()["second"])
}

func TestMessageBus_Publish(t *testing.T) {
	t.Run("缺少 ID 或主题的消息被拒绝", func(t *testing.T) {
		tr := &recordingTransport{}
		bus := NewMessageBus(tr)
		assert.ErrorIs(t, bus.Publish(context.Background(), NewMessage("", "t", "k", nil)), ErrInvalidMessage)
		assert.ErrorIs(t, bus.Publish(context.Background(), NewMessage("m1", "", "k", nil)), ErrInvalidMessage)
		assert.Empty(t, tr.published)
	})

	t.Run("传输错误带上消息与主题", func(t *testing.T) {
		tr := &recordingTransport{failWith: errors.New("broker down")}
		bus := NewMessageBus(tr)
		err := bus.Publish(context.Background(), NewMessage("m3", "integration.board", "k", nil))
		require.ErrorIs(t, err, tr.failWith)
		assert.Contains(t, err.Error(), "m3")
		assert.Contains(t, err.Error(), "integration.board")
	})

	t.Run("订阅需要主题与处理器", func(t *testing.T) {
		bus := NewMessageBus(&recordingTransport{})
		assert.ErrorIs(t, bus.Subscribe(context.Background(), "", nil), ErrInvalidMessage)
		h := NewHandler("h", func(context.Context, IMessage) error { return nil })
		assert.NoError(t, bus.Subscribe(context.Background(), "integration.board", h))
	})
}

func TestEncodeDecode(t *testing.T) {
	m := NewMessage("m1", "integration.board", "board-1", []byte(`{"version":2}`))
	m.SetMetadata("correlation_id", "c1")

	data, err := Encode(m)
	require.NoError(t, err)
	decoded, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, "board-1", decoded.GetKey())
	assert.JSONEq(t, `{"version":2}`, string(decoded.GetPayload()))
	assert.Equal(t, "c1", decoded.GetMetadata()["correlation_id"])
	assert.True(t, m.GetTimestamp().Equal(decoded.GetTimestamp()))
}

func TestRetryPolicy(t *testing.T) {
	p := RetryPolicy{MaxDeliver: 3, Backoff: 10, MaxBackoff: 35}
	assert.EqualValues(t, 10, p.Delay(1))
	assert.EqualValues(t, 20, p.Delay(2))
	assert.EqualValues(t, 35, p.Delay(3))
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
	assert.Equal(t, 1, DeliveryAttempt(context.Background()))
	assert.Equal(t, 4, DeliveryAttempt(WithDeliveryAttempt(context.Background(), 4)))
}
