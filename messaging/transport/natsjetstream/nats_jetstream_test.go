package natsjetstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskboard/messaging"
)

type fakeMsg struct {
	delivered uint64
	acked     bool
	termed    bool
	nakDelay  time.Duration
	naked     bool
}

func (m *fakeMsg) Ack(...nats.AckOpt) error {
	m.acked = true
	return nil
}

func (m *fakeMsg) Term(...nats.AckOpt) error {
	m.termed = true
	return nil
}

func (m *fakeMsg) NakWithDelay(d time.Duration, _ ...nats.AckOpt) error {
	m.naked, m.nakDelay = true, d
	return nil
}

func (m *fakeMsg) Metadata() (*nats.MsgMetadata, error) {
	return &nats.MsgMetadata{NumDelivered: m.delivered}, nil
}

func encoded(t *testing.T) []byte {
	t.Helper()
	data, err := messaging.Encode(messaging.NewMessage("m1", "integration.board", "board-1", []byte(`{}`)))
	require.NoError(t, err)
	return data
}

func newTestTransport(handler func(ctx context.Context, m messaging.IMessage) error) *Transport {
	tr := NewTransport(Config{Retry: messaging.RetryPolicy{MaxDeliver: 3, Backoff: 100 * time.Millisecond}})
	_ = tr.Subscribe("integration.board", messaging.NewHandler("projection", handler))
	return tr
}

func TestProcess_AckOnSuccess(t *testing.T) {
	var attempt int
	tr := newTestTransport(func(ctx context.Context, m messaging.IMessage) error {
		attempt = messaging.DeliveryAttempt(ctx)
		assert.Equal(t, "board-1", m.GetKey())
		return nil
	})
	msg := &fakeMsg{delivered: 2}
	tr.process(context.Background(), msg, encoded(t), "integration.board")

	assert.True(t, msg.acked)
	assert.Equal(t, 2, attempt)
}

func TestProcess_NakWithBackoffOnFailure(t *testing.T) {
	tr := newTestTransport(func(context.Context, messaging.IMessage) error { return errors.New("read store down") })
	msg := &fakeMsg{delivered: 2}
	tr.process(context.Background(), msg, encoded(t), "integration.board")

	assert.False(t, msg.acked)
	assert.True(t, msg.naked)
	assert.Equal(t, 200*time.Millisecond, msg.nakDelay)
	assert.EqualValues(t, 1, tr.Stats().Redelivered)
}

func TestProcess_TermAfterMaxDeliver(t *testing.T) {
	tr := newTestTransport(func(context.Context, messaging.IMessage) error { return errors.New("poison") })
	msg := &fakeMsg{delivered: 3}
	tr.process(context.Background(), msg, encoded(t), "integration.board")

	assert.True(t, msg.termed)
	assert.False(t, msg.naked)
	assert.EqualValues(t, 1, tr.Stats().DeadLettered)
}

func TestProcess_TermUndecodable(t *testing.T) {
	tr := newTestTransport(func(context.Context, messaging.IMessage) error { return nil })
	msg := &fakeMsg{delivered: 1}
	tr.process(context.Background(), msg, []byte("not json"), "integration.board")
	assert.True(t, msg.termed)
}

func TestDurableName(t *testing.T) {
	assert.Equal(t, "taskboard-integration_board", durableName("taskboard-integration.board"))
}
