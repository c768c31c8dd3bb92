package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskboard/messaging"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafkago.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) byTopic(topic string) []kafkago.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []kafkago.Message
	for _, m := range w.messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// fakeReader 从 writer 中读取指定主题的消息
type fakeReader struct {
	mu        sync.Mutex
	queue     chan kafkago.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafkago.Message, error) {
	select {
	case m := <-r.queue:
		return m, nil
	case <-ctx.Done():
		return kafkago.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafkago.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func newTestTransport(t *testing.T, maxDeliver int) (*Transport, *fakeWriter, *fakeReader) {
	t.Helper()
	w := &fakeWriter{}
	r := &fakeReader{queue: make(chan kafkago.Message, 16)}
	tr, err := NewTransport(Config{
		Retry:     messaging.RetryPolicy{MaxDeliver: maxDeliver, Backoff: time.Millisecond},
		writer:    w,
		newReader: func(string) reader { return r },
	})
	require.NoError(t, err)
	return tr, w, r
}

func TestPublish_KeyedEnvelope(t *testing.T) {
	tr, w, _ := newTestTransport(t, 3)
	msg := messaging.NewMessage("m1", "integration.board", "board-1", []byte(`{"v":1}`))
	require.NoError(t, tr.Publish(context.Background(), msg))

	written := w.byTopic("integration.board")
	require.Len(t, written, 1)
	assert.Equal(t, []byte("board-1"), written[0].Key)
	decoded, err := messaging.Decode(written[0].Value)
	require.NoError(t, err)
	assert.Equal(t, "m1", decoded.ID)
}

func TestConsume_CommitsAfterSuccessfulRetry(t *testing.T) {
	tr, w, r := newTestTransport(t, 3)
	var mu sync.Mutex
	attempts := 0
	require.NoError(t, tr.Subscribe("integration.board", messaging.NewHandler("projection", func(ctx context.Context, m messaging.IMessage) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return errors.New("transient")
		}
		return nil
	})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, tr.Start(ctx))
	defer tr.Close()

	value, _ := messaging.Encode(messaging.NewMessage("m1", "integration.board", "b1", []byte(`{}`)))
	r.queue <- kafkago.Message{Topic: "integration.board", Offset: 7, Value: value}

	require.Eventually(t, func() bool { return len(r.commits()) == 1 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, []int64{7}, r.commits())
	assert.Empty(t, w.byTopic("dlq.integration.board"))
	assert.EqualValues(t, 1, tr.Stats().Redelivered)
}

func TestConsume_DeadLettersPoisonMessage(t *testing.T) {
	tr, w, r := newTestTransport(t, 2)
	require.NoError(t, tr.Subscribe("integration.board", messaging.NewHandler("projection", func(context.Context, messaging.IMessage) error {
		return errors.New("poison")
	})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, tr.Start(ctx))
	defer tr.Close()

	value, _ := messaging.Encode(messaging.NewMessage("m1", "integration.board", "b1", []byte(`{}`)))
	r.queue <- kafkago.Message{Topic: "integration.board", Offset: 3, Key: []byte("b1"), Value: value}

	require.Eventually(t, func() bool { return len(r.commits()) == 1 }, time.Second, 2*time.Millisecond)
	dlq := w.byTopic("dlq.integration.board")
	require.Len(t, dlq, 1)
	assert.Equal(t, []byte("b1"), dlq[0].Key)
	var attemptsHeader string
	for _, h := range dlq[0].Headers {
		if h.Key == headerAttempts {
			attemptsHeader = string(h.Value)
		}
	}
	assert.Equal(t, "2", attemptsHeader)
}
