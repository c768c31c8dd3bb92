package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskboard/messaging"
)

func fastPolicy(maxDeliver int) messaging.RetryPolicy {
	return messaging.RetryPolicy{MaxDeliver: maxDeliver, Backoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func startTransport(t *testing.T, opts ...Option) *MemoryTransport {
	t.Helper()
	tpt := NewMemoryTransport(64, 4, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, tpt.Start(ctx))
	t.Cleanup(func() {
		_ = tpt.Close()
		cancel()
	})
	return tpt
}

func TestMemoryTransport_PerKeyOrder(t *testing.T) {
	tpt := startTransport(t)

	var mu sync.Mutex
	seen := map[string][]int{}
	var total atomic.Int32
	require.NoError(t, tpt.Subscribe("integration.board", messaging.NewHandler("order", func(ctx context.Context, m messaging.IMessage) error {
		var n int
		_, _ = fmt.Sscanf(string(m.GetPayload()), "%d", &n)
		mu.Lock()
		seen[m.GetKey()] = append(seen[m.GetKey()], n)
		mu.Unlock()
		total.Add(1)
		return nil
	})))

	ctx := context.Background()
	for i := 1; i <= 20; i++ {
		for _, key := range []string{"a", "b", "c"} {
			msg := messaging.NewMessage(fmt.Sprintf("%s-%d", key, i), "integration.board", key, []byte(fmt.Sprint(i)))
			require.NoError(t, tpt.Publish(ctx, msg))
		}
	}

	require.Eventually(t, func() bool { return total.Load() == 60 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	for _, key := range []string{"a", "b", "c"} {
		require.Len(t, seen[key], 20)
		for i, n := range seen[key] {
			assert.Equal(t, i+1, n, "key %s", key)
		}
	}
}

func TestMemoryTransport_RedeliversUntilSuccess(t *testing.T) {
	tpt := startTransport(t, WithRetryPolicy(fastPolicy(5)))

	var calls atomic.Int32
	var lastAttempt atomic.Int32
	done := make(chan struct{})
	require.NoError(t, tpt.Subscribe("t", messaging.NewHandler("flaky", func(ctx context.Context, m messaging.IMessage) error {
		lastAttempt.Store(int32(messaging.DeliveryAttempt(ctx)))
		if calls.Add(1) < 3 {
			return errors.New("read store unavailable")
		}
		close(done)
		return nil
	})))

	require.NoError(t, tpt.Publish(context.Background(), messaging.NewMessage("m1", "t", "k", nil)))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never succeeded")
	}
	assert.EqualValues(t, 3, lastAttempt.Load())
	assert.Empty(t, tpt.DeadLetters())
	assert.EqualValues(t, 2, tpt.Stats().Redelivered)
}

func TestMemoryTransport_DeadLetterAfterMaxDeliver(t *testing.T) {
	tpt := startTransport(t, WithRetryPolicy(fastPolicy(3)))

	var calls atomic.Int32
	boom := errors.New("poison")
	require.NoError(t, tpt.Subscribe("t", messaging.NewHandler("poison", func(ctx context.Context, m messaging.IMessage) error {
		calls.Add(1)
		return boom
	})))

	require.NoError(t, tpt.Publish(context.Background(), messaging.NewMessage("m1", "t", "k", nil)))

	require.Eventually(t, func() bool { return len(tpt.DeadLetters()) == 1 }, time.Second, 5*time.Millisecond)
	dl := tpt.DeadLetters()[0]
	assert.Equal(t, "m1", dl.Message.GetID())
	assert.Equal(t, "poison", dl.Handler)
	assert.Equal(t, 3, dl.Attempts)
	assert.ErrorIs(t, dl.Err, boom)
	assert.EqualValues(t, 3, calls.Load())
}

func TestMemoryTransport_WildcardAndUnsubscribe(t *testing.T) {
	tpt := startTransport(t)

	var exact, wildcard atomic.Int32
	exactHandler := messaging.NewHandler("exact", func(context.Context, messaging.IMessage) error {
		exact.Add(1)
		return nil
	})
	require.NoError(t, tpt.Subscribe("t", exactHandler))
	require.NoError(t, tpt.Subscribe("*", messaging.NewHandler("all", func(context.Context, messaging.IMessage) error {
		wildcard.Add(1)
		return nil
	})))

	require.NoError(t, tpt.Publish(context.Background(), messaging.NewMessage("m1", "t", "k", nil)))
	require.Eventually(t, func() bool { return exact.Load() == 1 && wildcard.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, tpt.Unsubscribe("t", exactHandler))
	assert.Error(t, tpt.Unsubscribe("t", exactHandler))
	assert.Equal(t, 1, tpt.Stats().HandlerCount)
}

func TestMemoryTransport_Lifecycle(t *testing.T) {
	tpt := NewMemoryTransport(1, 1)
	assert.Error(t, tpt.Publish(context.Background(), messaging.NewMessage("m", "t", "", nil)))
	assert.Error(t, tpt.Close())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, tpt.Start(ctx))
	assert.Error(t, tpt.Start(ctx))
	require.NoError(t, tpt.Close())
	assert.False(t, tpt.Stats().Running)
}
