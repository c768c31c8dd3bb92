package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskboard/eventing"
)

func newEvents(key StreamKey, from uint64, n int) []eventing.Event {
	out := make([]eventing.Event, n)
	for i := 0; i < n; i++ {
		out[i] = eventing.NewEvent(key.AggregateType, key.AggregateID, "TaskAdded",
			from+uint64(i), 1, json.RawMessage(`{"n":1}`))
	}
	return out
}

func TestMemoryEventStore_AppendAndRead(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryEventStore()
	key := StreamKey{AggregateType: "Board", AggregateID: "b-1"}

	v, err := s.AppendEvents(ctx, key, 0, newEvents(key, 1, 2))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)

	v, err = s.AppendEvents(ctx, key, 2, newEvents(key, 3, 1))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), v)

	events, err := s.ReadStream(ctx, key)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, uint64(i+1), e.Version)
	}

	t.Run("增量读取", func(t *testing.T) {
		rest, err := s.LoadEvents(ctx, key, 2)
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.Equal(t, uint64(3), rest[0].Version)
	})

	t.Run("不存在的流返回空", func(t *testing.T) {
		events, err := s.ReadStream(ctx, StreamKey{AggregateType: "Board", AggregateID: "none"})
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("不同聚合类型互不干扰", func(t *testing.T) {
		other := StreamKey{AggregateType: "Column", AggregateID: "b-1"}
		version, err := s.GetStreamVersion(ctx, other)
		require.NoError(t, err)
		assert.Zero(t, version)
	})
}

func TestMemoryEventStore_Concurrency(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryEventStore()
	key := StreamKey{AggregateType: "Board", AggregateID: "b-1"}

	_, err := s.AppendEvents(ctx, key, 0, newEvents(key, 1, 2))
	require.NoError(t, err)

	_, err = s.AppendEvents(ctx, key, 1, newEvents(key, 2, 1))
	require.Error(t, err)

	var ce *eventing.ConcurrencyError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, uint64(1), ce.ExpectedVersion)
	assert.Equal(t, uint64(2), ce.ActualVersion)

	events, err := s.ReadStream(ctx, key)
	require.NoError(t, err)
	assert.Len(t, events, 2, "stale append must not write")
}

func TestMemoryEventStore_ConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryEventStore()
	key := StreamKey{AggregateType: "Board", AggregateID: "b-1"}

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.AppendEvents(ctx, key, 0, newEvents(key, 1, 1)); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	version, err := s.GetStreamVersion(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version)
}

func TestMemoryEventStore_InvalidBatch(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryEventStore()
	key := StreamKey{AggregateType: "Board", AggregateID: "b-1"}

	t.Run("版本不连续", func(t *testing.T) {
		events := newEvents(key, 1, 2)
		events[1].Version = 5
		_, err := s.AppendEvents(ctx, key, 0, events)
		require.Error(t, err)
		assert.ErrorIs(t, err, eventing.ErrInvalidEvent)
	})

	t.Run("事件属于其他流", func(t *testing.T) {
		other := StreamKey{AggregateType: "Board", AggregateID: "b-2"}
		_, err := s.AppendEvents(ctx, key, 0, newEvents(other, 1, 1))
		assert.ErrorIs(t, err, eventing.ErrInvalidEvent)
	})

	version, err := s.GetStreamVersion(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, version)
}

func TestMemoryEventStore_ReadAll(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryEventStore()
	a := StreamKey{AggregateType: "Board", AggregateID: "a"}
	b := StreamKey{AggregateType: "Board", AggregateID: "b"}

	_, err := s.AppendEvents(ctx, a, 0, newEvents(a, 1, 2))
	require.NoError(t, err)
	_, err = s.AppendEvents(ctx, b, 0, newEvents(b, 1, 1))
	require.NoError(t, err)
	_, err = s.AppendEvents(ctx, a, 2, newEvents(a, 3, 1))
	require.NoError(t, err)

	all, err := s.ReadAll(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i, e := range all {
		assert.Equal(t, uint64(i+1), e.Position)
	}
	assert.Equal(t, "b", all[2].AggregateID)

	page, err := s.ReadAll(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, uint64(2), page[0].Position)

	feed, ok := FeedOf(NewTracingEventStore(s, nil))
	require.True(t, ok)
	assert.Same(t, s, feed)
}

func TestMemoryEventStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryEventStore()
	key := StreamKey{AggregateType: "Board", AggregateID: "b-1"}
	_, err := s.AppendEvents(ctx, key, 0, newEvents(key, 1, 1))
	require.NoError(t, err)

	events, _ := s.ReadStream(ctx, key)
	events[0].Payload[0] = 'X'
	events[0].Metadata = map[string]any{"k": "v"}

	again, _ := s.ReadStream(ctx, key)
	assert.Equal(t, byte('{'), again[0].Payload[0])
	assert.Empty(t, again[0].Metadata)
}
