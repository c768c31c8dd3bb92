package eventsourced

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskboard/domain/entity"
	"taskboard/errors"
	"taskboard/eventing"
	"taskboard/eventing/integration"
	"taskboard/eventing/store"
	"taskboard/messaging/middleware"
)

type counted struct {
	By int `json:"by"`
}

type counter struct {
	entity.Root
	Value int
}

func (c *counter) Increment(by int) error {
	return c.Record("Incremented", counted{By: by}, c.ApplyEvent)
}

func (c *counter) ApplyEvent(evt eventing.Event) error {
	if evt.Type != "Incremented" {
		return fmt.Errorf("unknown event %s", evt.Type)
	}
	var p counted
	if err := json.Unmarshal(evt.Payload, &p); err != nil {
		return err
	}
	c.Value += p.By
	return nil
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []eventing.Event
	failAt    int // 第 failAt 次调用失败，0 表示不失败
	calls     int
}

func (p *recordingPublisher) Publish(ctx context.Context, evt eventing.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failAt > 0 && p.calls == p.failAt {
		return stdErrors.New("bus unavailable")
	}
	p.published = append(p.published, evt)
	return nil
}

func newCounterRepo(t *testing.T, s store.IEventStore, pub IEventPublisher) *Repository[*counter] {
	t.Helper()
	registry := eventing.NewRegistry()
	require.NoError(t, registry.Register("Incremented", 1, eventing.DecodeAs[counted]()))

	repo, err := NewRepository(RepositoryOptions[*counter]{
		AggregateType: "Counter",
		Factory: func(id string) *counter {
			return &counter{Root: entity.NewRoot("Counter", id, registry)}
		},
		Store:     s,
		Publisher: pub,
	})
	require.NoError(t, err)
	return repo
}

func TestRepository_SaveAndGet(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	repo := newCounterRepo(t, store.NewMemoryEventStore(), pub)

	c := repo.factory("c-1")
	require.NoError(t, c.Increment(2))
	require.NoError(t, c.Increment(3))
	require.NoError(t, repo.Save(ctx, c))

	assert.Equal(t, uint64(2), c.GetVersion())
	assert.Empty(t, c.GetUncommittedEvents())
	require.Len(t, pub.published, 2)
	assert.Equal(t, uint64(1), pub.published[0].Version)
	assert.Equal(t, uint64(2), pub.published[1].Version)

	loaded, err := repo.GetByID(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, 5, loaded.Value)
	assert.Equal(t, uint64(2), loaded.GetVersion())

	exists, err := repo.Exists(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, exists)

	t.Run("无未提交事件时不写入", func(t *testing.T) {
		require.NoError(t, repo.Save(ctx, loaded))
		assert.Len(t, pub.published, 2)
	})
}

func TestRepository_SaveStampsCorrelation(t *testing.T) {
	ctx := middleware.WithCorrelation(context.Background(), "corr-1", "cmd-1")
	pub := &recordingPublisher{}
	s := store.NewMemoryEventStore()
	repo := newCounterRepo(t, s, pub)

	c := repo.factory("c-1")
	require.NoError(t, c.Increment(1))
	require.NoError(t, repo.Save(ctx, c))

	stored, err := s.ReadStream(ctx, store.StreamKey{AggregateType: "Counter", AggregateID: "c-1"})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Len(t, pub.published, 1)

	assert.Equal(t, "corr-1", stored[0].Metadata[middleware.KeyCorrelationID])
	assert.Equal(t, "cmd-1", stored[0].Metadata[middleware.KeyCausationID])
	assert.Equal(t, stored[0].Metadata, pub.published[0].Metadata, "发布的事件与持久化的副本一致")
}

func TestRepository_NotFound(t *testing.T) {
	repo := newCounterRepo(t, store.NewMemoryEventStore(), nil)

	_, err := repo.GetByID(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	exists, err := repo.Exists(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRepository_TwoWritersConflict(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryEventStore()
	pub := &recordingPublisher{}
	repo := newCounterRepo(t, s, pub)

	seed := repo.factory("c-1")
	require.NoError(t, seed.Increment(1))
	require.NoError(t, repo.Save(ctx, seed))

	first, err := repo.GetByID(ctx, "c-1")
	require.NoError(t, err)
	second, err := repo.GetByID(ctx, "c-1")
	require.NoError(t, err)

	require.NoError(t, first.Increment(10))
	require.NoError(t, second.Increment(20))

	require.NoError(t, repo.Save(ctx, first))
	err = repo.Save(ctx, second)
	require.Error(t, err)

	var ce *eventing.ConcurrencyError
	require.ErrorAs(t, err, &ce)
	assert.True(t, errors.IsRetryable(err))

	history, err := repo.GetEventHistory(ctx, "c-1")
	require.NoError(t, err)
	assert.Len(t, history, 2, "exactly one new event")
	assert.Len(t, pub.published, 2, "loser publishes nothing")
	assert.Equal(t, uint64(1), second.GetVersion(), "loser keeps its pending events")
}

func TestRepository_PublishFailureKeepsWrite(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{failAt: 1}
	repo := newCounterRepo(t, store.NewMemoryEventStore(), pub)

	c := repo.factory("c-1")
	require.NoError(t, c.Increment(1))
	require.NoError(t, c.Increment(1))

	err := repo.Save(ctx, c)
	require.Error(t, err)
	var pe *integration.PublishError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, uint64(1), pe.Version)
	assert.Equal(t, errors.ErrCodePublish, errors.GetCode(err))

	assert.Equal(t, uint64(2), c.GetVersion(), "aggregate committed")
	assert.Empty(t, pub.published, "later events are not published out of order")

	loaded, err := repo.GetByID(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Value)
}

func TestNewRepository_Validation(t *testing.T) {
	_, err := NewRepository(RepositoryOptions[*counter]{})
	assert.Error(t, err)

	_, err = NewRepository(RepositoryOptions[*counter]{AggregateType: "Counter"})
	assert.Error(t, err)
}
