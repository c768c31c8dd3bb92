package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskboard/eventing"
	"taskboard/eventing/integration"
	"taskboard/eventing/projection"
	"taskboard/eventing/store"
	"taskboard/messaging"
	"taskboard/messaging/transport/memory"
)

// flakyPublisher 在 down 为 true 时拒绝发布
type flakyPublisher struct {
	mu        sync.Mutex
	down      bool
	published []eventing.Event
}

func (p *flakyPublisher) Publish(ctx context.Context, evt eventing.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return errors.New("bus unavailable")
	}
	p.published = append(p.published, evt)
	return nil
}

func (p *flakyPublisher) setDown(down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down = down
}

func (p *flakyPublisher) versions() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint64, len(p.published))
	for i, evt := range p.published {
		out[i] = evt.Version
	}
	return out
}

func seed(t *testing.T, es *store.MemoryEventStore, aggType, id string, from uint64, n int) {
	t.Helper()
	batch := make([]eventing.Event, n)
	for i := range batch {
		batch[i] = eventing.NewEvent(aggType, id, "CardAdded", from+uint64(i), 1, []byte(`{}`))
	}
	_, err := es.AppendEvents(context.Background(), store.StreamKey{AggregateType: aggType, AggregateID: id}, from-1, batch)
	require.NoError(t, err)
}

func TestRelay_RunOnceResumesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	es := store.NewMemoryEventStore()
	pub := &flakyPublisher{}
	cps := projection.NewMemoryCheckpointStore()

	r, err := New(Options{Feed: es, Publisher: pub, Checkpoints: cps, BatchSize: 2})
	require.NoError(t, err)

	seed(t, es, "Board", "b-1", 1, 3)
	n, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "检查点之后没有新事件")

	seed(t, es, "Board", "b-1", 4, 1)
	n, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []uint64{1, 2, 3, 4}, pub.versions())

	pos, err := projection.LoadPosition(ctx, cps, "integration.relay")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), pos)
}

func TestRelay_StopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	es := store.NewMemoryEventStore()
	pub := &flakyPublisher{down: true}
	cps := projection.NewMemoryCheckpointStore()

	r, err := New(Options{Name: "board-relay", Feed: es, Publisher: pub, Checkpoints: cps})
	require.NoError(t, err)

	seed(t, es, "Board", "b-1", 1, 2)
	_, err = r.RunOnce(ctx)
	require.Error(t, err)

	_, err = cps.Load(ctx, "board-relay")
	assert.ErrorIs(t, err, projection.ErrCheckpointNotFound, "未发布的事件不推进检查点")

	pub.setDown(false)
	n, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []uint64{1, 2}, pub.versions())
}

func TestRelay_FiltersAggregateTypes(t *testing.T) {
	ctx := context.Background()
	es := store.NewMemoryEventStore()
	pub := &flakyPublisher{}

	r, err := New(Options{
		Feed:           es,
		Publisher:      pub,
		Checkpoints:    projection.NewMemoryCheckpointStore(),
		AggregateTypes: []string{"Board"},
	})
	require.NoError(t, err)

	seed(t, es, "Board", "b-1", 1, 1)
	seed(t, es, "Audit", "a-1", 1, 2)
	seed(t, es, "Board", "b-1", 2, 1)

	n, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []uint64{1, 2}, pub.versions())
}

func TestRelay_RepairsReadModelAfterBusOutage(t *testing.T) {
	ctx := context.Background()
	es := store.NewMemoryEventStore()

	tr := memory.NewMemoryTransport(16, 1)
	bus := messaging.NewMessageBus(tr)
	require.NoError(t, tr.Start(ctx))
	defer tr.Close()

	rs := projection.NewMemoryReadStore[int]()
	consumer, err := projection.NewConsumer(projection.ConsumerOptions[int]{
		Name:    "count",
		Store:   rs,
		Project: func(n int, _ integration.Event) (int, error) { return n + 1, nil },
	})
	require.NoError(t, err)
	_, err = consumer.Subscribe(ctx, bus, "Board")
	require.NoError(t, err)

	pub, err := integration.NewPublisher(integration.PublisherOptions{Bus: bus})
	require.NoError(t, err)

	r, err := New(Options{Feed: es, Publisher: pub, Checkpoints: projection.NewMemoryCheckpointStore(), Interval: 10 * time.Millisecond})
	require.NoError(t, err)

	// 事件已写入但从未发布
	seed(t, es, "Board", "b-1", 1, 2)
	_, err = rs.Get(ctx, "b-1")
	require.ErrorIs(t, err, projection.ErrRecordNotFound)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- r.Run(runCtx) }()

	require.Eventually(t, func() bool {
		rec, err := rs.Get(ctx, "b-1")
		return err == nil && rec.LastAppliedVersion == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	rec, err := rs.Get(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Data)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{Publisher: &flakyPublisher{}, Checkpoints: projection.NewMemoryCheckpointStore()})
	assert.Error(t, err)
	_, err = New(Options{Feed: store.NewMemoryEventStore(), Checkpoints: projection.NewMemoryCheckpointStore()})
	assert.Error(t, err)
	_, err = New(Options{Feed: store.NewMemoryEventStore(), Publisher: &flakyPublisher{}})
	assert.Error(t, err)
}
