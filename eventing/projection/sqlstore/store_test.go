package sqlstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskboard/eventing/integration"
	"taskboard/eventing/projection"
	"taskboard/storage/database/basic"
)

type summary struct {
	Name  string   `json:"name"`
	Cards []string `json:"cards"`
}

func newStore(t *testing.T) *SQLReadStore[summary] {
	t.Helper()
	db, err := basic.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := NewSQLReadStore[summary](db, "board_views")
	require.NoError(t, err)
	require.NoError(t, s.EnsureSchema(context.Background()))
	return s
}

func TestSQLReadStore_UpsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.Get(ctx, "b-1")
	assert.ErrorIs(t, err, projection.ErrRecordNotFound)

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.Upsert(ctx, projection.Record[summary]{
		ID: "b-1", Data: summary{Name: "Sprint"}, LastAppliedVersion: 1, UpdatedAt: now,
	}))
	require.NoError(t, s.Upsert(ctx, projection.Record[summary]{
		ID: "b-1", Data: summary{Name: "Sprint", Cards: []string{"c-1"}}, LastAppliedVersion: 3, UpdatedAt: now,
	}))

	rec, err := s.Get(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), rec.LastAppliedVersion)
	assert.Equal(t, []string{"c-1"}, rec.Data.Cards)
	assert.True(t, now.Equal(rec.UpdatedAt))
}

func TestSQLReadStore_StaleWriteRejected(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.Upsert(ctx, projection.Record[summary]{ID: "b-1", Data: summary{Name: "v2"}, LastAppliedVersion: 2}))

	for _, v := range []uint64{1, 2} {
		err := s.Upsert(ctx, projection.Record[summary]{ID: "b-1", Data: summary{Name: "old"}, LastAppliedVersion: v})
		assert.ErrorIs(t, err, projection.ErrStaleVersion)
	}

	rec, err := s.Get(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, "v2", rec.Data.Name)

	require.NoError(t, s.Upsert(ctx, projection.Record[summary]{ID: "b-2", Data: summary{Name: "x"}, LastAppliedVersion: 1}))
	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b-1", list[0].ID)
}

func TestSQLReadStore_WithConsumer(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	c, err := projection.NewConsumer(projection.ConsumerOptions[summary]{
		Name:  "summary",
		Store: s,
		Project: func(state summary, evt integration.Event) (summary, error) {
			cards := append([]string(nil), state.Cards...)
			return summary{Name: state.Name, Cards: append(cards, evt.SourceEventID)}, nil
		},
	})
	require.NoError(t, err)

	for _, v := range []uint64{1, 2, 2, 1, 3} {
		require.NoError(t, c.Consume(ctx, integration.Event{
			SourceEventID: fmt.Sprintf("e-%d", v),
			EventType:     "CardAdded",
			AggregateID:   "b-1",
			AggregateType: "Board",
			Version:       v,
		}))
	}

	rec, err := s.Get(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"e-1", "e-2", "e-3"}, rec.Data.Cards)
	assert.Equal(t, projection.Stats{Applied: 3, Skipped: 2}, c.Stats())
}
