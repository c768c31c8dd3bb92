package sql

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskboard/eventing"
	estore "taskboard/eventing/store"
	basicdb "taskboard/storage/database/basic"
)

func setupStore(t *testing.T) *SQLEventStore {
	t.Helper()
	db, err := basicdb.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := NewSQLEventStore(db, "domain_events")
	require.NoError(t, s.EnsureSchema(context.Background()))
	return s
}

func makeEvents(key estore.StreamKey, from uint64, n int) []eventing.Event {
	out := make([]eventing.Event, n)
	for i := range out {
		out[i] = eventing.NewEvent(key.AggregateType, key.AggregateID, "TaskAdded",
			from+uint64(i), 1, json.RawMessage(`{"title":"write docs"}`))
		out[i].Metadata["correlation_id"] = "cor-1"
	}
	return out
}

func TestSQLEventStore_AppendEvents(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	key := estore.StreamKey{AggregateType: "Board", AggregateID: "b-1"}

	events := makeEvents(key, 1, 2)
	version, err := s.AppendEvents(ctx, key, 0, events)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), version)

	loaded, err := s.ReadStream(ctx, key)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, events[0].ID, loaded[0].ID)
	assert.Equal(t, uint64(2), loaded[1].Version)
	assert.JSONEq(t, `{"title":"write docs"}`, string(loaded[0].Payload))
	assert.Equal(t, "cor-1", loaded[0].Metadata["correlation_id"])
	assert.True(t, events[0].Timestamp.Equal(loaded[0].Timestamp))

	current, err := s.GetStreamVersion(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), current)

	rest, err := s.LoadEvents(ctx, key, 1)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, uint64(2), rest[0].Version)
}

func TestSQLEventStore_ConcurrencyConflict(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	key := estore.StreamKey{AggregateType: "Board", AggregateID: "b-1"}

	_, err := s.AppendEvents(ctx, key, 0, makeEvents(key, 1, 3))
	require.NoError(t, err)

	_, err = s.AppendEvents(ctx, key, 2, makeEvents(key, 3, 1))
	require.Error(t, err)
	var ce *eventing.ConcurrencyError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, uint64(2), ce.ExpectedVersion)
	assert.Equal(t, uint64(3), ce.ActualVersion)

	loaded, err := s.ReadStream(ctx, key)
	require.NoError(t, err)
	assert.Len(t, loaded, 3)
}

func TestSQLEventStore_InvalidBatchWritesNothing(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	key := estore.StreamKey{AggregateType: "Board", AggregateID: "b-1"}

	events := makeEvents(key, 1, 3)
	events[2].Version = 7
	_, err := s.AppendEvents(ctx, key, 0, events)
	assert.ErrorIs(t, err, eventing.ErrInvalidEvent)

	version, err := s.GetStreamVersion(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, version)
}

func TestSQLEventStore_StreamsAreIsolated(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	board := estore.StreamKey{AggregateType: "Board", AggregateID: "x"}
	column := estore.StreamKey{AggregateType: "Column", AggregateID: "x"}

	_, err := s.AppendEvents(ctx, board, 0, makeEvents(board, 1, 2))
	require.NoError(t, err)
	_, err = s.AppendEvents(ctx, column, 0, makeEvents(column, 1, 1))
	require.NoError(t, err)

	loaded, err := s.ReadStream(ctx, column)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "Column", loaded[0].AggregateType)

	missing, err := s.ReadStream(ctx, estore.StreamKey{AggregateType: "Board", AggregateID: "none"})
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestSQLEventStore_ReadAll(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	a := estore.StreamKey{AggregateType: "Board", AggregateID: "a"}
	b := estore.StreamKey{AggregateType: "Board", AggregateID: "b"}

	_, err := s.AppendEvents(ctx, a, 0, makeEvents(a, 1, 1))
	require.NoError(t, err)
	_, err = s.AppendEvents(ctx, b, 0, makeEvents(b, 1, 2))
	require.NoError(t, err)

	all, err := s.ReadAll(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].AggregateID)
	assert.Less(t, all[0].Position, all[1].Position)
	assert.Less(t, all[1].Position, all[2].Position)

	page, err := s.ReadAll(ctx, all[0].Position, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, all[1].ID, page[0].ID)

	feed, ok := estore.FeedOf(estore.NewTracingEventStore(s, nil))
	require.True(t, ok)
	assert.Same(t, s, feed)
}
