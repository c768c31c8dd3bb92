package projection

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryReadStore_VersionGate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryReadStore[string]()

	_, err := s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrRecordNotFound)

	require.NoError(t, s.Upsert(ctx, Record[string]{ID: "a", Data: "v2", LastAppliedVersion: 2}))
	assert.ErrorIs(t, s.Upsert(ctx, Record[string]{ID: "a", Data: "v2-again", LastAppliedVersion: 2}), ErrStaleVersion)
	assert.ErrorIs(t, s.Upsert(ctx, Record[string]{ID: "a", Data: "v1", LastAppliedVersion: 1}), ErrStaleVersion)

	rec, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "v2", rec.Data)

	require.NoError(t, s.Upsert(ctx, Record[string]{ID: "b", Data: "x", LastAppliedVersion: 1}))
	list := s.List(ctx)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
}
