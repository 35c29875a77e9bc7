package memory

import (
	"context"
	"testing"
	"time"

	"github.com/dropDatabas3/hellofed/internal/domain/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyStore_PutListAndCopies(t *testing.T) {
	ctx := context.Background()
	s := NewKeyStore()
	t0 := time.Unix(1_700_000_000, 0)
	old := &repository.Key{ID: "a#1", ActorID: "a", State: repository.KeyOverlapping, CreatedAt: t0}
	cur := &repository.Key{ID: "a#2", ActorID: "a", State: repository.KeyActive, CreatedAt: t0.Add(time.Hour)}
	other := &repository.Key{ID: "b#1", ActorID: "b", State: repository.KeyActive, CreatedAt: t0}
	require.NoError(t, s.Put(ctx, old, cur, other))

	all, err := s.ListByActor(ctx, "a")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a#2", all[0].ID, "newest first")

	active, _ := s.ListActive(ctx, "a")
	require.Len(t, active, 1)
	assert.Equal(t, "a#2", active[0].ID)

	overlapping, _ := s.ListByState(ctx, repository.KeyOverlapping)
	require.Len(t, overlapping, 1)

	got, err := s.Get(ctx, "a#1")
	require.NoError(t, err)
	got.State = repository.KeyArchived
	again, _ := s.Get(ctx, "a#1")
	assert.Equal(t, repository.KeyOverlapping, again.State, "store must hand out copies")

	_, err = s.Get(ctx, "zzz")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.ErrorIs(t, s.Put(ctx, &repository.Key{ID: "x"}), repository.ErrInvalidInput)
}
