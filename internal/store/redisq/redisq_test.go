package redisq

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dropDatabas3/hellofed/internal/domain/repository"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) (*JobStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, ""), mr
}

func pending(id string, at time.Time) *repository.DeliveryJob {
	return &repository.DeliveryJob{
		ID: id, ActivityID: "https://a.example/act/1", ActorID: "https://a.example/users/alice",
		Payload: []byte(`{"type":"Create"}`), TargetInbox: "https://b.example/inbox",
		Recipients: []string{"https://b.example/users/bob"}, State: repository.JobPending,
		MaxAttempts: 5, NextAttemptAt: at, CreatedAt: t0, UpdatedAt: t0,
	}
}

func TestInsertGet(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, pending("j1", t0)))
	assert.ErrorIs(t, s.Insert(ctx, pending("j1", t0)), repository.ErrConflict)

	got, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, repository.JobPending, got.State)
	assert.Equal(t, `{"type":"Create"}`, string(got.Payload))
	assert.Equal(t, []string{"https://b.example/users/bob"}, got.Recipients)
	assert.True(t, got.NextAttemptAt.Equal(t0))

	_, err = s.Get(ctx, "nope")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestClaimDue_OrderAndDueness(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx,
		pending("late", t0.Add(time.Hour)),
		pending("b", t0.Add(2*time.Second)),
		pending("a", t0.Add(time.Second)),
	))

	got, err := s.ClaimDue(ctx, t0.Add(10*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
	for _, j := range got {
		assert.Equal(t, repository.JobInFlight, j.State)
		assert.Equal(t, 1, j.Attempts)
	}

	again, err := s.ClaimDue(ctx, t0.Add(10*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	at, ok, err := s.NextDue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, at.Equal(t0.Add(time.Hour)))
}

func TestFinish_RetryAndTerminal(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, pending("j", t0)))
	got, err := s.ClaimDue(ctx, t0, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	j := got[0]
	j.State = repository.JobPending
	j.NextAttemptAt = t0.Add(5 * time.Minute)
	j.LastStatus = 503
	j.UpdatedAt = t0
	require.NoError(t, s.Finish(ctx, j))
	assert.ErrorIs(t, s.Finish(ctx, j), repository.ErrInvalidTransition)

	none, err := s.ClaimDue(ctx, t0.Add(time.Minute), 1)
	require.NoError(t, err)
	assert.Empty(t, none)

	got, err = s.ClaimDue(ctx, t0.Add(5*time.Minute), 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Attempts)
	assert.Equal(t, 503, got[0].LastStatus)

	j = got[0]
	done := t0.Add(6 * time.Minute)
	j.State = repository.JobSucceeded
	j.CompletedAt = &done
	require.NoError(t, s.Finish(ctx, j))

	list, err := s.ListByState(ctx, repository.JobSucceeded, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].CompletedAt)
	assert.True(t, list[0].CompletedAt.Equal(done))

	inflight, err := s.ListByState(ctx, repository.JobInFlight, 0)
	require.NoError(t, err)
	assert.Empty(t, inflight)
}

func TestCancel(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, pending("p", t0), pending("f", t0)))
	claimed, err := s.ClaimDue(ctx, t0, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	busy := claimed[0].ID
	idle := "p"
	if busy == "p" {
		idle = "f"
	}

	job, err := s.Cancel(ctx, idle, t0)
	require.NoError(t, err)
	assert.Equal(t, repository.JobCancelled, job.State)

	job, err = s.Cancel(ctx, busy, t0)
	assert.ErrorIs(t, err, repository.ErrNotCancellable)
	require.NotNil(t, job)
	assert.Equal(t, repository.JobInFlight, job.State)

	_, err = s.Cancel(ctx, "missing", t0)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	_, ok, err := s.NextDue(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecoverInFlight(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, pending("j", t0)))
	_, err := s.ClaimDue(ctx, t0, 1)
	require.NoError(t, err)

	n, err := s.RecoverInFlight(ctx, t0)
	require.NoError(t, err)
	assert.Zero(t, n, "claimed at t0 is not older than t0")

	n, err = s.RecoverInFlight(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.ClaimDue(ctx, t0.Add(time.Minute), 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Attempts)
}

func TestClaimDue_ConcurrentClaimsAreDisjoint(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	const total = 60
	for i := 0; i < total; i++ {
		require.NoError(t, s.Insert(ctx, pending(fmt.Sprintf("j%02d", i), t0)))
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				got, err := s.ClaimDue(ctx, t0, 3)
				if err != nil || len(got) == 0 {
					return
				}
				mu.Lock()
				for _, j := range got {
					seen[j.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}
