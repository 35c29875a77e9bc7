package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dropDatabas3/hellofed/internal/domain/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pending(id string, at time.Time) *repository.DeliveryJob {
	return &repository.DeliveryJob{
		ID: id, TargetInbox: "https://b.example/inbox", State: repository.JobPending,
		MaxAttempts: 5, NextAttemptAt: at, CreatedAt: at,
	}
}

func TestJobStore_ClaimOrderAndDueness(t *testing.T) {
	ctx := context.Background()
	s := NewJobStore()
	t0 := time.Unix(1_700_000_000, 0)
	require.NoError(t, s.Insert(ctx, pending("late", t0.Add(time.Minute)), pending("b", t0), pending("a", t0.Add(-time.Second))))

	got, err := s.ClaimDue(ctx, t0, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
	assert.Equal(t, repository.JobInFlight, got[0].State)
	assert.Equal(t, 1, got[0].Attempts)

	next, ok, err := s.NextDue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Minute), next)
}

func TestJobStore_FinishRetryAndTerminal(t *testing.T) {
	ctx := context.Background()
	s := NewJobStore()
	t0 := time.Unix(1_700_000_000, 0)
	require.NoError(t, s.Insert(ctx, pending("j", t0)))

	claimed, _ := s.ClaimDue(ctx, t0, 1)
	j := claimed[0]
	j.State = repository.JobPending
	j.NextAttemptAt = t0.Add(5 * time.Minute)
	require.NoError(t, s.Finish(ctx, j))

	// Finish de un job que ya no está InFlight es inválido.
	assert.ErrorIs(t, s.Finish(ctx, j), repository.ErrInvalidTransition)

	none, _ := s.ClaimDue(ctx, t0.Add(time.Minute), 1)
	assert.Empty(t, none)
	again, _ := s.ClaimDue(ctx, t0.Add(5*time.Minute), 1)
	require.Len(t, again, 1)
	assert.Equal(t, 2, again[0].Attempts)

	again[0].State = repository.JobSucceeded
	require.NoError(t, s.Finish(ctx, again[0]))
	stored, _ := s.Get(ctx, "j")
	assert.Equal(t, repository.JobSucceeded, stored.State)
}

func TestJobStore_CancelOnlyPending(t *testing.T) {
	ctx := context.Background()
	s := NewJobStore()
	now := time.Now()
	require.NoError(t, s.Insert(ctx, pending("p", now), pending("f", now)))

	c, err := s.Cancel(ctx, "p", now)
	require.NoError(t, err)
	assert.Equal(t, repository.JobCancelled, c.State)
	none, _ := s.ClaimDue(ctx, now, 10)
	require.Len(t, none, 1)
	assert.Equal(t, "f", none[0].ID)

	_, err = s.Cancel(ctx, "f", now)
	assert.ErrorIs(t, err, repository.ErrNotCancellable)
	_, err = s.Cancel(ctx, "missing", now)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestJobStore_ConcurrentClaimsNeverShareAJob(t *testing.T) {
	ctx := context.Background()
	s := NewJobStore()
	now := time.Now()
	const m = 200
	for i := 0; i < m; i++ {
		require.NoError(t, s.Insert(ctx, pending(fmt.Sprintf("j%03d", i), now)))
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				got, _ := s.ClaimDue(ctx, now, 3)
				if len(got) == 0 {
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
	assert.Len(t, seen, m)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
}

func TestJobStore_RecoverInFlight(t *testing.T) {
	ctx := context.Background()
	s := NewJobStore()
	t0 := time.Unix(1_700_000_000, 0)
	require.NoError(t, s.Insert(ctx, pending("j", t0)))
	_, _ = s.ClaimDue(ctx, t0, 1)

	n, err := s.RecoverInFlight(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, _ := s.ClaimDue(ctx, t0.Add(time.Hour), 1)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Attempts)
}
