package memory

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dropDatabas3/hellofed/internal/domain/repository"
)

// JobStore guarda jobs en memoria con una cola de prioridad por
// NextAttemptAt como única ready queue.
type JobStore struct {
	mu    sync.Mutex
	jobs  map[string]*repository.DeliveryJob
	ready readyQueue
	seq   uint64
}

var _ repository.JobStore = (*JobStore)(nil)

func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]*repository.DeliveryJob)}
}

func (s *JobStore) Insert(ctx context.Context, jobs ...*repository.DeliveryJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range jobs {
		if j == nil || j.ID == "" {
			return repository.ErrInvalidInput
		}
		if _, dup := s.jobs[j.ID]; dup {
			return repository.ErrConflict
		}
	}
	for _, j := range jobs {
		c := j.Clone()
		s.jobs[c.ID] = c
		if c.State == repository.JobPending {
			s.push(c)
		}
	}
	return nil
}

func (s *JobStore) Get(ctx context.Context, id string) (*repository.DeliveryJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return j.Clone(), nil
}

// ClaimDue saca de la ready queue los jobs vencidos. Entradas obsoletas
// (job cancelado o reprogramado) se descartan al salir del heap.
func (s *JobStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*repository.DeliveryJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.DeliveryJob
	for len(out) < limit && s.ready.Len() > 0 {
		top := s.ready[0]
		if top.at.After(now) {
			break
		}
		heap.Pop(&s.ready)
		j, ok := s.jobs[top.id]
		if !ok || j.State != repository.JobPending || !j.NextAttemptAt.Equal(top.at) {
			continue
		}
		j.State = repository.JobInFlight
		j.Attempts++
		j.UpdatedAt = now
		out = append(out, j.Clone())
	}
	return out, nil
}

func (s *JobStore) Finish(ctx context.Context, job *repository.DeliveryJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[job.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if cur.State != repository.JobInFlight {
		return repository.ErrInvalidTransition
	}
	if job.State != repository.JobPending && !job.State.Terminal() {
		return repository.ErrInvalidTransition
	}
	c := job.Clone()
	s.jobs[c.ID] = c
	if c.State == repository.JobPending {
		s.push(c)
	}
	return nil
}

func (s *JobStore) Cancel(ctx context.Context, id string, now time.Time) (*repository.DeliveryJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if j.State != repository.JobPending {
		return j.Clone(), repository.ErrNotCancellable
	}
	j.State = repository.JobCancelled
	j.UpdatedAt = now
	j.CompletedAt = &now
	return j.Clone(), nil
}

func (s *JobStore) ListByState(ctx context.Context, state repository.JobState, limit int) ([]*repository.DeliveryJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*repository.DeliveryJob, 0)
	for _, j := range s.jobs {
		if j.State == state {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *JobStore) RecoverInFlight(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.State == repository.JobInFlight && j.UpdatedAt.Before(before) {
			j.State = repository.JobPending
			j.NextAttemptAt = before
			s.push(j)
			n++
		}
	}
	return n, nil
}

func (s *JobStore) NextDue(ctx context.Context) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.ready.Len() > 0 {
		top := s.ready[0]
		if j, ok := s.jobs[top.id]; ok && j.State == repository.JobPending && j.NextAttemptAt.Equal(top.at) {
			return top.at, true, nil
		}
		heap.Pop(&s.ready)
	}
	return time.Time{}, false, nil
}

func (s *JobStore) push(j *repository.DeliveryJob) {
	s.seq++
	heap.Push(&s.ready, readyItem{id: j.ID, at: j.NextAttemptAt, seq: s.seq})
}

// ─── ready queue ───

type readyItem struct {
	id  string
	at  time.Time
	seq uint64 // desempate FIFO
}

type readyQueue []readyItem

func (q readyQueue) Len() int { return len(q) }
func (q readyQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].seq < q[j].seq
	}
	return q[i].at.Before(q[j].at)
}
func (q readyQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *readyQueue) Push(x any)   { *q = append(*q, x.(readyItem)) }
func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	*q = old[:n-1]
	return it
}
