package rate

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter es la ventana deslizante in-process, para un solo nodo.
type MemoryLimiter struct {
	Limit Limit
	Now   func() time.Time

	mu   sync.Mutex
	hits map[string][]time.Time
}

func NewMemoryLimiter(limit Limit) *MemoryLimiter {
	return &MemoryLimiter{Limit: limit, Now: time.Now, hits: make(map[string][]time.Time)}
}

func (l *MemoryLimiter) Allow(ctx context.Context, key string) (Result, error) {
	now := l.Now()
	cutoff := now.Add(-l.Limit.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	ts := l.hits[key]
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	ts = ts[i:]

	n := int64(len(ts))
	if n < l.Limit.Max {
		ts = append(ts, now)
		l.hits[key] = ts
		return Result{Allowed: true, Remaining: l.Limit.Max - n - 1, CurrentHits: n + 1}, nil
	}
	l.hits[key] = ts
	retry := ts[0].Add(l.Limit.Window).Sub(now)
	if retry <= 0 {
		retry = time.Millisecond
	}
	return Result{Allowed: false, RetryAfter: retry, CurrentHits: n}, nil
}

// Prune descarta keys sin hits dentro de la ventana.
func (l *MemoryLimiter) Prune() int {
	cutoff := l.Now().Add(-l.Limit.Window)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, ts := range l.hits {
		if len(ts) == 0 || !ts[len(ts)-1].After(cutoff) {
			delete(l.hits, k)
			n++
		}
	}
	return n
}
