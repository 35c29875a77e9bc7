package rate

import (
	"context"
	"sync"
)

// Buckets agrupa un Gate por bucket (inbox, keys, ...). Un bucket sin Gate
// registrado admite todo.
type Buckets struct {
	mu    sync.RWMutex
	gates map[string]Gate
}

func NewBuckets() *Buckets {
	return &Buckets{gates: make(map[string]Gate)}
}

// Set registra (o reemplaza) el Gate de un bucket.
func (b *Buckets) Set(bucket string, g Gate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gates[bucket] = g
}

func (b *Buckets) Gate(bucket string) Gate {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if g, ok := b.gates[bucket]; ok {
		return g
	}
	return Noop{}
}

// Check consulta el bucket y traduce el rechazo a *RateLimitError.
// La key se compone como bucket|key para que los buckets no compartan ventana.
func (b *Buckets) Check(ctx context.Context, bucket, key string) (Result, error) {
	res, err := b.Gate(bucket).Allow(ctx, bucket+"|"+key)
	if err != nil {
		return res, err
	}
	if !res.Allowed {
		return res, &RateLimitError{Bucket: bucket, RetryAfter: res.RetryAfter}
	}
	return res, nil
}
