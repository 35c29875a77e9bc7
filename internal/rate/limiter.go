// Package rate implementa el RateGate: admisión por ventana deslizante
// delante de la verificación de firmas.
package rate

import (
	"context"
	"fmt"
	"time"
)

type Result struct {
	Allowed     bool
	Remaining   int64
	RetryAfter  time.Duration
	CurrentHits int64
}

// Limit es la ventana y el máximo de requests admitidos dentro de ella.
type Limit struct {
	Window time.Duration
	Max    int64
}

// InboxLimit es el default del bucket de inbox.
var InboxLimit = Limit{Window: time.Hour, Max: 1000}

// Gate decide si un request para key puede pasar.
type Gate interface {
	Allow(ctx context.Context, key string) (Result, error)
}

// RateLimitError se devuelve al caller como rechazo; nunca se reintenta internamente.
type RateLimitError struct {
	Bucket     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited on %s, retry after %s", e.Bucket, e.RetryAfter)
}

// Noop admite todo. Se usa con rate.enabled=false.
type Noop struct{}

func (Noop) Allow(context.Context, string) (Result, error) {
	return Result{Allowed: true, Remaining: -1}, nil
}
