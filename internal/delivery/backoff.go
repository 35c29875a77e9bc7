package delivery

import (
	"math/rand/v2"
	"time"
)

// Defaults de la política de retry.
const (
	DefaultBaseDelay   = 300 * time.Second
	DefaultMaxDelay    = 24 * time.Hour
	DefaultJitter      = 0.2
	DefaultMaxAttempts = 5
)

// Backoff es exponencial con tope y jitter simétrico:
// Base * 2^(attempt-1), acotado a Max, ±Jitter.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
	// Rand devuelve un float en [0,1). Default: math/rand/v2.
	Rand func() float64
}

// Next devuelve la espera tras el intento número attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	base, max := b.Base, b.Max
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	if b.Jitter > 0 {
		r := b.Rand
		if r == nil {
			r = rand.Float64
		}
		d = time.Duration(float64(d) * (1 + b.Jitter*(2*r()-1)))
	}
	return d
}
