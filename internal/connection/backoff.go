package connection

import (
	"math/rand/v2"
	"time"
)

// Backoff computes capped exponential reconnect delays: Base, 2*Base,
// 4*Base, ... never above Max. Jitter adds up to that fraction of the delay
// to spread out clients reconnecting after the same outage.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// DefaultBackoff is 1s, 2s, 4s, ... capped at 30s.
var DefaultBackoff = Backoff{Base: time.Second, Max: 30 * time.Second}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	base, ceiling := b.Base, b.Max
	if base <= 0 {
		base = DefaultBackoff.Base
	}
	if ceiling < base {
		ceiling = base
	}
	d := base
	for i := 0; i < attempt && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}
	if b.Jitter > 0 {
		d += time.Duration(rand.Int64N(int64(float64(d)*b.Jitter) + 1))
		if d > ceiling {
			d = ceiling
		}
	}
	return d
}
