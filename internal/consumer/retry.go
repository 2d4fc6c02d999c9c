package consumer

import (
	"math/rand"
	"time"
)

// Governor bounds retry behavior for consumer processing: exponential
// backoff with jitter and a hard attempt cap, after which events are
// dead-lettered.
type Governor struct {
	Base        time.Duration
	Max         time.Duration
	JitterPct   float64 // +/- fraction applied to the computed delay
	MaxAttempts int
}

// Delay returns the wait before the given 1-based attempt is retried:
// min(Max, Base * 2^(attempt-1)) with +/- JitterPct jitter.
func (g Governor) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := g.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= g.Max {
			d = g.Max
			break
		}
	}
	if d > g.Max {
		d = g.Max
	}
	j := 1 + (rand.Float64()*2-1)*g.JitterPct
	if j < 0.1 {
		j = 0.1
	}
	return time.Duration(float64(d) * j)
}

// Exhausted reports whether the attempt count has hit the cap.
func (g Governor) Exhausted(attempts int) bool {
	return attempts >= g.MaxAttempts
}
