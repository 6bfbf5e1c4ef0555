package longpoll

import (
	"math/rand/v2"
	"time"
)

// backoff implements exponential backoff with ±20% jitter for reconnect
// attempts.
type backoff struct {
	attempt   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newBackoff(base, max time.Duration) *backoff {
	return &backoff{baseDelay: base, maxDelay: max}
}

func (b *backoff) next() time.Duration {
	d := b.current()
	b.attempt++
	return d
}

func (b *backoff) current() time.Duration {
	d := b.baseDelay
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d += time.Duration(jitter)
	if d < 0 {
		d = b.baseDelay
	}
	return d
}

func (b *backoff) reset() {
	b.attempt = 0
}
