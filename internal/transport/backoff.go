package transport

import (
	"math"
	"time"
)

// Backoff grows the reconnect delay multiplicatively from Floor up to Ceiling.
// Next returns the current delay and then advances; Reset goes back to Floor.
type Backoff struct {
	Floor   time.Duration
	Ceiling time.Duration
	Factor  float64

	attempt int
}

// Delay is the delay for a 1-based attempt number: Floor * Factor^(attempt-1),
// clamped to Ceiling.
func (b *Backoff) Delay(attempt int) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	d := float64(b.Floor) * math.Pow(b.Factor, exp)
	if d > float64(b.Ceiling) {
		return b.Ceiling
	}
	return time.Duration(math.Round(d/float64(time.Millisecond))) * time.Millisecond
}

func (b *Backoff) Next() time.Duration {
	b.attempt++
	return b.Delay(b.attempt)
}

// Current is the delay the next call to Next will return.
func (b *Backoff) Current() time.Duration {
	return b.Delay(b.attempt + 1)
}

func (b *Backoff) Reset() {
	b.attempt = 0
}
