package link

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff doubles from Min up to Max with ±Jitter spread. The link uses
// one for reconnects; the indicator driver uses one per command.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Jitter float64

	mu      sync.Mutex
	attempt int
	rnd     func() float64
}

func NewBackoff(minDelay, maxDelay time.Duration) *Backoff {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &Backoff{Min: minDelay, Max: maxDelay, Jitter: 0.25, rnd: rand.Float64}
}

// DefaultReconnectBackoff matches the config defaults of 500ms to 30s.
func DefaultReconnectBackoff() *Backoff {
	return NewBackoff(500*time.Millisecond, 30*time.Second)
}

// Duration returns the delay before the next attempt and counts it.
func (b *Backoff) Duration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.Min
	for i := 0; i < b.attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max || d <= 0 {
		d = b.Max
	}
	if b.Jitter > 0 && b.rnd != nil {
		d += time.Duration(float64(d) * b.Jitter * (2*b.rnd() - 1))
	}
	b.attempt++
	return min(max(d, b.Min), b.Max)
}

func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}

func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}
