package safety

import (
	"sync"
	"time"
)

// BreakerState represents the state of the MQTT circuit breaker.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // Normal operation
	BreakerHalfOpen                     // Cooldown elapsed, probing
	BreakerOpen                         // Failing fast
)

func (bs BreakerState) String() string {
	switch bs {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half_open"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Breaker fails publishes fast after a run of consecutive transport failures,
// avoiding retry storms against a dead broker. After the cooldown a single
// probe is allowed through; its outcome decides between closed and open.
type Breaker struct {
	mu sync.Mutex

	threshold int
	cooldown  time.Duration

	failures  int
	openUntil time.Time
	probing   bool

	now func() time.Time
}

// NewBreaker creates a closed breaker. A threshold <= 0 disables it.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a publish may proceed. In half-open state exactly one
// caller is admitted as the probe until its outcome is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.threshold <= 0 || b.failures < b.threshold {
		return true
	}
	if b.now().Before(b.openUntil) {
		return false
	}
	// Cooldown elapsed: half-open.
	if b.probing {
		return false
	}
	b.probing = true
	return true
}

// RecordSuccess closes the breaker and clears the failure run.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.openUntil = time.Time{}
	b.probing = false
}

// RecordFailure counts a transport failure; crossing the threshold (or a
// failed probe) opens the breaker for the cooldown window.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.probing = false
	if b.threshold > 0 && b.failures >= b.threshold {
		b.openUntil = b.now().Add(b.cooldown)
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.threshold <= 0 || b.failures < b.threshold {
		return BreakerClosed
	}
	if b.now().Before(b.openUntil) {
		return BreakerOpen
	}
	return BreakerHalfOpen
}

// OpenUntil returns when the breaker stops failing fast (zero when closed).
func (b *Breaker) OpenUntil() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openUntil
}
