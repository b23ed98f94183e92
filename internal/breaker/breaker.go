// Package breaker implements a per-target circuit breaker with cooldown.
package breaker

import (
	"sync"
	"time"

	"github.com/adverify/siteauditor/internal/audit"
)

const (
	defaultThreshold = 3
	defaultCooldown  = time.Hour
)

type state struct {
	failures      int
	lastFailureAt time.Time
}

// Config controls trip threshold and cooldown.
type Config struct {
	Threshold int
	Cooldown  time.Duration
}

// Breaker tracks consecutive dispatch failures per key. State is created
// lazily on first failure and deleted on success or cooldown expiry. The map
// is mutex-guarded because the scheduler and the API run concurrently.
type Breaker struct {
	mu        sync.Mutex
	states    map[string]*state
	threshold int
	cooldown  time.Duration
	clock     audit.Clock
}

// New creates a Breaker with the provided config, applying defaults for
// unset fields.
func New(cfg Config, clock audit.Clock) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	return &Breaker{
		states:    make(map[string]*state),
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		clock:     clock,
	}
}

// Allow reports whether a dispatch to key may proceed. A tripped breaker
// whose cooldown has elapsed is reset and the dispatch allowed.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[key]
	if !ok || st.failures < b.threshold {
		return true
	}
	if b.clock.Now().Sub(st.lastFailureAt) >= b.cooldown {
		delete(b.states, key)
		return true
	}
	return false
}

// RecordSuccess clears all breaker state for key, independent of cooldown.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.states, key)
}

// RecordFailure increments the consecutive failure count for key.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[key]
	if !ok {
		st = &state{}
		b.states[key] = st
	}
	st.failures++
	st.lastFailureAt = b.clock.Now()
}

// Tripped reports whether key is currently at or past the trip threshold,
// ignoring cooldown.
func (b *Breaker) Tripped(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[key]
	return ok && st.failures >= b.threshold
}

// Open returns the number of currently tripped keys.
func (b *Breaker) Open() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, st := range b.states {
		if st.failures >= b.threshold {
			n++
		}
	}
	return n
}
