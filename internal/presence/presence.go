// Package presence tracks which listeners are currently tuned in to a
// stream. Listeners heartbeat periodically; entries expire after a TTL so
// that crashed clients disappear without an explicit leave.
package presence

import (
	"sort"
	"sync"
	"time"
)

// DefaultTTL is how long a listener stays present without a heartbeat.
const DefaultTTL = 35 * time.Second

// Tracker is an in-memory presence table keyed by stream owner. It is safe
// for concurrent use. Expired entries are pruned lazily on read and by
// [Tracker.Sweep].
type Tracker struct {
	mu  sync.Mutex
	ttl time.Duration
	// owner -> listener -> last heartbeat
	seen map[string]map[string]time.Time

	// now is swappable for tests.
	now func() time.Time
}

// Option configures a [Tracker].
type Option func(*Tracker)

// WithTTL overrides [DefaultTTL].
func WithTTL(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.ttl = d
		}
	}
}

// WithClock overrides the time source. Tests use this to expire entries
// without sleeping.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTracker returns an empty presence tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		ttl:  DefaultTTL,
		seen: make(map[string]map[string]time.Time),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// TTL returns the configured expiry duration.
func (t *Tracker) TTL() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ttl
}

// SetTTL changes the expiry duration. Applied to hot-reloaded config.
func (t *Tracker) SetTTL(d time.Duration) {
	if d <= 0 {
		return
	}
	t.mu.Lock()
	t.ttl = d
	t.mu.Unlock()
}

// Heartbeat marks listener as present on owner's stream.
func (t *Tracker) Heartbeat(owner, listener string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.seen[owner]
	if !ok {
		m = make(map[string]time.Time)
		t.seen[owner] = m
	}
	m[listener] = t.now()
}

// Leave removes listener from owner's stream immediately.
func (t *Tracker) Leave(owner, listener string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if m, ok := t.seen[owner]; ok {
		delete(m, listener)
		if len(m) == 0 {
			delete(t.seen, owner)
		}
	}
}

// Active returns the listeners currently present on owner's stream, sorted
// for stable output. Expired entries are pruned as a side effect.
func (t *Tracker) Active(owner string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.seen[owner]
	if !ok {
		return nil
	}

	cutoff := t.now().Add(-t.ttl)
	var active []string
	for listener, last := range m {
		if last.Before(cutoff) {
			delete(m, listener)
			continue
		}
		active = append(active, listener)
	}
	if len(m) == 0 {
		delete(t.seen, owner)
	}

	sort.Strings(active)
	return active
}

// Count returns the number of present listeners on owner's stream.
func (t *Tracker) Count(owner string) int {
	return len(t.Active(owner))
}

// Sweep prunes expired entries across all streams. Intended to run
// periodically from a background goroutine.
func (t *Tracker) Sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.ttl)
	for owner, m := range t.seen {
		for listener, last := range m {
			if last.Before(cutoff) {
				delete(m, listener)
			}
		}
		if len(m) == 0 {
			delete(t.seen, owner)
		}
	}
}

// Run sweeps every interval until ctx is done. Blocks; run in a goroutine.
func (t *Tracker) Run(done <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultTTL
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}
