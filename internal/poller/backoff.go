package poller

import "time"

const (
	// DefaultBackoffFloor seeds the first failure's backoff before doubling.
	DefaultBackoffFloor = 5 * time.Second
	// DefaultBackoffCeiling caps the backoff.
	DefaultBackoffCeiling = 300 * time.Second
)

// Key identifies a cluster registration.
type Key struct {
	Cluster   string
	Workspace string
}

type backoffEntry struct {
	remaining time.Duration
	last      time.Duration
}

// Backoff tracks per-cluster exponential backoff. remaining counts down as
// cycles are skipped; last is the most recently assigned value and seeds the
// next doubling, so consecutive failures keep growing even after a cooldown
// has fully elapsed.
//
// Backoff is not safe for concurrent use; the poll loop owns it.
type Backoff struct {
	floor   time.Duration
	ceiling time.Duration
	entries map[Key]*backoffEntry
}

// NewBackoff creates an empty tracker.
func NewBackoff(floor, ceiling time.Duration) *Backoff {
	if floor <= 0 {
		floor = DefaultBackoffFloor
	}
	if ceiling < floor {
		ceiling = floor
	}
	return &Backoff{floor: floor, ceiling: ceiling, entries: make(map[Key]*backoffEntry)}
}

// Skip reports whether k is cooling down. When it is, the remaining time is
// reduced by step, never below zero.
func (b *Backoff) Skip(k Key, step time.Duration) bool {
	e, ok := b.entries[k]
	if !ok || e.remaining <= 0 {
		return false
	}
	e.remaining = max(0, e.remaining-step)
	return true
}

// Fail records a failed poll and returns the new backoff:
// min(ceiling, (last or floor) * 2).
func (b *Backoff) Fail(k Key) time.Duration {
	e, ok := b.entries[k]
	if !ok {
		e = &backoffEntry{}
		b.entries[k] = e
	}
	base := e.last
	if base <= 0 {
		base = b.floor
	}
	e.last = min(b.ceiling, base*2)
	e.remaining = e.last
	return e.last
}

// Reset clears k after a successful poll.
func (b *Backoff) Reset(k Key) {
	delete(b.entries, k)
}

// Remaining returns the cooldown left for k.
func (b *Backoff) Remaining(k Key) time.Duration {
	if e, ok := b.entries[k]; ok {
		return e.remaining
	}
	return 0
}

// Totals returns how many clusters are cooling down and the sum of their
// remaining time.
func (b *Backoff) Totals() (int, time.Duration) {
	var (
		n     int
		total time.Duration
	)
	for _, e := range b.entries {
		if e.remaining > 0 {
			n++
			total += e.remaining
		}
	}
	return n, total
}
