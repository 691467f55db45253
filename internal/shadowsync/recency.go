package shadowsync

import (
	"sync"
	"time"
)

// RecencyTracker remembers which cards were just written and when the last
// write of any kind happened.
type RecencyTracker struct {
	mu             sync.Mutex
	clock          func() time.Time
	ttl            time.Duration
	cooldown       time.Duration
	expiries       map[string]time.Time
	lastWrite      time.Time
	lastDirectSave time.Time
	lastPrune      time.Time
}

func NewRecencyTracker(clock func() time.Time, ttl, cooldown time.Duration) *RecencyTracker {
	if clock == nil {
		clock = time.Now
	}
	return &RecencyTracker{
		clock:    clock,
		ttl:      ttl,
		cooldown: cooldown,
		expiries: make(map[string]time.Time),
	}
}

// Mark records cardID as just written.
func (t *RecencyTracker) Mark(cardID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock()
	t.pruneLocked(now)
	t.expiries[cardID] = now.Add(t.ttl)
}

func (t *RecencyTracker) IsRecent(cardID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	expiry, ok := t.expiries[cardID]
	if !ok {
		return false
	}
	if !t.clock().Before(expiry) {
		delete(t.expiries, cardID)
		return false
	}
	return true
}

// StampWrite records a completed write for the global cooldown.
func (t *RecencyTracker) StampWrite() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastWrite = t.clock()
}

// StampDirectSave records a user-initiated save. It also counts as a write.
func (t *RecencyTracker) StampDirectSave() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock()
	t.lastWrite = now
	t.lastDirectSave = now
}

// WithinCooldown reports whether the last write is younger than the cooldown.
func (t *RecencyTracker) WithinCooldown() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.withinLocked(t.lastWrite)
}

// WithinDirectSaveCooldown reports whether the last direct save is younger than the cooldown.
func (t *RecencyTracker) WithinDirectSaveCooldown() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.withinLocked(t.lastDirectSave)
}

// LastWrite returns the time of the last recorded write, zero if none.
func (t *RecencyTracker) LastWrite() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastWrite
}

// Len reports the tracked ids, expired ones included until pruned.
func (t *RecencyTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.expiries)
}

func (t *RecencyTracker) withinLocked(stamp time.Time) bool {
	if stamp.IsZero() || t.cooldown <= 0 {
		return false
	}
	return t.clock().Sub(stamp) < t.cooldown
}

// pruneLocked drops expired ids at most once per ttl.
func (t *RecencyTracker) pruneLocked(now time.Time) {
	if now.Sub(t.lastPrune) < t.ttl {
		return
	}
	t.lastPrune = now
	for cardID, expiry := range t.expiries {
		if !now.Before(expiry) {
			delete(t.expiries, cardID)
		}
	}
}
