// Package ratelimit keeps per-(user, operation) sliding-window request logs.
//
// Checking a key never consumes quota; only RecordRequest does. Keys are
// independent of each other and there is no global quota. State is process
// local and is not expected to survive a restart.
package ratelimit

import (
	"sort"
	"sync"
	"time"
)

// Clock returns the current time. Tests inject a deterministic clock.
type Clock func() time.Time

type key struct {
	user string
	op   string
}

type bucket struct {
	mu       sync.Mutex
	stamps   []time.Time
	lastSeen time.Time
	// maxWindow is the longest window the key has been checked with; only
	// timestamps older than it are dropped.
	maxWindow time.Duration
}

// Limiter tracks request timestamps per user and operation.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[key]*bucket
	now     Clock

	// idleTTL is how long an untouched bucket survives a sweep.
	idleTTL   time.Duration
	lastSweep time.Time
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(clock Clock) Option {
	return func(l *Limiter) {
		if clock != nil {
			l.now = clock
		}
	}
}

// WithIdleTTL controls how long idle keys are retained before being swept.
func WithIdleTTL(ttl time.Duration) Option {
	return func(l *Limiter) {
		if ttl > 0 {
			l.idleTTL = ttl
		}
	}
}

// New constructs a Limiter.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		buckets: make(map[key]*bucket),
		now:     time.Now,
		idleTTL: 48 * time.Hour,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.lastSweep = l.now()
	return l
}

// IsAllowed reports whether fewer than maxRequests were recorded for the key
// within the trailing window.
func (l *Limiter) IsAllowed(userID, op string, maxRequests int, window time.Duration) bool {
	if maxRequests <= 0 {
		return false
	}
	return l.RequestCount(userID, op, window) < maxRequests
}

// RecordRequest consumes one unit of quota for the key.
func (l *Limiter) RecordRequest(userID, op string) {
	now := l.now()
	b := l.bucketFor(key{user: userID, op: op}, true)

	b.mu.Lock()
	b.stamps = append(b.stamps, now)
	b.lastSeen = now
	b.mu.Unlock()

	l.maybeSweep(now)
}

// RequestCount returns how many requests were recorded within window.
func (l *Limiter) RequestCount(userID, op string, window time.Duration) int {
	b := l.bucketFor(key{user: userID, op: op}, false)
	if b == nil {
		return 0
	}
	now := l.now()

	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.stamps) - b.cutoffLocked(now, window)
}

// HasMinimumTimePassed reports whether at least minInterval elapsed since the
// most recent recorded request for the key. Keys with no history pass.
func (l *Limiter) HasMinimumTimePassed(userID, op string, minInterval time.Duration) bool {
	last, ok := l.lastRequest(key{user: userID, op: op})
	if !ok {
		return true
	}
	return l.now().Sub(last) >= minInterval
}

// ClearHistory forgets every timestamp recorded for the key.
func (l *Limiter) ClearHistory(userID, op string) {
	l.mu.Lock()
	delete(l.buckets, key{user: userID, op: op})
	l.mu.Unlock()
}

// ClearUserHistory forgets every key belonging to userID.
func (l *Limiter) ClearUserHistory(userID string) {
	l.mu.Lock()
	for k := range l.buckets {
		if k.user == userID {
			delete(l.buckets, k)
		}
	}
	l.mu.Unlock()
}

func (l *Limiter) lastRequest(k key) (time.Time, bool) {
	b := l.bucketFor(k, false)
	if b == nil {
		return time.Time{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.stamps) == 0 {
		return time.Time{}, false
	}
	return b.stamps[len(b.stamps)-1], true
}

// oldestWithin returns the oldest timestamp still inside window.
func (l *Limiter) oldestWithin(k key, window time.Duration) (time.Time, bool) {
	b := l.bucketFor(k, false)
	if b == nil {
		return time.Time{}, false
	}
	now := l.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := b.cutoffLocked(now, window)
	if idx == len(b.stamps) {
		return time.Time{}, false
	}
	return b.stamps[idx], true
}

func (l *Limiter) bucketFor(k key, create bool) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[k]
	l.mu.RUnlock()
	if ok || !create {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[k]; ok {
		return b
	}
	b = &bucket{lastSeen: l.now()}
	l.buckets[k] = b
	return b
}

// cutoffLocked returns the index of the first timestamp inside window.
// Timestamps are appended in order, so the ones outside it form a prefix.
// Only the prefix outside the longest window seen so far is discarded.
func (b *bucket) cutoffLocked(now time.Time, window time.Duration) int {
	if window > b.maxWindow {
		b.maxWindow = window
	}
	if expired := firstAfter(b.stamps, now.Add(-b.maxWindow)); expired > 0 {
		b.stamps = append(b.stamps[:0], b.stamps[expired:]...)
	}
	return firstAfter(b.stamps, now.Add(-window))
}

func firstAfter(stamps []time.Time, cutoff time.Time) int {
	return sort.Search(len(stamps), func(i int) bool {
		return stamps[i].After(cutoff)
	})
}

func (l *Limiter) maybeSweep(now time.Time) {
	l.mu.RLock()
	due := now.Sub(l.lastSweep) > l.idleTTL
	l.mu.RUnlock()
	if !due {
		return
	}

	l.mu.Lock()
	l.gcLocked(now)
	l.lastSweep = now
	l.mu.Unlock()
}

func (l *Limiter) gcLocked(now time.Time) {
	for k, b := range l.buckets {
		b.mu.Lock()
		idle := now.Sub(b.lastSeen) > l.idleTTL
		b.mu.Unlock()
		if idle {
			delete(l.buckets, k)
		}
	}
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}
