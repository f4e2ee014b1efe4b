package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/audit-ledger/audit-ledger/internal/safego"
)

type entryKey struct {
	limitType LimitType
	id        string
}

// entry is guarded by its own mutex so that hits on different keys never contend.
// removed is set when the sweeper or Reset drops the entry from the map; a caller
// holding a stale pointer must look the key up again.
type entry struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
	removed bool
}

// MemoryLimiter keeps fixed-window counters in process memory
type MemoryLimiter struct {
	rules Rules
	now   func() time.Time

	mu      sync.RWMutex
	entries map[entryKey]*entry

	stopCh   chan struct{}
	stopOnce sync.Once
}

// Option configures a MemoryLimiter
type Option func(*MemoryLimiter)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(l *MemoryLimiter) { l.now = now }
}

// NewMemoryLimiter creates a limiter and, when cleanupInterval is positive, starts a
// goroutine that sweeps expired windows until Stop is called.
func NewMemoryLimiter(rules Rules, cleanupInterval time.Duration, opts ...Option) *MemoryLimiter {
	l := &MemoryLimiter{
		rules:   rules,
		now:     time.Now,
		entries: make(map[entryKey]*entry),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	if cleanupInterval > 0 {
		safego.Go("ratelimit-sweeper", func() { l.cleanup(cleanupInterval) })
	}
	return l
}

// Rule implements Limiter
func (l *MemoryLimiter) Rule(limitType LimitType) (Rule, bool) {
	r, ok := l.rules[limitType]
	return r, ok
}

// Hit implements Limiter
func (l *MemoryLimiter) Hit(_ context.Context, limitType LimitType, key string) (Entry, error) {
	rule, ok := l.rules[limitType]
	if !ok {
		return Entry{}, unknownLimitType(limitType)
	}
	k := entryKey{limitType: limitType, id: key}

	for {
		e := l.lookup(k)
		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}

		now := l.now()
		switch {
		case e.count == 0 || now.After(e.resetAt):
			e.count = 1
			e.resetAt = now.Add(rule.Window)
		case e.count >= rule.MaxRequests:
			res := Entry{Count: e.count, ResetAt: e.resetAt}
			e.mu.Unlock()
			return res, &RateLimitError{LimitType: limitType, RetryAfter: res.ResetAt.Sub(now)}
		default:
			e.count++
		}
		res := Entry{Count: e.count, ResetAt: e.resetAt}
		e.mu.Unlock()
		return res, nil
	}
}

func (l *MemoryLimiter) lookup(k entryKey) *entry {
	l.mu.RLock()
	e, ok := l.entries[k]
	l.mu.RUnlock()
	if ok {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok = l.entries[k]; !ok {
		e = &entry{}
		l.entries[k] = e
	}
	return e
}

// Len returns the number of tracked keys
func (l *MemoryLimiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Sweep drops every expired window and returns how many were removed
func (l *MemoryLimiter) Sweep() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for k, e := range l.entries {
		e.mu.Lock()
		if e.count == 0 || now.After(e.resetAt) {
			e.removed = true
			delete(l.entries, k)
			removed++
		}
		e.mu.Unlock()
	}
	return removed
}

// Reset forgets every key
func (l *MemoryLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range l.entries {
		e.mu.Lock()
		e.removed = true
		e.mu.Unlock()
	}
	l.entries = make(map[entryKey]*entry)
}

// Stop halts the sweeper. It is safe to call more than once.
func (l *MemoryLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *MemoryLimiter) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-l.stopCh:
			return
		}
	}
}
