package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterEntry tracks one identifier's limiter and its last access time.
type limiterEntry struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter enforces a request budget per identifier (typically caller IP)
// over a sliding window, using a token bucket per identifier. Buckets are
// kept in an LRU-bounded map so hostile traffic cannot grow memory without
// bound; idle entries are reclaimed by a background sweep.
//
// A budget of N requests per window W is modeled as a bucket refilling at
// N/W with burst N: a caller can spend the whole budget at once, then
// regains capacity gradually over the window. Allow is safe for concurrent
// use; counts are never lost under concurrent increments.
type RateLimiter struct {
	limiters   map[string]*list.Element // identifier -> element in lruList
	lruList    *list.List               // front = most recently used
	mu         sync.Mutex
	refill     rate.Limit
	burst      int
	window     time.Duration
	maxEntries int
	logger     *slog.Logger

	sweepInterval time.Duration
	stopSweep     chan struct{}
	stopOnce      sync.Once

	evictions int64
}

// defaultMaxEntries bounds the number of identifiers tracked simultaneously.
const defaultMaxEntries = 10000

// NewRateLimiter creates a limiter allowing budget requests per window for
// each identifier. A zero or negative budget permits nothing; a zero window
// defaults to 15 minutes.
func NewRateLimiter(budget int, window time.Duration, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(budget, window, defaultMaxEntries, logger)
}

// NewRateLimiterWithConfig is NewRateLimiter with a custom cap on tracked
// identifiers. maxEntries <= 0 falls back to the default cap.
func NewRateLimiterWithConfig(budget int, window time.Duration, maxEntries int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}

	refill := rate.Limit(0)
	if budget > 0 {
		refill = rate.Limit(float64(budget) / window.Seconds())
	}

	rl := &RateLimiter{
		limiters:      make(map[string]*list.Element),
		lruList:       list.New(),
		refill:        refill,
		burst:         budget,
		window:        window,
		maxEntries:    maxEntries,
		logger:        logger,
		sweepInterval: 5 * time.Minute,
		stopSweep:     make(chan struct{}),
	}

	go rl.sweepLoop()

	return rl
}

// Allow reports whether a request from the given identifier fits the budget.
func (rl *RateLimiter) Allow(identifier string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, exists := rl.limiters[identifier]; exists {
		rl.lruList.MoveToFront(elem)
		entry := elem.Value.(*limiterEntry)
		entry.lastAccess = now
		return entry.limiter.Allow()
	}

	if len(rl.limiters) >= rl.maxEntries {
		rl.evictOldest()
	}

	entry := &limiterEntry{
		identifier: identifier,
		limiter:    rate.NewLimiter(rl.refill, rl.burst),
		lastAccess: now,
	}
	rl.limiters[identifier] = rl.lruList.PushFront(entry)

	return entry.limiter.Allow()
}

// evictOldest drops the least recently used entry. Caller holds rl.mu.
func (rl *RateLimiter) evictOldest() {
	elem := rl.lruList.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*limiterEntry)
	delete(rl.limiters, entry.identifier)
	rl.lruList.Remove(elem)
	rl.evictions++

	rl.logger.Debug("rate limiter evicted LRU entry",
		"identifier", entry.identifier,
		"total_evictions", rl.evictions,
		"tracked_entries", len(rl.limiters))
}

// sweepLoop periodically reclaims identifiers idle for a full window.
func (rl *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(rl.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopSweep:
			return
		case <-ticker.C:
			rl.sweep()
		}
	}
}

// sweep reclaims entries idle for at least a full window. By then the
// bucket has refilled completely, so dropping it cannot hand anyone extra
// budget inside an active window.
func (rl *RateLimiter) sweep() {
	cutoff := time.Now().Add(-rl.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for elem := rl.lruList.Back(); elem != nil; {
		entry := elem.Value.(*limiterEntry)
		if entry.lastAccess.After(cutoff) {
			// LRU order: everything further forward is newer.
			break
		}
		prev := elem.Prev()
		delete(rl.limiters, entry.identifier)
		rl.lruList.Remove(elem)
		removed++
		elem = prev
	}

	if removed > 0 {
		rl.logger.Debug("rate limiter sweep complete",
			"removed", removed,
			"tracked_entries", len(rl.limiters))
	}
}

// Stop terminates the background sweep goroutine. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopSweep) })
}
