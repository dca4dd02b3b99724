// Package ratelimit provides sliding window request limiting for the gateway's
// HTTP and WebSocket surfaces.
package ratelimit

import (
	"sync"
	"time"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter int // seconds; zero when allowed
}

type windowBucket struct {
	mu         sync.Mutex
	timestamps []time.Time
	lastAccess time.Time
}

// SlidingWindow implements sliding window rate limiting per identifier.
type SlidingWindow struct {
	buckets   sync.Map // identifier -> *windowBucket
	window    time.Duration
	limit     int
	now       func() time.Time
	ticker    *time.Ticker
	stop      chan struct{}
	stopOnce  sync.Once
	cleanupWG sync.WaitGroup
}

// NewSlidingWindow creates a limiter admitting limit requests per window.
// Buckets idle for two windows are swept every cleanupInterval.
func NewSlidingWindow(window time.Duration, limit int, cleanupInterval time.Duration) *SlidingWindow {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	sw := &SlidingWindow{
		window: window,
		limit:  limit,
		now:    time.Now,
		ticker: time.NewTicker(cleanupInterval),
		stop:   make(chan struct{}),
	}
	sw.cleanupWG.Add(1)
	go sw.cleanupLoop()
	return sw
}

// Allow records a request for identifier if it fits in the window.
func (sw *SlidingWindow) Allow(identifier string) Decision {
	now := sw.now()

	v, _ := sw.buckets.LoadOrStore(identifier, &windowBucket{lastAccess: now})
	bucket := v.(*windowBucket)

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	bucket.lastAccess = now
	bucket.timestamps = trimBefore(bucket.timestamps, now.Add(-sw.window))

	if len(bucket.timestamps) >= sw.limit {
		resetAt := now.Add(sw.window)
		if len(bucket.timestamps) > 0 {
			resetAt = bucket.timestamps[0].Add(sw.window)
		}
		retryAfter := int(resetAt.Sub(now).Seconds())
		if retryAfter <= 0 {
			retryAfter = 1
		}
		return Decision{ResetAt: resetAt, RetryAfter: retryAfter}
	}

	bucket.timestamps = append(bucket.timestamps, now)
	return Decision{
		Allowed:   true,
		Remaining: sw.limit - len(bucket.timestamps),
		ResetAt:   bucket.timestamps[0].Add(sw.window),
	}
}

// trimBefore drops timestamps at or before cutoff, copying so the old
// backing array can be released.
func trimBefore(timestamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(timestamps) && !timestamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return timestamps
	}
	kept := make([]time.Time, len(timestamps)-i)
	copy(kept, timestamps[i:])
	return kept
}

func (sw *SlidingWindow) cleanupLoop() {
	defer sw.cleanupWG.Done()
	for {
		select {
		case <-sw.ticker.C:
			sw.sweep()
		case <-sw.stop:
			return
		}
	}
}

// sweep removes buckets that have been idle for two windows.
func (sw *SlidingWindow) sweep() int {
	cutoff := sw.now().Add(-2 * sw.window)
	removed := 0
	sw.buckets.Range(func(key, value any) bool {
		bucket := value.(*windowBucket)
		bucket.mu.Lock()
		idle := bucket.lastAccess.Before(cutoff)
		bucket.mu.Unlock()
		if idle {
			sw.buckets.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (sw *SlidingWindow) Stop() {
	sw.stopOnce.Do(func() {
		sw.ticker.Stop()
		close(sw.stop)
	})
	sw.cleanupWG.Wait()
}

// Stats contains statistics about the rate limiter
type Stats struct {
	ActiveBuckets   int
	TotalTimestamps int
	WindowDuration  time.Duration
	Limit           int
}

// GetStats returns current statistics about the rate limiter
func (sw *SlidingWindow) GetStats() Stats {
	stats := Stats{WindowDuration: sw.window, Limit: sw.limit}
	sw.buckets.Range(func(_, value any) bool {
		bucket := value.(*windowBucket)
		bucket.mu.Lock()
		stats.ActiveBuckets++
		stats.TotalTimestamps += len(bucket.timestamps)
		bucket.mu.Unlock()
		return true
	})
	return stats
}
