// Feedbridge - External Record Store Integration and Sync Engine
// Copyright 2026 Feedbridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/feedbridge/feedbridge

// Package ratelimit implements a sliding-window request admission counter.
//
// Every outbound call of an integration client passes through a Limiter
// before it reaches the transport. The limiter divides the trailing window
// into buckets and sums them, so admission cost is O(k) for k buckets while
// memory stays constant per client. There is no wait-for-slot behavior:
// a denied request is a retryable failure, never a stall.
package ratelimit

import (
	"sync"
	"time"
)

// defaultBuckets is the bucket count when the caller does not specify one.
// Finer buckets track the trailing window more accurately at slightly more
// summation cost per Admit.
const defaultBuckets = 10

// Limiter is a sliding-window request counter gating outbound calls.
// It admits at most quota requests within any trailing window.
//
// Complexity:
//   - Record: O(1)
//   - Admit:  O(k) where k = number of buckets
//   - Memory: O(k)
type Limiter struct {
	mu         sync.Mutex
	buckets    []int64       // circular buffer of bucket counts
	bucketSize time.Duration // duration of each bucket
	window     time.Duration // total window duration
	quota      int64         // maximum admitted requests per window
	numBuckets int
	current    int       // current bucket index
	lastUpdate time.Time // last advance time
	denied     int64     // total denials, for status reporting

	sweepStop chan struct{}
	sweepOnce sync.Once
}

// New creates a limiter admitting at most quota requests per window.
// A background sweep purges stale buckets every window so an idle limiter
// does not report phantom usage.
func New(quota int64, window time.Duration) *Limiter {
	if quota <= 0 {
		quota = 1
	}
	if window <= 0 {
		window = time.Minute
	}

	l := &Limiter{
		buckets:    make([]int64, defaultBuckets),
		bucketSize: window / defaultBuckets,
		window:     window,
		quota:      quota,
		numBuckets: defaultBuckets,
		lastUpdate: time.Now(),
		sweepStop:  make(chan struct{}),
	}

	go l.sweepLoop()

	return l
}

// Admit reports whether one more request fits in the trailing window.
// It does not record the request; callers that proceed must call Record.
func (l *Limiter) Admit() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.advance()

	if l.count()+1 > l.quota {
		l.denied++
		return false
	}
	return true
}

// TryAcquire admits and records in one critical section. Concurrent
// callers on the same limiter cannot slip past the quota between a
// separate Admit and Record pair, so the transport uses this form.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.advance()

	if l.count()+1 > l.quota {
		l.denied++
		return false
	}
	l.buckets[l.current]++
	return true
}

// Record counts one request against the current bucket.
func (l *Limiter) Record() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.advance()
	l.buckets[l.current]++
}

// Headroom returns how many more requests the trailing window can admit.
func (l *Limiter) Headroom() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.advance()

	remaining := l.quota - l.count()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Quota returns the configured per-window quota.
func (l *Limiter) Quota() int64 {
	return l.quota
}

// Window returns the configured window duration.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// Denied returns the total number of denied admissions since creation.
func (l *Limiter) Denied() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.denied
}

// Reset clears all buckets. Used by forced full resync and in tests.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.buckets {
		l.buckets[i] = 0
	}
	l.current = 0
	l.denied = 0
	l.lastUpdate = time.Now()
}

// Stop terminates the background sweep. The limiter remains usable;
// stale buckets are still purged lazily on access.
func (l *Limiter) Stop() {
	l.sweepOnce.Do(func() {
		close(l.sweepStop)
	})
}

// count sums all buckets. Must be called with lock held after advance.
func (l *Limiter) count() int64 {
	var total int64
	for _, c := range l.buckets {
		total += c
	}
	return total
}

// advance moves the window forward based on elapsed time, zeroing buckets
// that have fallen out of the window. Must be called with lock held.
func (l *Limiter) advance() {
	now := time.Now()
	elapsed := now.Sub(l.lastUpdate)

	bucketsElapsed := int(elapsed / l.bucketSize)
	if bucketsElapsed <= 0 {
		return
	}

	if bucketsElapsed >= l.numBuckets {
		// Entire window has elapsed, clear all
		for i := range l.buckets {
			l.buckets[i] = 0
		}
		l.current = 0
	} else {
		// Clear only the elapsed buckets
		for i := 0; i < bucketsElapsed; i++ {
			l.current = (l.current + 1) % l.numBuckets
			l.buckets[l.current] = 0
		}
	}

	l.lastUpdate = now
}

// sweepLoop periodically purges stale buckets so Headroom stays accurate
// for status queries even when no requests are flowing.
func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()

	for {
		select {
		case <-l.sweepStop:
			return
		case <-ticker.C:
			l.mu.Lock()
			l.advance()
			l.mu.Unlock()
		}
	}
}
