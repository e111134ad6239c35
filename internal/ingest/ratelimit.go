package ingest

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DeviceLimiter manages per-device token buckets. The bucket cost of one
// request is its point count, so a device burning its budget on large
// batches is throttled the same as one sending many small ones.
//
// The limiter is per-process: multiple server instances multiply the
// effective cap, which is acceptable as defense-in-depth only.
type DeviceLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry

	perMinute int
	quitChan  chan struct{}
	quitOnce  sync.Once
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const limiterIdleEviction = 30 * time.Minute

// NewDeviceLimiter creates a limiter granting perMinute points per device
// per minute, with a burst of the full minute budget.
func NewDeviceLimiter(perMinute int) *DeviceLimiter {
	dl := &DeviceLimiter{
		entries:   make(map[string]*limiterEntry),
		perMinute: perMinute,
		quitChan:  make(chan struct{}),
	}
	go dl.cleanupLoop()
	return dl
}

// Allow reserves cost tokens for a device. When the request is over budget
// it returns allowed=false and the suggested Retry-After duration.
func (dl *DeviceLimiter) Allow(deviceID string, cost int) (allowed bool, retryAfter time.Duration) {
	if dl.perMinute <= 0 {
		return true, 0
	}

	dl.mu.Lock()
	entry := dl.entries[deviceID]
	if entry == nil {
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(dl.perMinute)/60.0), dl.perMinute),
		}
		dl.entries[deviceID] = entry
	}
	entry.lastSeen = time.Now()
	dl.mu.Unlock()

	if cost > dl.perMinute {
		// Can never fit in one bucket; the request-size cap should have
		// caught this first.
		return false, time.Minute
	}

	res := entry.limiter.ReserveN(time.Now(), cost)
	if !res.OK() {
		return false, time.Minute
	}
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return false, time.Duration(math.Ceil(delay.Seconds())) * time.Second
	}
	return true, 0
}

func (dl *DeviceLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-dl.quitChan:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-limiterIdleEviction)
			dl.mu.Lock()
			for id, entry := range dl.entries {
				if entry.lastSeen.Before(cutoff) {
					delete(dl.entries, id)
				}
			}
			dl.mu.Unlock()
		}
	}
}

// Close stops the cleanup loop.
func (dl *DeviceLimiter) Close() {
	dl.quitOnce.Do(func() { close(dl.quitChan) })
}
