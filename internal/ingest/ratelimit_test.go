package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeviceLimiterBurstThenThrottle(t *testing.T) {
	dl := NewDeviceLimiter(60)
	defer dl.Close()

	allowed, _ := dl.Allow("dev-1", 60)
	assert.True(t, allowed, "full burst budget fits")

	allowed, retryAfter := dl.Allow("dev-1", 60)
	assert.False(t, allowed, "bucket is drained")
	assert.GreaterOrEqual(t, retryAfter, time.Second)
}

func TestDeviceLimiterPerDeviceIsolation(t *testing.T) {
	dl := NewDeviceLimiter(10)
	defer dl.Close()

	allowed, _ := dl.Allow("dev-1", 10)
	assert.True(t, allowed)
	allowed, _ = dl.Allow("dev-1", 5)
	assert.False(t, allowed)

	// A different device has its own bucket.
	allowed, _ = dl.Allow("dev-2", 10)
	assert.True(t, allowed)
}

func TestDeviceLimiterOversizeCost(t *testing.T) {
	dl := NewDeviceLimiter(10)
	defer dl.Close()

	allowed, retryAfter := dl.Allow("dev-1", 11)
	assert.False(t, allowed, "cost above the minute budget can never fit")
	assert.Equal(t, time.Minute, retryAfter)
}

func TestDeviceLimiterDisabled(t *testing.T) {
	dl := NewDeviceLimiter(0)
	defer dl.Close()

	allowed, retryAfter := dl.Allow("dev-1", 100000)
	assert.True(t, allowed)
	assert.Zero(t, retryAfter)
}
