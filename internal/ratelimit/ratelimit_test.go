package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowWithinBurst(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1, BurstSize: 3, CleanupInterval: time.Minute})
	defer l.Stop()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("client"), "request %d should pass", i)
	}
	assert.False(t, l.Allow("client"), "burst exhausted")
}

func TestAllowRefills(t *testing.T) {
	l := New(Config{RequestsPerSecond: 100, BurstSize: 1, CleanupInterval: time.Minute})
	defer l.Stop()

	assert.True(t, l.Allow("client"))
	assert.False(t, l.Allow("client"))
	time.Sleep(50 * time.Millisecond)
	assert.True(t, l.Allow("client"), "tokens refill over time")
}

func TestClientsIsolated(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1, BurstSize: 1, CleanupInterval: time.Minute})
	defer l.Stop()

	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"), "a's exhaustion must not affect b")
}
