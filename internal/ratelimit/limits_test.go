// internal/ratelimit/limits_test.go
package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIntegrationLimiter(t *testing.T) {
	t.Run("allows burst then enforces rate", func(t *testing.T) {
		limiter := NewIntegrationLimiter(Config{RatePerSecond: 5, Burst: 3})

		for i := 0; i < 3; i++ {
			assert.True(t, limiter.Allow("int-1"), "should allow burst request %d", i+1)
		}
		assert.False(t, limiter.Allow("int-1"), "should block after burst")

		time.Sleep(250 * time.Millisecond)
		assert.True(t, limiter.Allow("int-1"), "should allow after refill")
	})

	t.Run("integrations do not share buckets", func(t *testing.T) {
		limiter := NewIntegrationLimiter(Config{RatePerSecond: 1, Burst: 1})

		assert.True(t, limiter.Allow("int-a"))
		assert.False(t, limiter.Allow("int-a"))
		assert.True(t, limiter.Allow("int-b"), "separate integration gets its own bucket")
	})

	t.Run("override replaces default immediately", func(t *testing.T) {
		limiter := NewIntegrationLimiter(Config{RatePerSecond: 1, Burst: 1})

		assert.True(t, limiter.Allow("int-1"))
		assert.False(t, limiter.Allow("int-1"))

		limiter.SetLimit("int-1", Config{RatePerSecond: 100, Burst: 10})
		for i := 0; i < 10; i++ {
			assert.True(t, limiter.Allow("int-1"), "override burst request %d", i+1)
		}
	})

	t.Run("clearing override reverts to default", func(t *testing.T) {
		limiter := NewIntegrationLimiter(Config{RatePerSecond: 1, Burst: 1})
		limiter.SetLimit("int-1", Config{RatePerSecond: 100, Burst: 100})

		limiter.ClearLimit("int-1")
		assert.True(t, limiter.Allow("int-1"))
		assert.False(t, limiter.Allow("int-1"), "default burst of 1 applies again")
	})

	t.Run("zero default disables limiting", func(t *testing.T) {
		limiter := NewIntegrationLimiter(Config{})

		for i := 0; i < 50; i++ {
			assert.True(t, limiter.Allow("int-1"))
		}
	})
}
