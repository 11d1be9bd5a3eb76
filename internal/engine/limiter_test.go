package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/agentworkforce/relayboard/internal/clock"
)

func TestMoveLimiterWindowPerIdentityAndNote(t *testing.T) {
	c := clock.NewFake(testStart)
	l := NewMoveLimiter(c, 100*time.Millisecond)

	assert.True(t, l.Allow("user1", "n1"))
	assert.False(t, l.Allow("user1", "n1"))
	assert.True(t, l.Allow("user1", "n2"))
	assert.True(t, l.Allow("user2", "n1"))

	c.Advance(99 * time.Millisecond)
	assert.False(t, l.Allow("user1", "n1"))

	c.Advance(time.Millisecond)
	assert.True(t, l.Allow("user1", "n1"))
	assert.False(t, l.Allow("user1", "n1"))
}

func TestMoveLimiterRejectionsDoNotConsume(t *testing.T) {
	c := clock.NewFake(testStart)
	l := NewMoveLimiter(c, 100*time.Millisecond)

	assert.True(t, l.Allow("user1", "n1"))
	for i := 0; i < 9; i++ {
		c.Advance(10 * time.Millisecond)
		assert.False(t, l.Allow("user1", "n1"))
	}
	c.Advance(10 * time.Millisecond)
	assert.True(t, l.Allow("user1", "n1"))
}

func TestMoveLimiterRefund(t *testing.T) {
	c := clock.NewFake(testStart)
	l := NewMoveLimiter(c, 100*time.Millisecond)

	granted, ok := l.Take("user1", "n1")
	assert.True(t, ok)
	assert.False(t, l.Allow("user1", "n1"))
	l.Refund("user1", "n1", granted)
	assert.True(t, l.Allow("user1", "n1"))

	// a stale grant does not hand back the newer one
	c.Advance(100 * time.Millisecond)
	assert.True(t, l.Allow("user1", "n1"))
	l.Refund("user1", "n1", granted)
	assert.False(t, l.Allow("user1", "n1"))

	l.Refund("user9", "n9", granted)
	assert.True(t, l.Allow("user9", "n9"))
}

func TestMoveLimiterPrunesIdleKeys(t *testing.T) {
	c := clock.NewFake(testStart)
	l := NewMoveLimiter(c, 100*time.Millisecond)

	l.Allow("user1", "n1")
	l.Allow("user2", "n2")
	assert.Equal(t, 2, l.Len())

	c.Advance(2 * time.Minute)
	l.Allow("user3", "n3")
	assert.Equal(t, 1, l.Len())

	l.Allow("user3", "n4")
	l.Forget("n3")
	assert.Equal(t, 1, l.Len())
}

func TestRetryPolicyDelays(t *testing.T) {
	assert.Equal(t, 50*time.Millisecond, defaultRetryPolicy.delay(1))
	assert.Equal(t, 100*time.Millisecond, defaultRetryPolicy.delay(2))
	assert.Equal(t, 200*time.Millisecond, defaultRetryPolicy.delay(3))
}
