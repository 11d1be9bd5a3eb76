package engine

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentworkforce/relayboard/internal/clock"
)

const (
	DefaultMoveInterval = 100 * time.Millisecond
	moveLimiterIdleTTL  = time.Minute
)

// MoveLimiter admits at most one move per (identity, note) pair per
// interval. Each pair owns a token bucket with burst 1; rejected calls do
// not consume a token, and moves that fail hand theirs back via Refund.
type MoveLimiter struct {
	mu        sync.Mutex
	clock     clock.Clock
	interval  time.Duration
	buckets   map[moveKey]*moveBucket
	lastPrune time.Time
}

type moveKey struct {
	identity string
	noteID   string
}

type moveBucket struct {
	limiter   *rate.Limiter
	lastSeen  time.Time
	grantedAt time.Time
}

func NewMoveLimiter(c clock.Clock, interval time.Duration) *MoveLimiter {
	if interval <= 0 {
		interval = DefaultMoveInterval
	}
	c = clock.OrReal(c)
	return &MoveLimiter{
		clock:     c,
		interval:  interval,
		buckets:   map[moveKey]*moveBucket{},
		lastPrune: c.Now(),
	}
}

func (l *MoveLimiter) Allow(identity, noteID string) bool {
	_, ok := l.Take(identity, noteID)
	return ok
}

// Take consumes the pair's token and reports when it was granted. Pass the
// grant time to Refund if the move did not happen.
func (l *MoveLimiter) Take(identity, noteID string) (time.Time, bool) {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastPrune) >= moveLimiterIdleTTL {
		l.pruneLocked(now)
	}
	key := moveKey{identity: identity, noteID: noteID}
	bucket, ok := l.buckets[key]
	if !ok {
		bucket = &moveBucket{limiter: l.newBucketLimiter()}
		l.buckets[key] = bucket
	}
	bucket.lastSeen = now
	if !bucket.limiter.AllowN(now, 1) {
		return time.Time{}, false
	}
	bucket.grantedAt = now
	return now, true
}

// Refund returns the token granted at grantedAt. It is a no-op once a later
// grant has replaced it.
func (l *MoveLimiter) Refund(identity, noteID string, grantedAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bucket, ok := l.buckets[moveKey{identity: identity, noteID: noteID}]
	if !ok || !bucket.grantedAt.Equal(grantedAt) {
		return
	}
	// burst is 1, so a fresh bucket holds exactly the refunded token.
	bucket.limiter = l.newBucketLimiter()
	bucket.grantedAt = time.Time{}
}

func (l *MoveLimiter) newBucketLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(l.interval), 1)
}

// Forget drops every bucket for noteID, used once the note is deleted.
func (l *MoveLimiter) Forget(noteID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.buckets {
		if key.noteID == noteID {
			delete(l.buckets, key)
		}
	}
}

func (l *MoveLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *MoveLimiter) pruneLocked(now time.Time) {
	for key, bucket := range l.buckets {
		if now.Sub(bucket.lastSeen) >= moveLimiterIdleTTL {
			delete(l.buckets, key)
		}
	}
	l.lastPrune = now
}
