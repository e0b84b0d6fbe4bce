// Package ratelimit throttles authentication attempts per peer.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PeerLimiter applies a token bucket per peer and evicts buckets that have been idle for longer
// than the idle TTL.
type PeerLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu     sync.Mutex
	byPeer map[string]*bucket
	hits   uint64
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New returns a limiter permitting perSecond attempts per peer with the given burst. It returns
// nil, which allows everything, if perSecond or burst is not positive.
func New(perSecond float64, burst int, idleTTL time.Duration) *PeerLimiter {
	if perSecond <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &PeerLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		idleTTL: idleTTL,
		byPeer:  make(map[string]*bucket),
	}
}

// Allow reports whether peer may start an attempt at now.
func (l *PeerLimiter) Allow(peer string, now time.Time) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.byPeer[peer]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byPeer[peer] = b
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%512 == 0 {
		l.evictLocked(now)
	}
	return allowed
}

func (l *PeerLimiter) evictLocked(now time.Time) {
	cutoff := now.Add(-l.idleTTL)
	for peer, b := range l.byPeer {
		if b.lastSeen.Before(cutoff) {
			delete(l.byPeer, peer)
		}
	}
}

// Len returns the number of tracked peers.
func (l *PeerLimiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byPeer)
}
