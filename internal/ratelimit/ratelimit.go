// Package ratelimit implements per-client accept-time throttling, grounded
// on marmos91-dnfs/internal/ratelimiter: a golang.org/x/time/rate token
// bucket per remote address, sharded across a fixed number of buckets hashed
// with github.com/zeebo/xxh3 so no single mutex serializes every accept, the
// way x-stp-rxtls/internal/core/domain_extractor.go shards its per-URL state
// by xxh3.HashString.
package ratelimit

import (
	"sync"

	"github.com/zeebo/xxh3"
	"golang.org/x/time/rate"
)

const shardCount = 32

type shard struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Limiter rate-limits by remote address (the accepted socket's peer IP,
// without port), discarding idle per-IP limiters is intentionally skipped —
// per-process lifetime is short enough relative to the low cardinality of
// real client IPs that this does not need to be addressed yet.
type Limiter struct {
	rps    float64
	burst  int
	shards [shardCount]shard
}

// New builds a Limiter allowing burst immediate requests per IP, refilling
// at rps requests/second. rps <= 0 disables limiting entirely (Allow always
// reports true).
func New(rps float64, burst int) *Limiter {
	l := &Limiter{rps: rps, burst: burst}
	for i := range l.shards {
		l.shards[i].limiters = make(map[string]*rate.Limiter)
	}
	return l
}

// Allow reports whether a new connection from ip may be accepted right now,
// consuming one token from that IP's bucket if so.
func (l *Limiter) Allow(ip string) bool {
	if l == nil || l.rps <= 0 {
		return true
	}
	s := &l.shards[shardFor(ip)]
	s.mu.Lock()
	lim, ok := s.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.rps), l.burst)
		s.limiters[ip] = lim
	}
	s.mu.Unlock()
	return lim.Allow()
}

func shardFor(ip string) uint64 {
	return xxh3.HashString(ip) % shardCount
}
