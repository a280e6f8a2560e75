package signal

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/aayush-trivedi/ambient/internal/domain"
)

// RateLimiter allows at most limit registrations per identity inside a
// sliding window of interval.
type RateLimiter struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	history  map[domain.PeerID][]time.Time
	limit    int
	interval time.Duration
}

func NewRateLimiter(limit int, interval time.Duration, clock clockwork.Clock) *RateLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RateLimiter{
		clock:    clock,
		history:  make(map[domain.PeerID][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *RateLimiter) Allow(id domain.PeerID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[id]
	fresh := make([]time.Time, 0, len(attempts)+1)
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[id] = fresh
		return false
	}

	rl.history[id] = append(fresh, now)
	return true
}
