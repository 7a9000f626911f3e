package signal

import (
	"sync"
	"time"

	"github.com/dkeye/callsession/internal/core"
	"github.com/dkeye/callsession/internal/domain"
)

// JoinLimiter caps join attempts per user within a sliding window.
type JoinLimiter struct {
	mu       sync.Mutex
	history  map[domain.UserID][]time.Time
	limit    int
	interval time.Duration
	clock    core.Clock
}

func NewJoinLimiter(limit int, interval time.Duration, clock core.Clock) *JoinLimiter {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &JoinLimiter{
		history:  make(map[domain.UserID][]time.Time),
		limit:    limit,
		interval: interval,
		clock:    clock,
	}
}

func (rl *JoinLimiter) Allow(uid domain.UserID) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[uid]
	fresh := make([]time.Time, 0, len(attempts)+1)
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[uid] = fresh
		return false
	}

	rl.history[uid] = append(fresh, now)
	return true
}

// Forget drops the history of a user whose socket is gone.
func (rl *JoinLimiter) Forget(uid domain.UserID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.history, uid)
}
