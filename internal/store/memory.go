package store

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/callsession/internal/core"
	"github.com/dkeye/callsession/internal/domain"
)

type lease struct {
	owner   string
	expires time.Time
}

// MemoryLock is a SessionLock for a single instance.
type MemoryLock struct {
	clock core.Clock

	mu     sync.Mutex
	leases map[domain.UserID]lease
}

func NewMemoryLock(clock core.Clock) *MemoryLock {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &MemoryLock{clock: clock, leases: make(map[domain.UserID]lease)}
}

func (m *MemoryLock) Claim(_ context.Context, user domain.UserID, owner string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	if l, ok := m.leases[user]; ok && l.owner != owner && now.Before(l.expires) {
		return ErrSessionClaimed
	}
	m.leases[user] = lease{owner: owner, expires: now.Add(ttl)}
	return nil
}

func (m *MemoryLock) Refresh(_ context.Context, user domain.UserID, owner string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	l, ok := m.leases[user]
	if !ok || l.owner != owner || !now.Before(l.expires) {
		return ErrNotOwner
	}
	l.expires = now.Add(ttl)
	m.leases[user] = l
	return nil
}

// Release is a no-op when the lease belongs to someone else or has expired.
func (m *MemoryLock) Release(_ context.Context, user domain.UserID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.leases[user]; ok && l.owner == owner {
		delete(m.leases, user)
	}
	return nil
}

var _ SessionLock = (*MemoryLock)(nil)
