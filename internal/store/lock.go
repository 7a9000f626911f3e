// Package store keeps the cross-instance claim that allows one live call
// session per user.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/callsession/internal/domain"
)

var (
	ErrSessionClaimed = errors.New("session already claimed by another owner")
	ErrNotOwner       = errors.New("claim is not held by this owner")
)

// SessionLock is a lease on a user's session. Claims expire after ttl
// unless refreshed. Claiming again with the same owner extends the lease.
type SessionLock interface {
	Claim(ctx context.Context, user domain.UserID, owner string, ttl time.Duration) error
	Refresh(ctx context.Context, user domain.UserID, owner string, ttl time.Duration) error
	Release(ctx context.Context, user domain.UserID, owner string) error
}
