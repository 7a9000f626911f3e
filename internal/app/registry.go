package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsession/internal/app/session"
	"github.com/dkeye/callsession/internal/core"
	"github.com/dkeye/callsession/internal/domain"
	"github.com/dkeye/callsession/internal/store"
)

var ErrUnknownUser = errors.New("unknown user")

// ConnectionFactory builds the session of one user.
type ConnectionFactory func(user *domain.User) (*session.Connection, error)

type sessionEntry struct {
	Conn   *session.Connection
	Cancel context.CancelFunc
}

// Registry keeps at most one session per user. The claim in the SessionLock
// extends that rule across instances.
type Registry struct {
	factory ConnectionFactory
	lock    store.SessionLock
	ttl     time.Duration
	clock   core.Clock
	owner   string

	open     sync.Mutex
	mu       sync.RWMutex
	sessions map[domain.UserID]*sessionEntry
	users    map[domain.UserID]*domain.User
}

func NewRegistry(factory ConnectionFactory, lock store.SessionLock, ttl time.Duration, clock core.Clock) *Registry {
	if clock == nil {
		clock = core.RealClock{}
	}
	if lock == nil {
		lock = store.NewMemoryLock(clock)
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Registry{
		factory:  factory,
		lock:     lock,
		ttl:      ttl,
		clock:    clock,
		owner:    uuid.NewString(),
		sessions: make(map[domain.UserID]*sessionEntry),
		users:    make(map[domain.UserID]*domain.User),
	}
}

// Owner identifies this instance in session claims.
func (r *Registry) Owner() string { return r.owner }

func (r *Registry) GetOrCreateUser(id domain.UserID) *domain.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[id]; ok {
		return u
	}
	u := domain.NewGuest(id)
	r.users[id] = u
	log.Info().Str("module", "app.registry").Str("user", string(id)).Msg("created new user")
	return u
}

// User returns a copy of the user record.
func (r *Registry) User(id domain.UserID) (domain.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return domain.User{}, false
	}
	return *u, true
}

func (r *Registry) UpdateUsername(id domain.UserID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return ErrUnknownUser
	}
	if err := u.SetUsername(name); err != nil {
		return err
	}
	log.Info().Str("module", "app.registry").Str("user", string(id)).Str("username", name).Msg("updated username")
	return nil
}

// Open returns the user's session, creating it when absent.
func (r *Registry) Open(ctx context.Context, user *domain.User) (*session.Connection, error) {
	r.open.Lock()
	defer r.open.Unlock()

	if conn, ok := r.Get(user.ID); ok {
		return conn, nil
	}
	if err := r.lock.Claim(ctx, user.ID, r.owner, r.ttl); err != nil {
		return nil, fmt.Errorf("claim session: %w", err)
	}
	conn, err := r.factory(user)
	if err != nil {
		_ = r.lock.Release(ctx, user.ID, r.owner)
		return nil, fmt.Errorf("create session: %w", err)
	}

	refreshCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.sessions[user.ID] = &sessionEntry{Conn: conn, Cancel: cancel}
	r.mu.Unlock()
	go r.keepClaim(refreshCtx, user.ID)

	log.Info().Str("module", "app.registry").Str("user", string(user.ID)).Msg("opened session")
	return conn, nil
}

// keepClaim refreshes the claim at half its ttl. Losing the claim closes the
// local session so two instances never run one user's call together.
func (r *Registry) keepClaim(ctx context.Context, id domain.UserID) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.clock.After(r.ttl / 2):
		}
		err := r.lock.Refresh(ctx, id, r.owner, r.ttl)
		switch {
		case err == nil:
		case errors.Is(err, store.ErrNotOwner):
			log.Warn().Str("module", "app.registry").Str("user", string(id)).Msg("session claim lost, closing")
			go r.Close(context.Background(), id)
			return
		case ctx.Err() != nil:
			return
		default:
			log.Warn().Err(err).Str("module", "app.registry").Str("user", string(id)).Msg("refresh claim failed")
		}
	}
}

func (r *Registry) Get(id domain.UserID) (*session.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[id]; ok {
		return e.Conn, true
	}
	return nil, false
}

// Close leaves and discards the user's session. It reports whether one existed.
func (r *Registry) Close(ctx context.Context, id domain.UserID) bool {
	r.mu.Lock()
	e, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	e.Cancel()
	e.Conn.Close(ctx)
	if err := r.lock.Release(ctx, id, r.owner); err != nil {
		log.Warn().Err(err).Str("module", "app.registry").Str("user", string(id)).Msg("release claim failed")
	}
	log.Info().Str("module", "app.registry").Str("user", string(id)).Msg("closed session")
	return true
}

func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.RLock()
	ids := make([]domain.UserID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id domain.UserID) {
			defer wg.Done()
			r.Close(ctx, id)
		}(id)
	}
	wg.Wait()
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Run blocks until ctx is done, then closes every session.
func (r *Registry) Run(ctx context.Context) error {
	<-ctx.Done()
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.CloseAll(shutdown)
	return nil
}
