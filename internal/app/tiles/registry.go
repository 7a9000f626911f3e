// Package tiles binds video tiles to rendering surfaces.
package tiles

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsession/internal/core"
	"github.com/dkeye/callsession/internal/domain"
)

type binding struct {
	surface core.SurfaceHandle
	bound   bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Registry keeps at most one binding per tile. Renderer calls happen under
// the registry lock, so a cancelled retry can never bind after its replacement.
type Registry struct {
	renderer core.TileRenderer
	surfaces core.SurfaceResolver
	policy   RetryPolicy
	clock    core.Clock

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	bindings map[domain.TileID]*binding
}

func NewRegistry(renderer core.TileRenderer, surfaces core.SurfaceResolver, policy RetryPolicy, clock core.Clock) *Registry {
	if clock == nil {
		clock = core.RealClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		renderer: renderer,
		surfaces: surfaces,
		policy:   policy.normalized(),
		clock:    clock,
		ctx:      ctx,
		cancel:   cancel,
		bindings: make(map[domain.TileID]*binding),
	}
}

// Bind attaches tileID to surface, retrying while the surface does not exist
// yet. Binding a tile to the surface it already has is a no-op; binding it to
// another surface replaces the previous binding.
func (r *Registry) Bind(tileID domain.TileID, surface core.SurfaceHandle) {
	r.mu.Lock()
	if b, ok := r.bindings[tileID]; ok {
		if b.surface == surface {
			r.mu.Unlock()
			return
		}
		r.dropLocked(tileID, b)
	}
	if r.ctx.Err() != nil {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(r.ctx)
	b := &binding{surface: surface, cancel: cancel, done: make(chan struct{})}
	r.bindings[tileID] = b
	r.mu.Unlock()

	go r.attempt(ctx, tileID, b)
}

func (r *Registry) attempt(ctx context.Context, tileID domain.TileID, b *binding) {
	defer close(b.done)
	logger := log.With().Str("module", "tiles").Int("tile", int(tileID)).Str("surface", string(b.surface)).Logger()

	for i := 1; ; i++ {
		if r.tryBind(ctx, tileID, b) {
			return
		}
		if i >= r.policy.MaxAttempts {
			logger.Warn().Int("attempts", i).Msg("surface never became available, giving up")
			r.mu.Lock()
			if r.bindings[tileID] == b {
				delete(r.bindings, tileID)
			}
			r.mu.Unlock()
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-r.clock.After(r.policy.Interval):
		}
	}
}

// tryBind reports true when no further attempts are needed.
func (r *Registry) tryBind(ctx context.Context, tileID domain.TileID, b *binding) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx.Err() != nil || r.bindings[tileID] != b {
		return true
	}
	if !r.surfaces.Available(b.surface) {
		return false
	}
	if err := r.renderer.BindVideoTile(tileID, b.surface); err != nil {
		log.Debug().Err(err).Str("module", "tiles").Int("tile", int(tileID)).Msg("bind failed, will retry")
		return false
	}
	b.bound = true
	log.Debug().Str("module", "tiles").Int("tile", int(tileID)).Str("surface", string(b.surface)).Msg("tile bound")
	return true
}

// Unbind cancels any pending retry and always asks the renderer to release
// the tile, whether or not a bind ever completed.
func (r *Registry) Unbind(tileID domain.TileID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.bindings[tileID]; ok {
		r.dropLocked(tileID, b)
		return
	}
	r.unbindLocked(tileID)
}

// UnbindSurface releases every tile bound or waiting for surface.
func (r *Registry) UnbindSurface(surface core.SurfaceHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, b := range r.bindings {
		if b.surface == surface {
			r.dropLocked(id, b)
		}
	}
}

// UnbindAll releases every tile and waits for pending retries to stop.
func (r *Registry) UnbindAll() {
	r.mu.Lock()
	waits := make([]chan struct{}, 0, len(r.bindings))
	for id, b := range r.bindings {
		waits = append(waits, b.done)
		r.dropLocked(id, b)
	}
	r.mu.Unlock()
	for _, done := range waits {
		<-done
	}
}

// Close releases everything and refuses later binds.
func (r *Registry) Close() {
	r.cancel()
	r.UnbindAll()
}

func (r *Registry) dropLocked(tileID domain.TileID, b *binding) {
	b.cancel()
	delete(r.bindings, tileID)
	r.unbindLocked(tileID)
}

func (r *Registry) unbindLocked(tileID domain.TileID) {
	if err := r.renderer.UnbindVideoTile(tileID); err != nil {
		log.Debug().Err(err).Str("module", "tiles").Int("tile", int(tileID)).Msg("unbind failed")
	}
}

// Active lists tiles with a completed binding.
func (r *Registry) Active() []domain.TileID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.TileID
	for id, b := range r.bindings {
		if b.bound {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Pending counts binds still waiting for their surface.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.bindings {
		if !b.bound {
			n++
		}
	}
	return n
}

// SurfaceOf returns the surface a tile is bound or waiting for.
func (r *Registry) SurfaceOf(tileID domain.TileID) (core.SurfaceHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[tileID]
	if !ok {
		return "", false
	}
	return b.surface, true
}
