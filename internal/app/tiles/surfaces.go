package tiles

import (
	"sync"

	"github.com/dkeye/callsession/internal/core"
)

// SurfaceTable tracks surfaces announced by the rendering layer.
type SurfaceTable struct {
	mu    sync.RWMutex
	items map[core.SurfaceHandle]struct{}
}

func NewSurfaceTable() *SurfaceTable {
	return &SurfaceTable{items: make(map[core.SurfaceHandle]struct{})}
}

func (s *SurfaceTable) Add(h core.SurfaceHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[h] = struct{}{}
}

func (s *SurfaceTable) Remove(h core.SurfaceHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, h)
}

func (s *SurfaceTable) Available(h core.SurfaceHandle) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[h]
	return ok
}

func (s *SurfaceTable) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
