// Package coretest holds in-memory fakes of the core interfaces for tests.
package coretest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/callsession/internal/core"
	"github.com/dkeye/callsession/internal/domain"
)

type Track struct {
	id      string
	kind    domain.MediaKind
	enabled atomic.Bool
	stopped atomic.Bool
}

func NewTrack(id string, kind domain.MediaKind) *Track {
	t := &Track{id: id, kind: kind}
	t.enabled.Store(true)
	return t
}

func (t *Track) ID() string              { return t.id }
func (t *Track) Kind() domain.MediaKind  { return t.kind }
func (t *Track) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *Track) Enabled() bool           { return t.enabled.Load() }
func (t *Track) Stop()                   { t.stopped.Store(true) }
func (t *Track) Stopped() bool           { return t.stopped.Load() }

type Handle struct {
	tracks []core.Track
	stops  atomic.Int32
}

func (h *Handle) Tracks() []core.Track { return h.tracks }

func (h *Handle) Stop() {
	h.stops.Add(1)
	for _, t := range h.tracks {
		t.Stop()
	}
}

// MediaDevices fails Open for the configured tiers ("full", "audio", "video").
type MediaDevices struct {
	mu      sync.Mutex
	Fail    map[string]error
	Known   map[domain.MediaKind][]string
	Opened  []core.Constraints
	handles []*Handle
	seq     int
}

func NewMediaDevices() *MediaDevices {
	return &MediaDevices{
		Fail: make(map[string]error),
		Known: map[domain.MediaKind][]string{
			domain.KindAudio:   {"mic-1", "mic-2"},
			domain.KindVideo:   {"cam-1", "cam-2"},
			domain.KindSpeaker: {"spk-1"},
		},
	}
}

func tierKey(c core.Constraints) string {
	switch {
	case c.Audio && c.Video:
		return "full"
	case c.Audio:
		return "audio"
	default:
		return "video"
	}
}

func (m *MediaDevices) Open(_ context.Context, c core.Constraints) (core.CaptureHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Opened = append(m.Opened, c)
	if err := m.Fail[tierKey(c)]; err != nil {
		return nil, err
	}
	m.seq++
	h := &Handle{}
	if c.Audio {
		h.tracks = append(h.tracks, NewTrack(fmt.Sprintf("audio-%d", m.seq), domain.KindAudio))
	}
	if c.Video {
		h.tracks = append(h.tracks, NewTrack(fmt.Sprintf("video-%d", m.seq), domain.KindVideo))
	}
	m.handles = append(m.handles, h)
	return h, nil
}

func (m *MediaDevices) Devices(kind domain.MediaKind) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Known[kind]
}

// LiveTracks counts tracks across every handle ever opened that are still running.
func (m *MediaDevices) LiveTracks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, h := range m.handles {
		for _, t := range h.tracks {
			if !t.Stopped() {
				n++
			}
		}
	}
	return n
}

func (m *MediaDevices) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Opened)
}
