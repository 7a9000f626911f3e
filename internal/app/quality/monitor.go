// Package quality samples transport stats and grades the connection.
package quality

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsession/internal/app/events"
	"github.com/dkeye/callsession/internal/core"
	"github.com/dkeye/callsession/internal/domain"
)

// Thresholds are the lower bounds of the fair and poor bands.
type Thresholds struct {
	FairLatency time.Duration
	PoorLatency time.Duration
	FairLoss    float64
	PoorLoss    float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		FairLatency: 150 * time.Millisecond,
		PoorLatency: 400 * time.Millisecond,
		FairLoss:    0.02,
		PoorLoss:    0.08,
	}
}

// Classify grades one sample by the worse of latency and loss.
func Classify(s domain.NetworkStats, t Thresholds) domain.Quality {
	switch {
	case s.Latency >= t.PoorLatency || s.PacketLoss >= t.PoorLoss:
		return domain.QualityPoor
	case s.Latency >= t.FairLatency || s.PacketLoss >= t.FairLoss:
		return domain.QualityFair
	default:
		return domain.QualityGood
	}
}

type Monitor struct {
	src        core.StatsSource
	bus        *events.Bus
	thresholds Thresholds
	interval   time.Duration
	clock      core.Clock

	mu      sync.Mutex
	current domain.Quality
	last    domain.NetworkStats
}

func NewMonitor(src core.StatsSource, bus *events.Bus, t Thresholds, interval time.Duration, clock core.Clock) *Monitor {
	if clock == nil {
		clock = core.RealClock{}
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Monitor{src: src, bus: bus, thresholds: t, interval: interval, clock: clock}
}

// Run samples every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	for {
		if _, err := m.Sample(ctx); err != nil && ctx.Err() == nil {
			log.Debug().Err(err).Str("module", "quality").Msg("stats sample failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(m.interval):
		}
	}
}

// Sample takes one reading and publishes a Quality event when the grade changes.
func (m *Monitor) Sample(ctx context.Context) (domain.Quality, error) {
	stats, err := m.src.Stats(ctx)
	if err != nil {
		return m.Current(), err
	}
	q := Classify(stats, m.thresholds)

	m.mu.Lock()
	changed := q != m.current
	m.current = q
	m.last = stats
	m.mu.Unlock()

	if changed {
		log.Info().Str("module", "quality").Str("quality", string(q)).
			Dur("latency", stats.Latency).Float64("loss", stats.PacketLoss).Msg("connection quality changed")
		if m.bus != nil {
			m.bus.Publish(events.Quality{Quality: q, Stats: stats})
		}
	}
	return q, nil
}

func (m *Monitor) Current() domain.Quality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Last is the most recent successful sample.
func (m *Monitor) Last() domain.NetworkStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Reset forgets the grade so the next session starts from unknown.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = domain.QualityUnknown
	m.last = domain.NetworkStats{}
}
