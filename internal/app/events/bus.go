package events

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

const DefaultBuffer = 64

// Subscription is one ordered stream of events.
type Subscription struct {
	id      uint64
	ch      chan Event
	bus     *Bus
	once    sync.Once
	dropped atomic.Int64
}

// C delivers events in publish order. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped counts events discarded by a lossy policy.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) Close() { s.bus.remove(s) }

// PublishResult reports delivery stats/backpressure.
type PublishResult struct {
	SentTo  int
	Dropped int
	Closed  int
}

// Bus fans events out to subscribers without blocking the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	policy Policy
	closed bool
}

func NewBus(policy Policy) *Bus {
	if policy == nil {
		policy = SimplePolicy{}
	}
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		policy: policy,
	}
}

// Subscribe registers a consumer. buffer <= 0 uses DefaultBuffer.
// Subscribing to a closed bus yields an already-closed subscription.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &Subscription{id: b.nextID, ch: make(chan Event, buffer), bus: b}
	if b.closed {
		s.once.Do(func() { close(s.ch) })
		return s
	}
	b.subs[s.id] = s
	return s
}

func (b *Bus) Publish(ev Event) PublishResult {
	var res PublishResult
	var slow []*Subscription

	b.mu.RLock()
	for _, s := range b.subs {
		select {
		case s.ch <- ev:
			res.SentTo++
			continue
		default:
		}
		switch b.policy.OnBackPressure(s, ev) {
		case CloseSubscriber:
			slow = append(slow, s)
		case DropEvent:
			s.dropped.Add(1)
			res.Dropped++
		}
	}
	b.mu.RUnlock()

	// Cleanup is done outside the RLock.
	for _, s := range slow {
		log.Warn().Str("module", "events").Uint64("sub", s.id).Str("kind", string(ev.Kind())).Msg("closing slow subscriber")
		b.remove(s)
		res.Closed++
	}
	return res
}

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription. Later publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		s.once.Do(func() { close(s.ch) })
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s.id)
	s.once.Do(func() { close(s.ch) })
}
