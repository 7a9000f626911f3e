package events

type BackpressureAction int

const (
	DropEvent BackpressureAction = iota
	CloseSubscriber
)

// Policy decides what happens to a subscriber whose buffer is full.
type Policy interface {
	OnBackPressure(sub *Subscription, ev Event) BackpressureAction
}

// SimplePolicy closes slow subscribers; a consumer that fell behind has
// lost ordering guarantees and must resubscribe and take a snapshot.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(*Subscription, Event) BackpressureAction {
	return CloseSubscriber
}

// LossyPolicy drops the event and keeps the subscriber.
type LossyPolicy struct{}

func (LossyPolicy) OnBackPressure(*Subscription, Event) BackpressureAction {
	return DropEvent
}
