package bus

import (
	"context"
	"iter"
	"sync"

	. "github.com/roelfdiedericks/clawcore/internal/logging"
)

// Error types
type busError string

func (e busError) Error() string { return string(e) }

// ErrClosed is returned by publish and consume calls after Close.
const ErrClosed busError = "event bus closed"

// Directions reported to the Observer.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// DefaultCapacity is the queue bound used when a Config field is zero.
const DefaultCapacity = 100

// Config bounds the bus queues.
type Config struct {
	InboundCapacity    int `json:"inboundCapacity" yaml:"inboundCapacity" toml:"inboundCapacity" env:"INBOUND_CAPACITY"`
	OutboundCapacity   int `json:"outboundCapacity" yaml:"outboundCapacity" toml:"outboundCapacity" env:"OUTBOUND_CAPACITY"`
	SubscriberCapacity int `json:"subscriberCapacity" yaml:"subscriberCapacity" toml:"subscriberCapacity" env:"SUBSCRIBER_CAPACITY"`
}

// Observer is notified after every successful publish.
type Observer interface {
	EventPublished(direction, channel string)
}

// Stats is a point-in-time view of the bus.
type Stats struct {
	InboundDepth  int `json:"inboundDepth"`
	OutboundDepth int `json:"outboundDepth"`
	Subscribers   int `json:"subscribers"`
}

// subscription is one active topic registration.
type subscription struct {
	id   uint64
	ch   chan InboundEvent
	done chan struct{} // closed when the consumer stops
}

// Bus is the event substrate between channel adapters and consumers.
type Bus struct {
	inbound  chan InboundEvent
	outbound chan OutboundEvent
	subCap   int
	observer Observer

	mu     sync.Mutex
	subs   map[string]map[uint64]*subscription // channel -> id -> sub
	nextID uint64

	closed    chan struct{}
	closeOnce sync.Once
}

// Option configures a Bus.
type Option func(*Bus)

// WithObserver reports publishes to o.
func WithObserver(o Observer) Option {
	return func(b *Bus) { b.observer = o }
}

// New creates a bus with the given queue bounds.
func New(cfg Config, opts ...Option) *Bus {
	if cfg.InboundCapacity <= 0 {
		cfg.InboundCapacity = DefaultCapacity
	}
	if cfg.OutboundCapacity <= 0 {
		cfg.OutboundCapacity = DefaultCapacity
	}
	if cfg.SubscriberCapacity <= 0 {
		cfg.SubscriberCapacity = DefaultCapacity
	}

	b := &Bus{
		inbound:  make(chan InboundEvent, cfg.InboundCapacity),
		outbound: make(chan OutboundEvent, cfg.OutboundCapacity),
		subCap:   cfg.SubscriberCapacity,
		subs:     make(map[string]map[uint64]*subscription),
		closed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// PublishInbound queues ev for NextInbound and copies it to every subscription
// active for ev.Channel. A full queue blocks the caller until space frees,
// ctx is done, or the bus closes. Once queued the publish has succeeded: a
// subscriber still full when ctx ends or the bus closes misses its copy.
func (b *Bus) PublishInbound(ctx context.Context, ev InboundEvent) error {
	if b.isClosed() {
		return ErrClosed
	}

	select {
	case b.inbound <- ev:
	case <-ctx.Done():
		return ctx.Err()
	case <-b.closed:
		return ErrClosed
	}

	dropped := 0
	for _, sub := range b.subscribers(ev.Channel) {
		if !b.deliver(ctx, sub, ev) {
			dropped++
		}
	}
	if dropped > 0 {
		L_warn("bus: subscriber copy dropped", "channel", ev.Channel, "session", ev.SessionID, "dropped", dropped)
	}

	if b.observer != nil {
		b.observer.EventPublished(DirectionInbound, ev.Channel)
	}
	L_trace("bus: inbound published", "channel", ev.Channel, "session", ev.SessionID)
	return nil
}

// deliver copies ev to sub, waiting for room until ctx is done or the bus
// closes. It reports false when the copy was dropped.
func (b *Bus) deliver(ctx context.Context, sub *subscription, ev InboundEvent) bool {
	select {
	case sub.ch <- ev:
		return true
	case <-sub.done:
		// consumer went away while we were waiting
		return true
	case <-ctx.Done():
	case <-b.closed:
	}
	select {
	case sub.ch <- ev:
		return true
	default:
		return false
	}
}

// PublishOutbound queues ev for NextOutbound. There is no topic fan-out.
func (b *Bus) PublishOutbound(ctx context.Context, ev OutboundEvent) error {
	if b.isClosed() {
		return ErrClosed
	}

	select {
	case b.outbound <- ev:
	case <-ctx.Done():
		return ctx.Err()
	case <-b.closed:
		return ErrClosed
	}

	if b.observer != nil {
		b.observer.EventPublished(DirectionOutbound, ev.Channel)
	}
	L_trace("bus: outbound published", "channel", ev.Channel, "target", ev.TargetID)
	return nil
}

// NextInbound blocks until an inbound event is available and removes it.
// After Close, already queued events are still returned before ErrClosed.
func (b *Bus) NextInbound(ctx context.Context) (InboundEvent, error) {
	select {
	case ev := <-b.inbound:
		return ev, nil
	case <-ctx.Done():
		return InboundEvent{}, ctx.Err()
	case <-b.closed:
		select {
		case ev := <-b.inbound:
			return ev, nil
		default:
			return InboundEvent{}, ErrClosed
		}
	}
}

// NextOutbound blocks until an outbound event is available and removes it.
func (b *Bus) NextOutbound(ctx context.Context) (OutboundEvent, error) {
	select {
	case ev := <-b.outbound:
		return ev, nil
	case <-ctx.Done():
		return OutboundEvent{}, ctx.Err()
	case <-b.closed:
		select {
		case ev := <-b.outbound:
			return ev, nil
		default:
			return OutboundEvent{}, ErrClosed
		}
	}
}

// Subscribe returns a sequence of inbound events for channel. Every range over
// the sequence registers its own subscription before yielding anything and
// removes it when the loop ends, whether by break, panic, ctx or Close.
func (b *Bus) Subscribe(ctx context.Context, channel string) iter.Seq[InboundEvent] {
	return func(yield func(InboundEvent) bool) {
		sub := b.addSubscription(channel)
		if sub == nil {
			return
		}
		defer b.removeSubscription(channel, sub)

		for {
			select {
			case ev := <-sub.ch:
				if !yield(ev) {
					return
				}
			case <-ctx.Done():
				return
			case <-b.closed:
				return
			}
		}
	}
}

// Stats returns current queue depths and the total subscriber count.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	b.mu.Unlock()

	return Stats{
		InboundDepth:  len(b.inbound),
		OutboundDepth: len(b.outbound),
		Subscribers:   n,
	}
}

// SubscriberCount returns the number of active subscriptions for channel.
func (b *Bus) SubscriberCount(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}

// Close stops the bus. Safe to call more than once.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.closed)
		L_debug("bus: closed")
	})
}

func (b *Bus) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}

func (b *Bus) addSubscription(channel string) *subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isClosed() {
		return nil
	}

	b.nextID++
	sub := &subscription{
		id:   b.nextID,
		ch:   make(chan InboundEvent, b.subCap),
		done: make(chan struct{}),
	}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[uint64]*subscription)
	}
	b.subs[channel][sub.id] = sub

	L_debug("bus: subscribed", "channel", channel, "subscriptionID", sub.id)
	return sub
}

func (b *Bus) removeSubscription(channel string, sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	close(sub.done)
	delete(b.subs[channel], sub.id)
	if len(b.subs[channel]) == 0 {
		delete(b.subs, channel)
	}
	L_debug("bus: unsubscribed", "channel", channel, "subscriptionID", sub.id)
}

// subscribers copies the subscriptions for channel so sends happen unlocked.
func (b *Bus) subscribers(channel string) []*subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[channel]
	if len(subs) == 0 {
		return nil
	}
	out := make([]*subscription, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub)
	}
	return out
}
