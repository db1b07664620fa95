package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/roelfdiedericks/clawcore/internal/bus"
	. "github.com/roelfdiedericks/clawcore/internal/logging"
)

// DeliverFunc hands one outbound event to a channel adapter.
type DeliverFunc func(ctx context.Context, ev bus.OutboundEvent) error

// Dispatcher is the single NextOutbound consumer. It routes each event to
// the adapter registered for its channel name.
type Dispatcher struct {
	bus *bus.Bus

	mu     sync.RWMutex
	routes map[string]DeliverFunc
}

// NewDispatcher creates a dispatcher with no routes.
func NewDispatcher(b *bus.Bus) *Dispatcher {
	return &Dispatcher{bus: b, routes: make(map[string]DeliverFunc)}
}

// Register routes channel to fn, replacing any previous route. The returned
// func removes the route.
func (d *Dispatcher) Register(channel string, fn DeliverFunc) func() {
	key := strings.ToLower(channel)
	d.mu.Lock()
	d.routes[key] = fn
	d.mu.Unlock()
	L_debug("dispatcher: route registered", "channel", key)

	return func() {
		d.mu.Lock()
		delete(d.routes, key)
		d.mu.Unlock()
	}
}

// Channels returns the registered channel names.
func (d *Dispatcher) Channels() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.routes))
	for name := range d.routes {
		names = append(names, name)
	}
	return names
}

// Run delivers outbound events until ctx is done or the bus closes.
// Events for channels with no route are logged and dropped.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		ev, err := d.bus.NextOutbound(ctx)
		if err != nil {
			if errors.Is(err, bus.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := d.deliver(ctx, ev); err != nil {
			L_warn("dispatcher: delivery failed", "channel", ev.Channel, "target", ev.TargetID, "error", err)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev bus.OutboundEvent) (err error) {
	d.mu.RLock()
	fn, ok := d.routes[strings.ToLower(ev.Channel)]
	d.mu.RUnlock()
	if !ok {
		L_warn("dispatcher: no route for channel, dropping", "channel", ev.Channel, "len", len(ev.Text))
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("deliver panic: %v", r)
		}
	}()
	return fn(ctx, ev)
}
