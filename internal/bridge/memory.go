package bridge

import (
	"context"
	"sync/atomic"

	"routinely/internal/eventbus"
)

// MemoryBus carries messages over the in-process event bus.
type MemoryBus struct {
	bus    eventbus.Bus
	closed atomic.Bool
}

func NewMemoryBus(bus eventbus.Bus) *MemoryBus {
	if bus == nil {
		bus = eventbus.New()
	}
	return &MemoryBus{bus: bus}
}

func (b *MemoryBus) Publish(_ context.Context, m Message) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if err := m.Validate(); err != nil {
		return err
	}
	b.bus.Publish(eventbus.Event{Type: eventbus.BridgeSchedule, Time: m.SentAt, Data: m})
	return nil
}

func (b *MemoryBus) Consume(ctx context.Context, h Handler) error {
	if b.closed.Load() {
		return ErrClosed
	}
	ch, unsub := b.bus.Subscribe(32)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return ErrClosed
			}
			if ev.Type != eventbus.BridgeSchedule {
				continue
			}
			m, ok := ev.Data.(Message)
			if !ok {
				continue
			}
			_ = h(ctx, m)
		}
	}
}

func (b *MemoryBus) Close() error {
	b.closed.Store(true)
	return nil
}
