package bridge

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	"routinely/internal/reminder"
	logx "routinely/pkg/logx"
)

// Mirror is a reminder.Source that forwards src and publishes the batch to
// the bridge whenever its content changes.
type Mirror struct {
	src   reminder.Source
	bus   Bus
	owner string
	now   func() time.Time
	log   logx.Logger

	mu   sync.Mutex
	hash uint64
	sent bool
}

// NewMirror stamps messages with now (time.Now when nil); Snapshot orders
// messages per owner by that stamp.
func NewMirror(src reminder.Source, bus Bus, ownerID string, now func() time.Time, log logx.Logger) *Mirror {
	if log.IsZero() {
		log = logx.Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &Mirror{src: src, bus: bus, owner: ownerID, now: now, log: log.With(logx.Component("bridge.mirror"))}
}

func (m *Mirror) Load(ctx context.Context) (reminder.Batch, error) {
	b, err := m.src.Load(ctx)
	if err != nil {
		return b, err
	}
	if err := m.publishIfChanged(ctx, b); err != nil {
		// The local loop still gets the batch.
		m.log.Warn("schedule publish failed", logx.Err(err))
	}
	return b, nil
}

func (m *Mirror) publishIfChanged(ctx context.Context, b reminder.Batch) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return err
	}
	h := fnv.New64a()
	_, _ = h.Write(raw)
	sum := h.Sum64()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sent && sum == m.hash {
		return nil
	}
	if err := m.bus.Publish(ctx, NewScheduleMessage(m.owner, b, m.now())); err != nil {
		return err
	}
	m.hash, m.sent = sum, true
	m.log.Debug("schedule published", logx.Int("routines", len(b.Routines)), logx.Int("events", len(b.CalendarEvents)))
	return nil
}
