package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"routinely/internal/eventbus"
	"routinely/internal/reminder"
	"routinely/internal/storage"
	logx "routinely/pkg/logx"
)

type memSink struct {
	name  string
	mu    sync.Mutex
	got   []string
	fails int // fail this many calls first
	block chan struct{}
}

func (m *memSink) Name() string { return m.name }

func (m *memSink) Show(ctx context.Context, p reminder.Payload) error {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fails > 0 {
		m.fails--
		return errors.New("unreachable")
	}
	m.got = append(m.got, p.Tag)
	return nil
}

func (m *memSink) tags() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.got...)
}

type memRecorder struct {
	mu   sync.Mutex
	rows []storage.Delivery
}

func (r *memRecorder) AppendDelivery(_ context.Context, d storage.Delivery) error {
	r.mu.Lock()
	r.rows = append(r.rows, d)
	r.mu.Unlock()
	return nil
}

func payload(tag string) reminder.Payload {
	return reminder.Payload{Title: reminder.TitleRoutine, Body: "x", Tag: tag, Data: reminder.PayloadData{Kind: reminder.KindRoutine, ID: "r1", OwnerID: "u1"}}
}

func fastConfig() Config {
	return Config{Enabled: true, Workers: 2, QueueSize: 8, RatePerSec: 100, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond, SendTimeout: time.Second}
}

func TestDeliverFansOutToAllSinks(t *testing.T) {
	t.Parallel()

	a, b := &memSink{name: "a"}, &memSink{name: "b", fails: 5}
	rec := &memRecorder{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	s := New("fg", fastConfig(), []Sink{a, b}, logx.Nop(), bus, rec)
	s.Start(context.Background())
	if err := s.Deliver(context.Background(), payload("k1")); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	if got := a.tags(); len(got) != 1 || got[0] != "k1" {
		t.Fatalf("sink a got %v", got)
	}
	if got := b.tags(); len(got) != 0 {
		t.Fatalf("failing sink b should show nothing, got %v", got)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.rows) != 2 {
		t.Fatalf("delivery rows=%d, want 2", len(rec.rows))
	}
	var okCount, failCount int
	for _, r := range rec.rows {
		if r.OK {
			okCount++
		} else {
			failCount++
			if r.Sink != "b" || r.Error == "" || r.Attempts != 1 {
				t.Fatalf("unexpected failed row %+v", r)
			}
		}
	}
	if okCount != 1 || failCount != 1 {
		t.Fatalf("ok=%d failed=%d", okCount, failCount)
	}

	var sent, failed int
	for len(events) > 0 {
		switch (<-events).Type {
		case eventbus.NotifierSent:
			sent++
		case eventbus.NotifierFailed:
			failed++
		}
	}
	if sent != 1 || failed != 1 {
		t.Fatalf("sent=%d failed=%d", sent, failed)
	}
}

func TestRetryRecoversTransientFailure(t *testing.T) {
	t.Parallel()

	sk := &memSink{name: "flaky", fails: 2}
	cfg := fastConfig()
	cfg.RetryMax = 2
	s := New("sweep", cfg, []Sink{sk}, logx.Nop(), nil, nil)
	s.Start(context.Background())
	if err := s.Deliver(context.Background(), payload("k")); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if got := sk.tags(); len(got) != 1 {
		t.Fatalf("got %v", got)
	}
}

func TestDeliverStates(t *testing.T) {
	t.Parallel()

	disabled := New("x", Config{}, []Sink{&memSink{name: "a"}}, logx.Nop(), nil, nil)
	if err := disabled.Deliver(context.Background(), payload("k")); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err=%v, want ErrDisabled", err)
	}

	empty := New("x", fastConfig(), nil, logx.Nop(), nil, nil)
	if err := empty.Deliver(context.Background(), payload("k")); !errors.Is(err, ErrNoSinks) {
		t.Fatalf("err=%v, want ErrNoSinks", err)
	}

	notStarted := New("x", fastConfig(), []Sink{&memSink{name: "a"}}, logx.Nop(), nil, nil)
	if err := notStarted.Deliver(context.Background(), payload("k")); !errors.Is(err, ErrStopped) {
		t.Fatalf("err=%v, want ErrStopped", err)
	}
}

func TestDeliverQueueFull(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	sk := &memSink{name: "slow", block: block}
	cfg := fastConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1
	s := New("fg", cfg, []Sink{sk}, logx.Nop(), nil, nil)
	s.Start(context.Background())
	defer func() {
		close(block)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	var full bool
	for i := 0; i < 5; i++ {
		if err := s.Deliver(context.Background(), payload("k")); errors.Is(err, ErrQueueFull) {
			full = true
			break
		}
	}
	if !full {
		t.Fatalf("expected ErrQueueFull with a blocked worker and a one-slot queue")
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()

	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 6; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("attempt %d: delay %s out of bounds", attempt, d)
		}
	}
	if d := retryDelay(cfg, 1); d < 70*time.Millisecond || d > 130*time.Millisecond {
		t.Fatalf("first delay %s outside jitter window", d)
	}
}
