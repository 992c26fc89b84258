package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "routinely/pkg/logx"
)

func TestAddUpsertsAndRemoves(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop())
	noop := func(context.Context) error { return nil }
	if _, err := s.AddInterval("tick", time.Minute, 0, noop); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddInterval("tick", 2*time.Minute, 0, noop); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddDaily("midnight", "00:00", 0, noop); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 2 {
		t.Fatalf("schedules=%d, want 2", len(snap.Schedules))
	}
	if snap.Schedules[0].Spec != "@every 2m0s" || snap.Schedules[1].Spec != "0 0 * * *" {
		t.Fatalf("unexpected specs %+v", snap.Schedules)
	}
	if !s.Remove("tick") || s.Remove("tick") {
		t.Fatalf("Remove should succeed once")
	}
}

func TestAddRejectsBadInput(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop())
	noop := func(context.Context) error { return nil }
	if _, err := s.AddInterval("", time.Minute, 0, noop); err == nil {
		t.Fatal("expected error for empty name")
	}
	if _, err := s.AddInterval("x", 0, 0, noop); err == nil {
		t.Fatal("expected error for zero interval")
	}
	if _, err := s.AddCron("x", "not cron", 0, noop); err == nil {
		t.Fatal("expected error for invalid cron")
	}
	if _, err := s.AddDaily("x", "25:00", 0, noop); err == nil {
		t.Fatal("expected error for invalid HH:MM")
	}
}

func TestRunSkipsOverlapAndRecordsFailures(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	var calls atomic.Int32
	d := scheduleDef{name: "slow", timeout: time.Second, state: &runState{}, job: func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return errors.New("boom")
	}}

	go s.run(d)
	<-started
	s.run(d) // previous run still in flight
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for d.state.running.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls=%d, want 1", got)
	}
	if d.state.skips.Load() != 1 || d.state.fails.Load() != 1 {
		t.Fatalf("skips=%d fails=%d", d.state.skips.Load(), d.state.fails.Load())
	}
}

func TestIntervalJobFires(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop())
	fired := make(chan struct{}, 1)
	if _, err := s.AddInterval("fast", time.Second, time.Second, func(context.Context) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("interval job did not fire")
	}
}
