package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"routinely/internal/eventbus"
	"routinely/internal/reminder"
	rtsup "routinely/internal/runtime/supervisor"
	"routinely/internal/storage"
	logx "routinely/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
	ErrNoSinks   = errors.New("notifier has no sinks")
)

// Recorder persists delivery outcomes. *storage.SQLStore satisfies it.
type Recorder interface {
	AppendDelivery(ctx context.Context, d storage.Delivery) error
}

type job struct {
	p        reminder.Payload
	queuedAt time.Time
}

// Service is an async delivery pipeline: queue, worker pool, rate limit,
// per-sink retry and concurrent sink fan-out. Safe for concurrent use.
type Service struct {
	mu sync.Mutex

	name  string
	log   logx.Logger
	bus   eventbus.Bus
	rec   Recorder
	sinks []Sink

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping
}

// New builds a notifier for one execution context. rec may be nil.
func New(name string, cfg Config, sinks []Sink, log logx.Logger, bus eventbus.Bus, rec Recorder) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		name:  name,
		log:   log.With(logx.Component("notifier"), logx.String("context", name)),
		bus:   bus,
		rec:   rec,
		sinks: append([]Sink(nil), sinks...),
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// SinkNames lists the configured sinks in fan-out order.
func (s *Service) SinkNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sinks))
	for _, sk := range s.sinks {
		out = append(out, sk.Name())
	}
	return out
}

// Apply swaps tuning at runtime. Queue size and worker count take effect on
// the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	s.cfg = cfg
	// Burst = rate so a tick with several due reminders is not serialized.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start is idempotent. It is a no-op when disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	// Workers outlive the caller's cancellation so Stop can drain.
	s.sup = rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(s.log))
	sup, q, workers := s.sup, s.queue, s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("notifier.%s.worker.%d", s.name, i), func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping || c.Err() != nil {
				return nil
			}
			return errors.New("notifier worker exited unexpectedly")
		})
	}
	s.log.Info("notifier started", logx.Int("workers", workers), logx.Strs("sinks", s.SinkNames()))
}

// Stop refuses new payloads and drains accepted ones until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
		s.log.Info("notifier stopped")
	case <-ctx.Done():
		sup.Cancel()
		s.log.Warn("notifier stop deadline reached; pending deliveries abandoned")
	}
}

// Deliver enqueues p for every sink. It never waits for the sinks.
func (s *Service) Deliver(ctx context.Context, p reminder.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if len(s.sinks) == 0 {
		s.mu.Unlock()
		return ErrNoSinks
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- job{p: p, queuedAt: time.Now()}:
		return nil
	default:
		s.bus.Publish(eventbus.Event{Type: eventbus.NotifierDropped, Data: s.event("", p, 0, ErrQueueFull)})
		return ErrQueueFull
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.fanOut(ctx, j)
		}
	}
}

// fanOut shows j on every sink concurrently. Each sink retries on its own.
func (s *Service) fanOut(ctx context.Context, j job) {
	s.mu.Lock()
	sinks := append([]Sink(nil), s.sinks...)
	s.mu.Unlock()

	var g errgroup.Group
	for _, sk := range sinks {
		g.Go(func() error {
			attempts, err := s.sendWithRetry(ctx, sk, j.p)
			s.report(ctx, sk.Name(), j.p, attempts, err)
			if err != nil {
				return &DeliveryError{Sink: sk.Name(), Tag: j.p.Tag, Err: err}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.log.Debug("fan-out finished with failures", logx.String("tag", j.p.Tag), logx.Duration("latency", time.Since(j.queuedAt)), logx.Err(err))
	}
}

func (s *Service) sendWithRetry(ctx context.Context, sk Sink, p reminder.Payload) (int, error) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return attempt - 1, err
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := sk.Show(callCtx, p)
		cancel()
		if err == nil {
			return attempt, nil
		}
		lastErr = err
		s.log.Debug("sink send failed", logx.String("sink", sk.Name()), logx.Int("attempt", attempt), logx.Int("max", maxAttempts), logx.Err(err))
		if attempt >= maxAttempts {
			break
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return attempt, lastErr
		}
	}
	return maxAttempts, lastErr
}

func (s *Service) report(ctx context.Context, sink string, p reminder.Payload, attempts int, err error) {
	typ := eventbus.NotifierSent
	if err != nil {
		typ = eventbus.NotifierFailed
		s.log.Warn("delivery failed", logx.String("sink", sink), logx.String("tag", p.Tag), logx.Int("attempts", attempts), logx.Err(err))
	}
	ev := s.event(sink, p, attempts, err)
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})

	if s.rec == nil {
		return
	}
	d := storage.Delivery{
		Context:  s.name,
		Sink:     sink,
		Tag:      p.Tag,
		Kind:     string(p.Data.Kind),
		ItemID:   p.Data.ID,
		OwnerID:  p.Data.OwnerID,
		OK:       err == nil,
		Error:    ev.Error,
		Attempts: attempts,
		At:       ev.At,
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if rerr := s.rec.AppendDelivery(rctx, d); rerr != nil {
		s.log.Warn("delivery log append failed", logx.Err(rerr))
	}
}

func (s *Service) event(sink string, p reminder.Payload, attempts int, err error) DeliveryEvent {
	ev := DeliveryEvent{
		Context:  s.name,
		Sink:     sink,
		Tag:      p.Tag,
		Kind:     p.Data.Kind,
		ID:       p.Data.ID,
		OwnerID:  p.Data.OwnerID,
		Attempts: attempts,
		At:       time.Now(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// retryDelay is the wait before attempt+1: exponential from RetryBase,
// capped at RetryMaxDelay, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > maxD {
		d = maxD
	}
	return d
}
