package reminder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"routinely/internal/eventbus"
	logx "routinely/pkg/logx"
)

// Source supplies the current records on every tick. It is read-only to the loop.
type Source interface {
	Load(ctx context.Context) (Batch, error)
}

type SourceFunc func(ctx context.Context) (Batch, error)

func (f SourceFunc) Load(ctx context.Context) (Batch, error) { return f(ctx) }

// Deliverer hands a payload to the sinks. It may return before the sinks finish.
type Deliverer interface {
	Deliver(ctx context.Context, p Payload) error
}

type DelivererFunc func(ctx context.Context, p Payload) error

func (f DelivererFunc) Deliver(ctx context.Context, p Payload) error { return f(ctx, p) }

// Trigger registers recurring jobs. *scheduler.Service satisfies it.
type Trigger interface {
	AddInterval(name string, every, timeout time.Duration, job func(ctx context.Context) error) (string, error)
	AddDaily(name string, atHHMM string, timeout time.Duration, job func(ctx context.Context) error) (string, error)
	Remove(name string) bool
}

type State int32

const (
	StateIdle State = iota
	StateArmed
	StateTicking
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateTicking:
		return "ticking"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Bus payloads.
type (
	TickEvent struct {
		Loop     string `json:"loop"`
		Loaded   int    `json:"loaded"`
		Due      int    `json:"due"`
		Rejected int    `json:"rejected"`
	}
	DueEvent struct {
		Loop string `json:"loop"`
		Kind Kind   `json:"kind"`
		ID   string `json:"id"`
		Key  string `json:"key"`
	}
	SkippedEvent struct {
		Loop string `json:"loop"`
		Kind Kind   `json:"kind"`
		ID   string `json:"id"`
		Err  string `json:"err"`
	}
	ResetEvent struct {
		Loop string `json:"loop"`
		Date string `json:"date"`
	}
	PermissionEvent struct {
		Loop       string     `json:"loop"`
		Permission Permission `json:"permission"`
	}
	StateEvent struct {
		Loop  string `json:"loop"`
		State string `json:"state"`
	}
)

const (
	DefaultInterval    = time.Minute
	defaultTickTimeout = 30 * time.Second
)

type Option func(*Loop)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) {
		if now != nil {
			l.now = now
		}
	}
}

func WithLeadTime(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.lead = d
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.every = d
		}
	}
}

func WithTickTimeout(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.tickTimeout = d
		}
	}
}

func WithLogger(log logx.Logger) Option { return func(l *Loop) { l.log = log } }

func WithBus(bus eventbus.Bus) Option {
	return func(l *Loop) {
		if bus != nil {
			l.bus = bus
		}
	}
}

// Loop drives one execution context: it owns a Ledger and polls its Source.
type Loop struct {
	name   string
	src    Source
	gate   Capability
	ledger *Ledger
	out    Deliverer
	trig   Trigger

	now         func() time.Time
	lead        time.Duration
	every       time.Duration
	tickTimeout time.Duration
	log         logx.Logger
	bus         eventbus.Bus

	mu         sync.Mutex
	state      State
	explicit   bool // stopped by Stop, not by a permission change
	runCtx     context.Context
	cancel     context.CancelFunc
	parent     context.Context
	lastDenied Permission

	tickMu sync.Mutex
}

// NewLoop wires a loop. A nil ledger gets a fresh one; a nil trigger means
// the caller drives Tick itself.
func NewLoop(name string, src Source, capability Capability, ledger *Ledger, out Deliverer, trig Trigger, opts ...Option) *Loop {
	l := &Loop{
		name:        name,
		src:         src,
		gate:        capability,
		out:         out,
		trig:        trig,
		now:         time.Now,
		lead:        DefaultLeadTime,
		every:       DefaultInterval,
		tickTimeout: defaultTickTimeout,
		log:         logx.Nop(),
		bus:         eventbus.Nop(),
	}
	for _, o := range opts {
		o(l)
	}
	if l.gate == nil {
		l.gate = Static(PermissionGranted)
	}
	if ledger == nil {
		ledger = NewLedger(l.now())
	}
	l.ledger = ledger
	l.log = l.log.With(logx.Component("reminder"), logx.String("loop", name))
	return l
}

func (l *Loop) Name() string    { return l.name }
func (l *Loop) Ledger() *Ledger { return l.ledger }

func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Permission reports the capability's current state.
func (l *Loop) Permission(ctx context.Context) (Permission, error) {
	return l.gate.Permission(ctx)
}

// Start arms the loop when permission is granted. Without permission the loop
// stays Idle and the user is prompted once; only an unsupported host or a
// missing source is an error.
func (l *Loop) Start(ctx context.Context) error {
	if l.src == nil {
		return ErrNoSource
	}
	if l.out == nil {
		return errors.New("reminder: no deliverer")
	}
	perm, err := l.gate.Permission(ctx)
	if err != nil {
		return fmt.Errorf("reminder: %s: %w", l.name, err)
	}

	l.mu.Lock()
	l.parent = context.WithoutCancel(ctx)
	l.explicit = false
	if l.state == StateStopped {
		l.state = StateIdle
	}
	l.mu.Unlock()

	if perm != PermissionGranted {
		l.notePermission(ctx, perm)
		return nil
	}
	return l.arm()
}

// RequestPermission asks the host and re-evaluates the loop state.
func (l *Loop) RequestPermission(ctx context.Context) (Permission, error) {
	perm, err := l.gate.RequestPermission(ctx)
	if err != nil {
		return perm, err
	}
	return perm, l.Refresh(ctx)
}

// Refresh reconciles the loop with the capability: a grant arms an idle
// loop, a revocation stops an armed one. A loop stopped with Stop stays
// stopped until Start.
func (l *Loop) Refresh(ctx context.Context) error {
	perm, err := l.gate.Permission(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	state, explicit, started := l.state, l.explicit, l.parent != nil
	l.mu.Unlock()
	if !started || explicit {
		return nil
	}

	if perm == PermissionGranted {
		if state == StateIdle || state == StateStopped {
			return l.arm()
		}
		return nil
	}
	if state == StateArmed || state == StateTicking {
		l.log.Warn("notification permission revoked", logx.String("permission", string(perm)))
		l.disarm(false)
	}
	l.notePermission(ctx, perm)
	return nil
}

// Stop tears the loop down: trigger jobs are removed and deliveries that have
// not started are skipped.
func (l *Loop) Stop() {
	l.disarm(true)
}

func (l *Loop) arm() error {
	l.mu.Lock()
	if l.state == StateArmed || l.state == StateTicking {
		l.mu.Unlock()
		return nil
	}
	parent := l.parent
	if parent == nil {
		parent = context.Background()
	}
	runCtx, cancel := context.WithCancel(parent)
	l.runCtx, l.cancel = runCtx, cancel
	l.lastDenied = ""

	if l.trig != nil {
		if _, err := l.trig.AddInterval(l.jobName("tick"), l.every, l.tickTimeout, l.tickJob); err != nil {
			cancel()
			l.mu.Unlock()
			return fmt.Errorf("reminder: %s: register tick: %w", l.name, err)
		}
		if _, err := l.trig.AddDaily(l.jobName("midnight"), "00:00", l.tickTimeout, l.midnightJob); err != nil {
			l.trig.Remove(l.jobName("tick"))
			cancel()
			l.mu.Unlock()
			return fmt.Errorf("reminder: %s: register midnight reset: %w", l.name, err)
		}
	}
	l.setStateLocked(StateArmed)
	l.mu.Unlock()

	l.log.Info("loop armed", logx.Duration("every", l.every), logx.Duration("lead", l.lead))

	// Catch items due before the first interval boundary.
	if err := l.Tick(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		l.log.Warn("initial tick failed", logx.Err(err))
	}
	return nil
}

func (l *Loop) disarm(explicit bool) {
	l.mu.Lock()
	if explicit {
		l.explicit = true
	}
	if l.state == StateStopped {
		l.mu.Unlock()
		return
	}
	wasRunning := l.state == StateArmed || l.state == StateTicking
	if l.trig != nil && wasRunning {
		l.trig.Remove(l.jobName("tick"))
		l.trig.Remove(l.jobName("midnight"))
	}
	if l.cancel != nil {
		l.cancel()
	}
	l.setStateLocked(StateStopped)
	l.mu.Unlock()

	if wasRunning {
		l.log.Info("loop stopped", logx.Bool("explicit", explicit))
	}
}

func (l *Loop) jobName(suffix string) string { return "reminder." + l.name + "." + suffix }

func (l *Loop) tickJob(ctx context.Context) error {
	if err := l.Tick(ctx); err != nil && !errors.Is(err, ErrStopped) {
		return err
	}
	return nil
}

func (l *Loop) midnightJob(ctx context.Context) error {
	if l.ledger.ResetIfNewDay(l.now()) {
		l.noteReset()
	}
	return nil
}

// Tick runs one evaluation: reset on a new day, evaluate, mark every due key,
// then deliver in order. Marking happens under the tick lock before any
// delivery, so overlapping ticks cannot fire a key twice.
func (l *Loop) Tick(ctx context.Context) error {
	run := l.running()
	if run == nil {
		return ErrStopped
	}

	batch, err := l.src.Load(ctx)
	if err != nil {
		return fmt.Errorf("reminder: %s: load source: %w", l.name, err)
	}
	now := l.now()
	obligations, rejected := Project(batch, now, l.lead)
	for _, pe := range rejected {
		l.log.Warn("skipping malformed record", logx.String("kind", string(pe.Kind)), logx.String("id", pe.ID), logx.Err(pe.Err))
		l.bus.Publish(eventbus.Event{Type: eventbus.ReminderSkipped, Data: SkippedEvent{Loop: l.name, Kind: pe.Kind, ID: pe.ID, Err: pe.Err.Error()}})
	}

	l.tickMu.Lock()
	if run.Err() != nil {
		l.tickMu.Unlock()
		return ErrStopped
	}
	l.transition(StateArmed, StateTicking)
	reset := l.ledger.ResetIfNewDay(now)
	due := Evaluate(obligations, now, l.ledger)
	for _, o := range due {
		l.ledger.MarkFired(o.OccurrenceKey)
	}
	l.transition(StateTicking, StateArmed)
	l.tickMu.Unlock()

	if reset {
		l.noteReset()
	}
	l.bus.Publish(eventbus.Event{Type: eventbus.ReminderTick, Data: TickEvent{Loop: l.name, Loaded: batch.Len(), Due: len(due), Rejected: len(rejected)}})

	for i, o := range due {
		if ctx.Err() != nil || run.Err() != nil {
			l.log.Info("loop cancelled; skipping remaining deliveries", logx.Int("skipped", len(due)-i))
			break
		}
		l.bus.Publish(eventbus.Event{Type: eventbus.ReminderDue, Data: DueEvent{Loop: l.name, Kind: o.Kind, ID: o.ID, Key: o.OccurrenceKey}})
		l.log.Info("reminder due", logx.String("kind", string(o.Kind)), logx.String("id", o.ID), logx.String("key", o.OccurrenceKey))
		if err := l.out.Deliver(ctx, BuildPayload(o, l.lead)); err != nil {
			// The key stays fired.
			l.log.Warn("delivery failed", logx.String("key", o.OccurrenceKey), logx.Err(err))
		}
	}
	return nil
}

func (l *Loop) running() context.Context {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateArmed && l.state != StateTicking {
		return nil
	}
	return l.runCtx
}

func (l *Loop) transition(from, to State) {
	l.mu.Lock()
	if l.state == from {
		l.setStateLocked(to)
	}
	l.mu.Unlock()
}

func (l *Loop) setStateLocked(s State) {
	prev := l.state
	if prev == s {
		return
	}
	l.state = s
	// Tick flips are too chatty for the bus.
	if s == StateTicking || (prev == StateTicking && s == StateArmed) {
		return
	}
	l.bus.Publish(eventbus.Event{Type: eventbus.ReminderState, Data: StateEvent{Loop: l.name, State: s.String()}})
}

func (l *Loop) noteReset() {
	date := l.ledger.EpochDate()
	l.log.Info("ledger reset for new day", logx.String("date", date))
	l.bus.Publish(eventbus.Event{Type: eventbus.ReminderReset, Data: ResetEvent{Loop: l.name, Date: date}})
}

// notePermission surfaces a missing permission once per state.
func (l *Loop) notePermission(ctx context.Context, perm Permission) {
	l.mu.Lock()
	first := l.lastDenied != perm
	l.lastDenied = perm
	l.mu.Unlock()
	if !first {
		return
	}
	l.log.Warn("notifications not permitted; loop idle", logx.String("permission", string(perm)))
	l.bus.Publish(eventbus.Event{Type: eventbus.ReminderPermission, Data: PermissionEvent{Loop: l.name, Permission: perm}})
	if perm == PermissionDefault {
		if _, err := l.gate.RequestPermission(ctx); err != nil {
			l.log.Warn("permission prompt failed", logx.Err(err))
		}
	}
}
