// Package app wires the reminder contexts, their delivery pipelines and the
// host surfaces into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"routinely/internal/bridge"
	"routinely/internal/calendar"
	"routinely/internal/config"
	"routinely/internal/eventbus"
	"routinely/internal/httpapi"
	"routinely/internal/metrics"
	"routinely/internal/notifier"
	"routinely/internal/notifier/webpush"
	"routinely/internal/reminder"
	"routinely/internal/runtime/supervisor"
	"routinely/internal/source"
	"routinely/internal/sse"
	"routinely/internal/storage"
	"routinely/internal/task/scheduler"
	"routinely/internal/transport/telegram"
	logx "routinely/pkg/logx"
)

// Mode selects which contexts a process runs.
type Mode string

const (
	// ModeServe runs every enabled context plus the HTTP API.
	ModeServe Mode = "serve"
	// ModeWorker runs only the background context fed by the bridge.
	ModeWorker Mode = "worker"
	// ModeSweep runs one sweep tick and exits.
	ModeSweep Mode = "sweep"
	// ModeImport opens the store only.
	ModeImport Mode = "import"
)

const (
	ContextForeground = "foreground"
	ContextBackground = "background"
	ContextSweep      = "sweep"
)

var ErrNoStorage = errors.New("app: storage is required")

type Options struct {
	Mode Mode
	// Now overrides the clock of every reminder loop.
	Now func() time.Time
}

// execContext is one reminder loop with its own ledger and notifier.
type execContext struct {
	name  string
	loop  *reminder.Loop
	notif *notifier.Service
}

type App struct {
	mode Mode
	now  func() time.Time

	cfgm *config.Manager
	cfg  *config.Config
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	sched    *scheduler.Service
	metrics  *metrics.Metrics
	broker   *sse.Broker
	tg       *telegram.Adapter
	push     *webpush.Sink
	bridge   bridge.Bus
	snapshot *bridge.Snapshot
	syncer   *calendar.Syncer
	perm     *reminder.Switch
	loopCfg  loopSettings

	contexts []*execContext
	sd       *systemdNotifier

	stopOnce sync.Once
}

// New loads the config and builds every component the mode needs. Nothing
// runs until Start.
func New(ctx context.Context, cfgPath string, opts Options) (*App, error) {
	if opts.Mode == "" {
		opts.Mode = ModeServe
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logs, log := logx.NewService(mapLogging(cfg))
	a := &App{
		mode:    opts.Mode,
		now:     opts.Now,
		cfgm:    cfgm,
		cfg:     cfg,
		logs:    logs,
		log:     log.With(logx.Component("app"), logx.String("mode", string(opts.Mode))),
		bus:     eventbus.New(),
		metrics: metrics.New(),
		sd:      newSystemdNotifier(cfg.Systemd, log.With(logx.Component("systemd"))),
	}
	if err := a.build(ctx); err != nil {
		a.closeResources()
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	if a.store, err = storage.Open(ctx, sc, a.log); err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	if a.store != nil {
		ccfg, err := mapCalendarConfig(cfg)
		if err != nil {
			return err
		}
		a.syncer = calendar.NewSyncer(ccfg, a.store, a.log)
	}
	if a.mode == ModeImport {
		return nil
	}

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	a.sched = scheduler.New(schedCfg, a.log.With(logx.Component("scheduler")))

	if a.loopCfg, err = mapLoopSettings(cfg); err != nil {
		return err
	}

	if a.mode == ModeServe && cfg.HTTP.Enabled {
		_, keepAlive, err := mapHTTPConfig(cfg)
		if err != nil {
			return err
		}
		a.broker = sse.NewBroker(keepAlive)
	}

	if cfg.Telegram.Enabled {
		tcfg, err := mapTelegramConfig(cfg)
		if err != nil {
			return err
		}
		if a.tg, err = telegram.New(tcfg, a.log); err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
	}

	if cfg.WebPush.Enabled {
		if a.store == nil {
			return fmt.Errorf("webpush: %w", ErrNoStorage)
		}
		wcfg, err := mapWebPushConfig(cfg)
		if err != nil {
			return err
		}
		a.push = webpush.New(wcfg, a.store, a.log)
	}

	if a.mode != ModeSweep {
		if err := a.openBridge(); err != nil {
			return err
		}
	}
	return a.buildContexts()
}

func (a *App) openBridge() error {
	switch bridgeDriver(a.cfg) {
	case "none":
		return nil
	case "amqp":
		b, err := bridge.DialAMQP(mapAMQPConfig(a.cfg), a.log)
		if err != nil {
			return fmt.Errorf("bridge: %w", err)
		}
		a.bridge = b
	default:
		if a.mode == ModeWorker {
			a.log.Warn("worker with the in-memory bridge receives nothing; set bridge.driver=amqp")
		}
		a.bridge = bridge.NewMemoryBus(a.bus)
	}
	return nil
}

func (a *App) buildContexts() error {
	r := a.cfg.Reminders

	if a.mode == ModeServe && r.Foreground.Enabled {
		if err := a.buildForeground(r.Foreground); err != nil {
			return fmt.Errorf("foreground: %w", err)
		}
	}
	if (a.mode == ModeServe || a.mode == ModeWorker) && r.Background.Enabled {
		if err := a.buildBackground(r.Background); err != nil {
			return fmt.Errorf("background: %w", err)
		}
	}
	if a.mode == ModeSweep || (a.mode == ModeServe && r.Sweep.Enabled) {
		if err := a.buildSweep(r.Sweep); err != nil {
			return fmt.Errorf("sweep: %w", err)
		}
	}
	if len(a.contexts) == 0 {
		a.log.Warn("no reminder context enabled")
	}
	return nil
}

// buildForeground reads the configured owner's records from the store,
// mirrors them to the bridge and asks the browser for permission.
func (a *App) buildForeground(c config.ContextConfig) error {
	if a.store == nil {
		return ErrNoStorage
	}
	owner := strings.TrimSpace(a.cfg.OwnerID)
	if owner == "" {
		return errors.New("owner_id is required")
	}
	initial, err := contextPermission(c, reminder.PermissionDefault)
	if err != nil {
		return err
	}

	var src reminder.Source = source.Owner{Store: a.store, OwnerID: owner, Now: a.now}
	if a.bridge != nil {
		src = bridge.NewMirror(src, a.bridge, owner, a.now, a.log)
	}

	var prompters reminder.Prompters
	if a.broker != nil {
		prompters = append(prompters, a.broker)
	}
	if a.tg != nil {
		prompters = append(prompters, a.tg)
	}
	a.perm = reminder.NewSwitch(initial, prompters)

	return a.addContext(ContextForeground, src, a.perm, contextSinks(c, "sse"), a.sched)
}

// buildBackground keeps the latest schedule per owner received over the
// bridge.
func (a *App) buildBackground(c config.ContextConfig) error {
	if a.bridge == nil {
		return errors.New("bridge.driver is none")
	}
	perm, err := contextPermission(c, reminder.PermissionGranted)
	if err != nil {
		return err
	}
	a.snapshot = bridge.NewSnapshot()
	return a.addContext(ContextBackground, a.snapshot, reminder.Static(perm), contextSinks(c, "telegram", "log"), a.sched)
}

// buildSweep scans every owner's records for today.
func (a *App) buildSweep(c config.ContextConfig) error {
	if a.store == nil {
		return ErrNoStorage
	}
	perm, err := contextPermission(c, reminder.PermissionGranted)
	if err != nil {
		return err
	}
	var trig reminder.Trigger
	switch {
	case a.mode == ModeSweep:
		// one tick on Start, driven by SweepOnce
	case strings.TrimSpace(c.Schedule) != "":
		trig = scheduleTrigger{svc: a.sched, spec: c.Schedule}
	default:
		trig = a.sched
	}
	src := source.Sweep{Store: a.store, Now: a.now}
	return a.addContext(ContextSweep, src, reminder.Static(perm), contextSinks(c, "webpush", "log"), trig)
}

func (a *App) addContext(name string, src reminder.Source, gate reminder.Capability, sinkNames []string, trig reminder.Trigger) error {
	ncfg, err := mapNotifierConfig(a.cfg)
	if err != nil {
		return err
	}
	sinks := a.resolveSinks(name, sinkNames)
	if len(sinks) == 0 {
		return fmt.Errorf("no usable sink among %v", sinkNames)
	}

	var rec notifier.Recorder
	if a.store != nil {
		rec = a.store
	}
	log := a.log.With(logx.String("context", name))
	notif := notifier.New(name, ncfg, sinks, log, a.bus, rec)

	loop := reminder.NewLoop(name, src, gate, nil, notif, trig,
		reminder.WithClock(a.now),
		reminder.WithLeadTime(a.loopCfg.lead),
		reminder.WithInterval(a.loopCfg.every),
		reminder.WithTickTimeout(a.loopCfg.tickTimeout),
		reminder.WithLogger(log),
		reminder.WithBus(a.bus),
	)
	a.contexts = append(a.contexts, &execContext{name: name, loop: loop, notif: notif})
	return nil
}

func (a *App) resolveSinks(ctxName string, names []string) []notifier.Sink {
	var out []notifier.Sink
	for _, n := range names {
		var s notifier.Sink
		switch n {
		case "sse":
			if a.broker != nil {
				s = a.broker
			}
		case "telegram":
			if a.tg != nil {
				s = a.tg
			}
		case "webpush":
			if a.push != nil {
				s = a.push
			}
		case "log":
			s = notifier.LogSink{Log: a.log.With(logx.Component("notification"), logx.String("context", ctxName))}
		}
		if s == nil {
			a.log.Warn("sink unavailable; skipping", logx.String("context", ctxName), logx.String("sink", n))
			continue
		}
		out = append(out, s)
	}
	return out
}

func (a *App) context(name string) *execContext {
	for _, c := range a.contexts {
		if c.name == name {
			return c
		}
	}
	return nil
}

// Done is closed when the app supervisor stops (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the long-lived modes (serve, worker).
func (a *App) Start(ctx context.Context) error {
	if a.mode == ModeSweep || a.mode == ModeImport {
		return fmt.Errorf("app: mode %s does not start services", a.mode)
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.Component("config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		if _, err := mapLoopSettings(cfg); err != nil {
			return err
		}
		return nil
	})

	a.sup.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) })
	a.sup.Go0("eventbus.log", a.logEvents)

	a.sched.Start(runCtx)
	if a.tg != nil {
		if a.perm != nil {
			a.tg.OnDecision(a.perm.Set)
		}
		a.tg.Start(runCtx)
	}
	for _, c := range a.contexts {
		c.notif.Start(runCtx)
	}

	if a.snapshot != nil {
		a.sup.GoRestart("bridge.consume", func(c context.Context) error {
			err := a.bridge.Consume(c, a.snapshot.Handle)
			if c.Err() != nil {
				return nil
			}
			return err
		}, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	}

	if fg := a.context(ContextForeground); fg != nil && a.perm != nil {
		a.perm.OnChange(func(p reminder.Permission) {
			if a.broker != nil {
				a.broker.PublishPermission(p)
			}
			if err := fg.loop.Refresh(runCtx); err != nil {
				a.log.Warn("foreground refresh failed", logx.Err(err))
			}
		})
	}

	for _, c := range a.contexts {
		if err := c.loop.Start(runCtx); err != nil {
			return fmt.Errorf("start %s loop: %w", c.name, err)
		}
	}

	if a.syncer != nil && len(a.cfg.Calendar.Feeds) > 0 {
		if err := a.syncer.Register(a.sched); err != nil {
			return fmt.Errorf("calendar: %w", err)
		}
		a.sup.Go0("calendar.initial_sync", func(c context.Context) {
			if _, err := a.syncer.SyncAll(c); err != nil {
				a.log.Warn("initial calendar sync failed", logx.Err(err))
			}
		})
	}

	if a.mode == ModeServe && a.cfg.HTTP.Enabled {
		if err := a.startHTTP(); err != nil {
			return err
		}
	}

	a.startConfigReload()
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sd.ready()
	a.sup.Go("systemd.watchdog", func(c context.Context) error { return a.sd.watchdog(c, a.healthy) })

	names := make([]string, 0, len(a.contexts))
	for _, c := range a.contexts {
		names = append(names, c.name)
	}
	a.log.Info("app started", logx.Strs("contexts", names))
	return nil
}

func (a *App) startHTTP() error {
	hc, _, err := mapHTTPConfig(a.cfg)
	if err != nil {
		return err
	}
	deps := httpapi.Deps{
		Store:   a.store,
		Bridge:  a.bridge,
		Metrics: a.metrics.Handler(),
		Now:     a.now,
	}
	if a.syncer != nil {
		deps.Importer = a.syncer
	}
	if a.perm != nil {
		deps.Permission = a.perm
	}
	if a.broker != nil {
		deps.Events = a.broker.Handler
	}
	srv := httpapi.NewServer(hc.Addr, httpapi.NewRouter(hc, deps, a.log))
	a.sup.Go("http", func(c context.Context) error {
		return httpapi.Serve(c, srv, a.log.With(logx.Component("http")))
	})
	return nil
}

// healthy gates watchdog pings: a stuck store stops them.
func (a *App) healthy(ctx context.Context) bool {
	if a.store == nil {
		return true
	}
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return a.store.Ping(pctx) == nil
}

func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
		}
	}
}

func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
}

// applyConfig hot-applies logging and notifier tuning; other sections are
// reported as requiring a restart.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.sd.reloading()
	defer a.sd.ready()

	a.logs.Apply(mapLogging(next))
	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		for _, c := range a.contexts {
			c.notif.Apply(ncfg)
		}
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed; restart required", logx.Strs("sections", restart))
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigApplied, Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// SweepOnce runs one sweep tick and drains its deliveries.
func (a *App) SweepOnce(ctx context.Context) error {
	sw := a.context(ContextSweep)
	if sw == nil {
		return errors.New("app: sweep context not built")
	}
	if a.tg != nil {
		a.tg.Start(ctx)
	}
	sw.notif.Start(ctx)
	// Start arms the loop, which runs the first tick immediately.
	err := sw.loop.Start(ctx)
	if err == nil && sw.loop.State() != reminder.StateArmed {
		err = fmt.Errorf("app: sweep loop not armed (permission %s)", a.cfg.Reminders.Sweep.Permission)
	}
	sw.loop.Stop()

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	sw.notif.Stop(drainCtx)
	return err
}

// ImportICS stores the events of an ICS document for owner.
func (a *App) ImportICS(ctx context.Context, owner, connectionID string, body []byte) (int, error) {
	if a.syncer == nil {
		return 0, ErrNoStorage
	}
	return a.syncer.Import(ctx, owner, connectionID, body)
}

// Stop shuts every component down in dependency order.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	var err error
	a.stopOnce.Do(func() { err = a.stop(ctx, reason) })
	return err
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.stopping()

	for _, c := range a.contexts {
		c.loop.Stop()
	}
	if a.sup != nil {
		a.sup.Cancel()
	}

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		a.runStep(ctx, name, max, fn)
	}

	if a.sched != nil {
		step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	}
	for _, ec := range a.contexts {
		step("notifier."+ec.name, 5*time.Second, func(c context.Context) error { ec.notif.Stop(c); return nil })
	}
	if a.tg != nil {
		step("telegram", 2*time.Second, a.tg.Stop)
	}
	if a.sup != nil {
		step("supervisor", 6*time.Second, a.sup.Wait)
	}
	a.closeResources()

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// Close releases resources for the one-shot modes.
func (a *App) Close(ctx context.Context) error {
	return a.Stop(ctx, StopCompleted)
}

func (a *App) closeResources() {
	if a.broker != nil {
		a.broker.Close()
	}
	if a.bridge != nil {
		if err := a.bridge.Close(); err != nil && !errors.Is(err, bridge.ErrClosed) {
			a.log.Warn("bridge close failed", logx.Err(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
}

// runStep bounds one shutdown step so a stuck component cannot stall Stop.
func (a *App) runStep(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}

// scheduleTrigger arms the loop tick on a configured schedule (cron spec or
// duration) instead of the fixed interval.
type scheduleTrigger struct {
	svc  *scheduler.Service
	spec string
}

func (t scheduleTrigger) AddInterval(name string, _ time.Duration, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	return t.svc.AddSchedule(name, t.spec, timeout, job)
}

func (t scheduleTrigger) AddDaily(name, atHHMM string, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	return t.svc.AddDaily(name, atHHMM, timeout, job)
}

func (t scheduleTrigger) Remove(name string) bool { return t.svc.Remove(name) }
