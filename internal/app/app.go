package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"calbot/internal/audit"
	"calbot/internal/calcmd"
	"calbot/internal/config"
	"calbot/internal/eventbus"
	"calbot/internal/notifier"
	"calbot/internal/observability/pprof"
	rtsup "calbot/internal/runtime/supervisor"
	"calbot/internal/storage"
	"calbot/internal/task/engine"
	"calbot/internal/task/scheduler"
	kit "calbot/internal/transport"
	telegram "calbot/internal/transport/telegram/adapter"
	"calbot/internal/transport/telegram/router"
	logx "calbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter

	engine *engine.Service
	sched  *scheduler.Service
	notif  *notifier.Dispatcher
	audit  *audit.Recorder
	cal    *calcmd.Handler
	cmdm   *router.CommandManager
	pprof  *pprof.Service

	updates chan kit.Update
}

// NewApp loads and validates the config at cfgPath and wires every
// component. Nothing runs until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	m, err := mapAll(cfg)
	if err != nil {
		return nil, err
	}

	// The chat sink is attached once the adapter exists.
	logSvc, log := logx.New(m.logging, nil)
	appLog := log.With(logx.String("comp", "app"))

	store, loc, err := OpenStore(cfg, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	fail := func(err error) (*App, error) {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	pollTimeout, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	if err != nil {
		return fail(err)
	}
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, log)
	if err != nil {
		return fail(err)
	}
	logSvc.SetSender(ad)

	bus := eventbus.New()
	engineSvc := engine.New(m.engine, log.With(logx.String("comp", "taskengine")), bus)
	notif := notifier.New(m.notifier, ad, ad, log.With(logx.String("comp", "notifier")), bus)

	clock := scheduler.SystemClock{Location: loc}
	sched := scheduler.New(m.sched, scheduler.Deps{
		Store:      store,
		Ledger:     store,
		Dispatcher: notif,
		Engine:     engineSvc,
		Bus:        bus,
		Clock:      clock,
		Log:        log.With(logx.String("comp", "scheduler")),
	})
	sched.OnFired(func(fe scheduler.FiredEvent) {
		fields := []logx.Field{
			logx.String("event", fe.Event.ID),
			logx.String("name", fe.Event.Name),
			logx.Time("occurrence", fe.Occurrence),
			logx.String("retire", string(fe.Retire)),
		}
		if fe.Err != nil {
			appLog.Warn("calendar event fired with error", append(fields, logx.Err(fe.Err))...)
			return
		}
		appLog.Info("calendar event fired", fields...)
	})

	rec := audit.New(store, bus, log)
	cal := calcmd.New(m.calendar, calcmd.Deps{
		Store:    store,
		Clock:    clock,
		Status:   sched,
		History:  notif,
		Audit:    rec,
		Resolver: ad,
		Log:      log.With(logx.String("comp", "calendar")),
	})
	cmdm := router.NewCommandManager(log.With(logx.String("comp", "commands")), ad, cfg.Telegram.OwnerUserIDs)

	pprofSvc := pprof.New(m.pprof, log)

	a := &App{
		cfgm:    cfgm,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		engine:  engineSvc,
		sched:   sched,
		notif:   notif,
		audit:   rec,
		cal:     cal,
		cmdm:    cmdm,
		pprof:   pprofSvc,
		updates: make(chan kit.Update, 256),
	}
	a.registerState()
	return a, nil
}

func (a *App) registerState() {
	a.pprof.Register("scheduler", func() any { return a.sched.Snapshot() })
	a.pprof.Register("engine", func() any { return a.engine.Snapshot() })
	a.pprof.Register("dispatches", func() any { return a.notif.History() })
	a.pprof.Register("supervisors", func() any {
		out := map[string]rtsup.Snapshot{}
		for name, s := range map[string]*rtsup.Supervisor{
			"app":      a.sup,
			"telegram": a.adapter.Supervisor(),
			"commands": a.cmdm.Supervisor(),
			"pprof":    a.pprof.Supervisor(),
		} {
			if s != nil {
				out[name] = s.Snapshot()
			}
		}
		return out
	})
	a.pprof.Register("eventbus", func() any {
		return map[string]uint64{"dropped": a.bus.Dropped()}
	})
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
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

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		_, err := mapAll(cfg)
		return err
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.cmdm.SetRegistry(a.sup.Context(), a.cal.Commands())

	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
	}
	a.audit.Start(a.sup.Context())
	a.sched.Start(a.sup.Context())
	a.pprof.Start(a.sup.Context())

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts; only the newest config matters.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		watchdog(c, a.log, func() bool { return a.sup.Err() == nil })
	})

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

// applyConfig pushes a validated config into the running components.
// Sections that need a restart are only reported.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	m, err := mapAll(newCfg)
	if err != nil {
		a.log.Warn("config reload rejected; keeping previous", logx.Err(err))
		return
	}
	a.logs.Apply(m.logging)
	a.cmdm.SetOwners(newCfg.Telegram.OwnerUserIDs)
	a.engine.Apply(m.engine)
	a.sched.Apply(m.sched)
	a.notif.Apply(m.notifier)
	a.cal.Apply(m.calendar)
	a.pprof.Reconfigure(ctx, m.pprof)

	if restart := config.RestartRequired(oldCfg, newCfg); len(restart) > 0 {
		a.log.Warn("config change needs a restart", logx.String("sections", strings.Join(restart, ",")))
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded})
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

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
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Ticks stop before anything is canceled. The engine runs detached from
	// the app context, so in-flight dispatches finish and retire before the
	// store closes.
	step("scheduler", 5*time.Second, func(c context.Context) error {
		a.sched.Stop(c)
		return nil
	})
	a.sup.Cancel()
	step("commands", 2*time.Second, func(c context.Context) error {
		if s := a.cmdm.Supervisor(); s != nil {
			return s.Wait(c)
		}
		return nil
	})
	step("dispatches", 10*time.Second, func(c context.Context) error {
		a.engine.Stop(c)
		return a.sched.Wait(c)
	})
	step("audit", 1*time.Second, func(c context.Context) error { a.audit.Stop(c); return nil })
	step("pprof", 1*time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, command dispatcher, etc.)
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	return a.logs.Close()
}
