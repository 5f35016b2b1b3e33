package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"calbot/internal/eventbus"
	rtsup "calbot/internal/runtime/supervisor"
	"calbot/internal/storage"
	logx "calbot/pkg/logx"
)

// Deps are the collaborators of the poll loop. Engine, Ledger, Bus and Clock
// are optional.
type Deps struct {
	Store      storage.EventStore
	Ledger     FiredStore
	Dispatcher Dispatcher
	Engine     Submitter
	Bus        eventbus.Bus
	Clock      Clock
	Log        logx.Logger
}

type Service struct {
	mu    sync.Mutex
	cfg   Config
	c     *cron.Cron
	entry cron.EntryID
	ctx   context.Context

	store      storage.EventStore
	dispatcher Dispatcher
	engine     Submitter
	bus        eventbus.Bus
	clock      Clock
	log        logx.Logger

	lifecycle *Lifecycle
	ledger    *ledger
	// fallback runs fire units the engine refused; it outlives Stop so
	// in-flight dispatches are never canceled.
	fallback *rtsup.Supervisor

	hmu    sync.RWMutex
	hooks  []func(FiredEvent)
	last   TickReport
	lastEr string

	ticks       atomic.Uint64
	fired       atomic.Uint64
	failed      atomic.Uint64
	unresolved  atomic.Uint64
	retired     atomic.Uint64
	quarantined atomic.Uint64
	deduped     atomic.Uint64
}

func New(cfg Config, deps Deps) *Service {
	cfg = cfg.withDefaults()
	log := deps.Log.With(logx.String("comp", "scheduler"))
	clock := deps.Clock
	if clock == nil {
		clock = SystemClock{Location: cfg.Location}
	}
	s := &Service{
		cfg:        cfg,
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		engine:     deps.Engine,
		bus:        deps.Bus,
		clock:      clock,
		log:        log,
		ledger:     newLedger(deps.Ledger),
		fallback:   rtsup.NewSupervisor(context.Background(), rtsup.WithLogger(log)),
	}
	s.lifecycle = &Lifecycle{store: deps.Store, clock: clock, log: log, policy: func() (UnresolvedPolicy, time.Duration) {
		c := s.Config()
		return c.UnresolvedPolicy, c.RetireTimeout
	}}
	return s
}

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// OnFired registers fn to run after every dispatch attempt.
func (s *Service) OnFired(fn func(FiredEvent)) {
	if fn == nil {
		return
	}
	s.hmu.Lock()
	s.hooks = append(s.hooks, fn)
	s.hmu.Unlock()
}

// Apply swaps lookahead and policy and reschedules the tick when the
// interval changed. The timezone is fixed for the life of the process: the
// store and clock keep reading wall times in the zone they started with.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg
	loc := cfg.Location
	cfg.Location = prev.Location
	s.cfg = cfg
	if s.c != nil && prev.PollInterval != cfg.PollInterval {
		s.c.Remove(s.entry)
		s.entry = s.c.Schedule(cron.Every(cfg.PollInterval), s.tickJob())
		s.log.Info("poll interval changed", logx.Duration("from", prev.PollInterval), logx.Duration("to", cfg.PollInterval))
	}
	if prev.Location.String() != loc.String() {
		s.log.Warn("timezone change applies on restart", logx.String("tz", loc.String()), logx.String("current", prev.Location.String()))
	}
}

// Start schedules the poll loop. Ticks run on ctx; canceling it aborts a
// running store read but not queued dispatches.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	cl := cronLogger{log: s.log}
	s.ctx = ctx
	s.c = cron.New(
		cron.WithLocation(s.cfg.Location),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s.entry = s.c.Schedule(cron.Every(s.cfg.PollInterval), s.tickJob())
	s.c.Start()
	s.log.Info("scheduler started",
		logx.Duration("interval", s.cfg.PollInterval),
		logx.Duration("lookahead", s.cfg.Lookahead),
		logx.String("tz", s.cfg.Location.String()),
		logx.String("unresolved_policy", string(s.cfg.UnresolvedPolicy)),
	)
}

// Stop prevents future ticks and waits, bounded by ctx, for a running tick
// body. Dispatches already handed off keep running.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)), logx.Int("in_flight", s.ledger.running()))
}

// Wait blocks until dispatches started outside the engine have finished.
func (s *Service) Wait(ctx context.Context) error {
	return s.fallback.Wait(ctx)
}

func (s *Service) tickJob() cron.Job {
	return cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil {
			ctx = context.Background()
		}
		s.Tick(ctx)
	})
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	snap := Snapshot{Running: s.c != nil}
	if s.c != nil {
		snap.NextTick = s.c.Entry(s.entry).Next
	}
	s.mu.Unlock()

	s.hmu.RLock()
	snap.LastTick = s.last
	snap.LastError = s.lastEr
	s.hmu.RUnlock()

	snap.PollInterval = cfg.PollInterval
	snap.Lookahead = cfg.Lookahead
	snap.Location = cfg.Location.String()
	snap.UnresolvedPolicy = cfg.UnresolvedPolicy
	snap.InFlight = s.ledger.running()
	snap.Ticks = s.ticks.Load()
	snap.Fired = s.fired.Load()
	snap.Failed = s.failed.Load()
	snap.Unresolved = s.unresolved.Load()
	snap.Retired = s.retired.Load()
	snap.Quarantined = s.quarantined.Load()
	snap.Deduped = s.deduped.Load()
	return snap
}
