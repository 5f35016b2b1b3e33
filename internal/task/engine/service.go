package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"calbot/internal/eventbus"
	rtsup "calbot/internal/runtime/supervisor"
	logx "calbot/pkg/logx"
)

// Service runs tasks on a fixed pool of workers fed by a bounded queue.
//
// Stop closes the queue and lets workers drain what was already accepted,
// so a task that made it into the queue always gets to run.
type Service struct {
	mu     sync.RWMutex
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	q      chan queuedTask
	stopCh chan struct{}
	sup    *rtsup.Supervisor
	done   chan struct{}

	stopOnce *sync.Once

	idSeq     atomic.Uint64
	inFlight  atomic.Int32
	succeeded atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{cfg: cfg.withDefaults(), log: log.With(logx.String("comp", "taskengine")), bus: bus}
}

func (s *Service) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Enabled
}

// Apply swaps the runtime config. Worker count and queue size apply on the next Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.mu.Unlock()

	s.hmu.Lock()
	if len(s.history) > cfg.HistorySize {
		s.history = s.history[len(s.history)-cfg.HistorySize:]
	}
	s.hmu.Unlock()

	if prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize {
		s.log.Info("task engine pool change pending restart", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
	}
}

// Start launches the workers. They run detached from ctx cancellation:
// only Stop ends them, after draining the queue, so canceling the caller's
// context never aborts a running or queued task.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		s.log.Info("task engine disabled")
		return
	}
	if s.q != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	queue := make(chan queuedTask, cfg.QueueSize)
	stopCh := make(chan struct{})
	done := make(chan struct{})
	sup := rtsup.NewSupervisor(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log),
		// task failures are reported per task; they never cancel siblings.
		rtsup.WithCancelOnError(false),
	)
	s.q, s.stopCh, s.sup, s.done = queue, stopCh, sup, done
	s.stopOnce = &sync.Once{}
	s.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		seed := int64(i)
		var once sync.Once
		sup.GoRestart(name, func(c context.Context) error {
			err := s.worker(c, stopCh, queue, seed)
			if err == nil || c.Err() != nil {
				once.Do(wg.Done)
			}
			return err
		}, rtsup.WithPublishFirstError(true))
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(queue)))
}

// Stop stops accepting tasks, drains the queue and waits for workers until ctx is done.
// On timeout the remaining work is canceled.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.RLock()
	stopCh, sup, done, once := s.stopCh, s.sup, s.done, s.stopOnce
	s.mu.RUnlock()
	if stopCh == nil {
		return
	}

	once.Do(func() {
		// Blocked submitters watch stopCh, so they release the read lock first.
		close(stopCh)
		s.mu.Lock()
		close(s.q)
		s.mu.Unlock()
	})

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
	sup.Cancel()
	_ = sup.Wait(ctx)

	s.mu.Lock()
	if s.sup == sup {
		s.q, s.stopCh, s.sup, s.done, s.stopOnce = nil, nil, nil, nil, nil
	}
	s.mu.Unlock()
}

// Enqueue adds a task without blocking. A full queue rejects it with ErrQueueFull.
//
// Use Submit when you want backpressure instead.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit enqueues a task and blocks until it is accepted, ctx is canceled, or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task Name is required")
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = s.newTaskID(now)
	}

	// The read lock keeps Stop from closing the queue mid-send.
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.cfg.Enabled {
		return ErrDisabled
	}
	if s.q == nil {
		return ErrStopped
	}
	select {
	case <-s.stopCh:
		return ErrStopping
	default:
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	qt := queuedTask{task: t, enqueuedAt: now, timeout: timeout, opt: t.Opt.withDefaults(s.cfg)}

	if !block {
		select {
		case s.q <- qt:
			return nil
		default:
			s.rejected.Add(1)
			s.log.Warn("task rejected: queue full", logx.String("task", t.Name), logx.String("id", t.ID), logx.Int("queue_cap", cap(s.q)))
			return ErrQueueFull
		}
	}

	select {
	case s.q <- qt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopCh:
		return ErrStopping
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.RLock()
	cfg := s.cfg
	q := s.q
	s.mu.RUnlock()

	snap := Snapshot{
		Enabled:        cfg.Enabled,
		Running:        q != nil,
		Workers:        cfg.Workers,
		InFlight:       int(s.inFlight.Load()),
		Succeeded:      s.succeeded.Load(),
		Failed:         s.failed.Load(),
		Rejected:       s.rejected.Load(),
		DefaultTimeout: cfg.DefaultTimeout,
		RetryMax:       cfg.RetryMax,
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}

	s.hmu.Lock()
	snap.History = make([]HistoryItem, len(s.history))
	copy(snap.History, s.history)
	s.hmu.Unlock()
	return snap
}

func (s *Service) record(item HistoryItem) {
	s.mu.RLock()
	size := s.cfg.HistorySize
	s.mu.RUnlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) newTaskID(now time.Time) string {
	return fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.idSeq.Add(1))
}
