package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"calbot/internal/calendar"
	"calbot/internal/eventbus"
	"calbot/internal/notifier"
	"calbot/internal/task/engine"
	logx "calbot/pkg/logx"
)

// TaskName names the engine task that fires one event.
const TaskName = "calendar.fire"

// Tick runs one poll: select due events and hand each off. It returns once
// every event was handed off, not when the dispatches finish.
func (s *Service) Tick(ctx context.Context) TickReport {
	start := time.Now()
	cfg := s.Config()
	now := s.clock.Now().In(cfg.Location)
	rep := TickReport{At: now}
	s.ticks.Add(1)
	defer func() {
		rep.Took = time.Since(start)
		s.hmu.Lock()
		s.last = rep
		if rep.Err != nil {
			s.lastEr = rep.Err.Error()
		}
		s.hmu.Unlock()
		s.publish(eventbus.TypeTickDone, rep)
	}()

	events, err := s.store.FindAll(ctx)
	if err != nil {
		rep.Err = fmt.Errorf("load events: %w", err)
		s.log.Error("tick failed", logx.Err(rep.Err))
		return rep
	}
	s.ledger.prune(now)

	due := calendar.SelectDue(events, now, cfg.Lookahead)
	rep.Considered, rep.Due = len(events), len(due)
	for _, ev := range due {
		occ := calendar.CandidateTime(ev, now)
		key := occurrenceKey(ev, occ)
		first, running, err := s.ledger.claim(ctx, key, occ.Add(cfg.PollInterval+2*cfg.Lookahead))
		if err != nil {
			s.log.Warn("fired ledger unavailable", logx.String("event", ev.ID), logx.Err(err))
		}
		if !first {
			rep.Deduped++
			s.deduped.Add(1)
			s.log.Debug("occurrence already fired", logx.String("key", key), logx.Bool("running", running))
			// A one-off seen again after its firing finished was never
			// retired; finish the job without sending again.
			if !running && !ev.Recurrence.Recurring() {
				s.handOff(ev, occ, key, false, &rep)
			}
			continue
		}
		s.handOff(ev, occ, key, true, &rep)
	}

	if rep.Due > 0 {
		s.log.Info("tick", logx.Int("due", rep.Due), logx.Int("submitted", rep.Submitted), logx.Int("inline", rep.Inline), logx.Int("deduped", rep.Deduped))
	}
	return rep
}

// handOff queues the fire unit on the engine, or runs it on the fallback
// supervisor when the engine refuses it.
func (s *Service) handOff(ev calendar.Event, occ time.Time, key string, send bool, rep *TickReport) {
	run := func(ctx context.Context) error {
		defer s.ledger.done(key)
		if !send {
			_, err := s.retire(ctx, ev, nil)
			return err
		}
		return s.fire(ctx, ev, occ, key)
	}

	if s.engine != nil {
		err := s.engine.Enqueue(engine.Task{
			Name: TaskName,
			Run: func(ctx context.Context) error {
				return engine.NoRetry(run(ctx))
			},
		})
		if err == nil {
			rep.Submitted++
			return
		}
		s.log.Warn("engine refused fire unit; running inline", logx.String("event", ev.ID), logx.Err(err))
	}
	rep.Inline++
	s.fallback.Go(TaskName+"."+ev.ID, func(ctx context.Context) error {
		if err := run(ctx); err != nil {
			s.log.Warn("fire unit failed", logx.String("event", ev.ID), logx.Err(err))
		}
		return nil
	})
}

// fire dispatches ev, records the occurrence as sent and then retires it.
// Both steps run even when the dispatch fails or panics; there is no retry.
func (s *Service) fire(ctx context.Context, ev calendar.Event, occ time.Time, key string) (err error) {
	var dispatchErr error
	defer func() {
		if r := recover(); r != nil {
			dispatchErr = fmt.Errorf("dispatch panic: %v", r)
			s.log.Error("dispatch panicked", logx.String("event", ev.ID), logx.Any("panic", r))
		}
		if markErr := s.confirm(ctx, key); markErr != nil {
			s.log.Warn("fired ledger unavailable", logx.String("key", key), logx.Err(markErr))
		}
		action, retireErr := s.retire(ctx, ev, dispatchErr)

		switch {
		case dispatchErr == nil:
			s.fired.Add(1)
		case errors.Is(dispatchErr, notifier.ErrUnresolved):
			s.unresolved.Add(1)
		default:
			s.failed.Add(1)
		}
		s.emitFired(FiredEvent{Event: ev, Occurrence: occ, Err: dispatchErr, Retire: action, RetireErr: retireErr})
		err = errors.Join(dispatchErr, retireErr)
	}()
	dispatchErr = s.dispatcher.Dispatch(ctx, ev)
	return dispatchErr
}

func (s *Service) confirm(ctx context.Context, key string) error {
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.Config().RetireTimeout)
	defer cancel()
	return s.ledger.confirm(mctx, key)
}

func (s *Service) retire(ctx context.Context, ev calendar.Event, dispatchErr error) (RetireAction, error) {
	action, err := s.lifecycle.Retire(ctx, ev, dispatchErr)
	switch action {
	case RetireDeleted:
		s.retired.Add(1)
	case RetireQuarantined:
		s.quarantined.Add(1)
	}
	if err != nil {
		s.log.Error("retire failed", logx.String("event", ev.ID), logx.Err(err))
		s.hmu.Lock()
		s.lastEr = err.Error()
		s.hmu.Unlock()
	}
	return action, err
}

func (s *Service) emitFired(fe FiredEvent) {
	s.publish(eventbus.TypeCalendarFired, fe)
	s.hmu.RLock()
	hooks := append([]func(FiredEvent){}, s.hooks...)
	s.hmu.RUnlock()
	for _, fn := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("fired hook panicked", logx.Any("panic", r))
				}
			}()
			fn(fe)
		}()
	}
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}
