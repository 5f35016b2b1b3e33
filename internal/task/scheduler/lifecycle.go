package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"calbot/internal/calendar"
	"calbot/internal/notifier"
	"calbot/internal/storage"
	logx "calbot/pkg/logx"
)

// RetireAction is what Retire did to the stored event.
type RetireAction string

const (
	RetireKept        RetireAction = "kept"
	RetireDeleted     RetireAction = "deleted"
	RetireQuarantined RetireAction = "quarantined"
	// RetireGone means the event had already been removed by someone else.
	RetireGone RetireAction = "gone"
)

// Lifecycle retires events after a dispatch attempt.
type Lifecycle struct {
	store  storage.EventStore
	clock  Clock
	log    logx.Logger
	policy func() (UnresolvedPolicy, time.Duration)
}

// NewLifecycle builds a Lifecycle with a fixed policy and timeout.
func NewLifecycle(store storage.EventStore, clock Clock, log logx.Logger, policy UnresolvedPolicy, timeout time.Duration) *Lifecycle {
	return &Lifecycle{store: store, clock: clock, log: log, policy: func() (UnresolvedPolicy, time.Duration) { return policy, timeout }}
}

// Retire runs after every dispatch attempt, whatever its outcome.
//
// One-off events are deleted. Recurring events are left untouched. Under
// PolicyQuarantine a one-off event whose destination was unresolved is kept
// with QuarantinedAt set instead.
//
// The store write runs on a context detached from ctx cancellation so a
// dispatch that timed out cannot block the deletion.
func (l *Lifecycle) Retire(ctx context.Context, ev calendar.Event, dispatchErr error) (RetireAction, error) {
	if ev.Recurrence.Recurring() {
		return RetireKept, nil
	}
	policy, timeout := l.policy()
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if policy == PolicyQuarantine && errors.Is(dispatchErr, notifier.ErrUnresolved) {
		return l.quarantine(rctx, ev)
	}

	ok, err := l.store.Delete(rctx, ev.ID)
	if err != nil {
		return RetireKept, fmt.Errorf("retire %s: delete: %w", ev.ID, err)
	}
	if !ok {
		return RetireGone, nil
	}
	l.log.Debug("one-off event retired", logx.String("event", ev.ID))
	return RetireDeleted, nil
}

func (l *Lifecycle) quarantine(ctx context.Context, ev calendar.Event) (RetireAction, error) {
	cur, ok, err := l.store.FindByID(ctx, ev.ID)
	if err != nil {
		return RetireKept, fmt.Errorf("retire %s: load: %w", ev.ID, err)
	}
	if !ok {
		return RetireGone, nil
	}
	now := l.clock.Now()
	cur.QuarantinedAt = &now
	ok, err = l.store.Update(ctx, cur)
	if err != nil {
		return RetireKept, fmt.Errorf("retire %s: quarantine: %w", ev.ID, err)
	}
	if !ok {
		return RetireGone, nil
	}
	l.log.Warn("one-off event quarantined: destination unresolved", logx.String("event", ev.ID), logx.Int64("chat", ev.ChannelID))
	return RetireQuarantined, nil
}
