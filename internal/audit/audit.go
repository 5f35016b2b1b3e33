// Package audit persists fired events and operator actions.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"calbot/internal/eventbus"
	rtsup "calbot/internal/runtime/supervisor"
	"calbot/internal/storage"
	"calbot/internal/task/scheduler"
	logx "calbot/pkg/logx"
)

const ActionFired = "calendar.fired"

// Appender is the storage surface the recorder writes to.
type Appender interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Recorder turns calendar.fired bus events into audit rows. Writes are
// best-effort; a failing store only logs.
type Recorder struct {
	store Appender
	bus   eventbus.Bus
	log   logx.Logger

	sup   *rtsup.Supervisor
	unsub func()
}

func New(store Appender, bus eventbus.Bus, log logx.Logger) *Recorder {
	return &Recorder{store: store, bus: bus, log: log.With(logx.String("comp", "audit"))}
}

func (r *Recorder) Start(ctx context.Context) {
	if r.store == nil || r.bus == nil || r.sup != nil {
		return
	}
	ch, unsub := r.bus.Subscribe(256, eventbus.TypeCalendarFired)
	r.unsub = unsub
	r.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(r.log))
	r.sup.Go0("audit.fired", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				fe, ok := e.Data.(scheduler.FiredEvent)
				if !ok {
					continue
				}
				r.Record(ctx, FiredEntry(e.Time, fe))
			}
		}
	})
}

// Stop unsubscribes and waits for the pending writes, bounded by ctx.
func (r *Recorder) Stop(ctx context.Context) {
	if r.sup == nil {
		return
	}
	r.unsub()
	_ = r.sup.Wait(ctx)
	r.sup.Cancel()
	r.sup = nil
}

// Record appends e with a short timeout.
func (r *Recorder) Record(ctx context.Context, e storage.AuditEntry) {
	if r == nil || r.store == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := r.store.AppendAudit(cctx, e); err != nil {
		r.log.Warn("audit append failed", logx.String("action", e.Action), logx.Err(err))
	}
}

// FiredEntry builds the audit row for one dispatch attempt.
func FiredEntry(at time.Time, fe scheduler.FiredEvent) storage.AuditEntry {
	a := storage.AuditEntry{
		At:        at,
		ActorID:   fe.Event.OwnerID,
		ChatID:    fe.Event.ChannelID,
		ThreadID:  fe.Event.ThreadID,
		Component: "scheduler",
		Action:    ActionFired,
		EventID:   fe.Event.ID,
		Target:    fe.Event.Name,
		OK:        fe.Err == nil && fe.RetireErr == nil,
	}
	if fe.Err != nil {
		a.Error = fe.Err.Error()
	} else if fe.RetireErr != nil {
		a.Error = fe.RetireErr.Error()
	}
	meta := map[string]any{
		"occurrence": fe.Occurrence.Format(time.RFC3339),
		"recurrence": fe.Event.Recurrence.String(),
		"retire":     fe.Retire,
	}
	if b, err := json.Marshal(meta); err == nil {
		a.MetaJSON = string(b)
	}
	return a
}
