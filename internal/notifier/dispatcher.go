package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"calbot/internal/calendar"
	"calbot/internal/eventbus"
	kit "calbot/internal/transport"
	logx "calbot/pkg/logx"
	"calbot/pkg/tgui"
)

// Dispatcher delivers due events. It is safe for concurrent use.
type Dispatcher struct {
	mu       sync.RWMutex
	cfg      Config
	limiter  *rate.Limiter
	resolver kit.ChatResolver
	sender   kit.Sender
	log      logx.Logger
	bus      eventbus.Bus

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, resolver kit.ChatResolver, sender kit.Sender, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	d := &Dispatcher{
		resolver: resolver,
		sender:   sender,
		log:      log.With(logx.String("comp", "notifier")),
		bus:      bus,
	}
	d.Apply(cfg)
	return d
}

// Apply swaps the rate limit, timeouts and role directory.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	lim := rate.Inf
	if cfg.RatePerSec > 0 {
		lim = rate.Limit(cfg.RatePerSec)
	}

	d.mu.Lock()
	if d.limiter == nil {
		d.limiter = rate.NewLimiter(lim, cfg.Burst)
	} else {
		d.limiter.SetLimit(lim)
		d.limiter.SetBurst(cfg.Burst)
	}
	d.cfg = cfg
	d.mu.Unlock()
}

// Dispatch sends one notification for ev.
//
// An unknown destination returns an error wrapping ErrUnresolved without
// sending. Any other failure wraps ErrDelivery. There is no retry.
func (d *Dispatcher) Dispatch(ctx context.Context, ev calendar.Event) error {
	d.mu.RLock()
	cfg := d.cfg
	lim := d.limiter
	d.mu.RUnlock()

	log := d.log.With(logx.String("event", ev.ID), logx.Int64("chat", ev.ChannelID))
	to := kit.ChatTarget{ChatID: ev.ChannelID, ThreadID: ev.ThreadID}

	if _, err := d.resolver.ResolveChat(ctx, ev.ChannelID); err != nil {
		if errors.Is(err, kit.ErrChatNotFound) {
			err = fmt.Errorf("%w: chat %d: %w", ErrUnresolved, ev.ChannelID, err)
			log.Warn("dispatch skipped: destination unresolved", logx.Err(err))
			d.finish(ev, to, 0, OutcomeUnresolved, err)
			return err
		}
		err = fmt.Errorf("%w: resolve chat %d: %w", ErrDelivery, ev.ChannelID, err)
		log.Warn("dispatch failed", logx.Err(err))
		d.finish(ev, to, 0, OutcomeFailed, err)
		return err
	}

	if err := lim.Wait(ctx); err != nil {
		err = fmt.Errorf("%w: rate limit: %w", ErrDelivery, err)
		d.finish(ev, to, 0, OutcomeFailed, err)
		return err
	}

	text := MessageText(ev, cfg.Render)
	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()
	ref, err := d.sender.SendText(sctx, to, text, &kit.SendOptions{ParseMode: tgui.ParseMode, DisablePreview: true})
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrDelivery, err)
		log.Warn("dispatch failed", logx.Err(err))
		d.finish(ev, to, 0, OutcomeFailed, err)
		return err
	}
	log.Info("event dispatched", logx.String("name", ev.Name), logx.Int("message", ref.MessageID))
	d.finish(ev, to, ref.MessageID, OutcomeSent, nil)
	return nil
}

// History returns recent dispatch outcomes, oldest first.
func (d *Dispatcher) History() []HistoryItem {
	d.hmu.Lock()
	defer d.hmu.Unlock()
	return append([]HistoryItem(nil), d.history...)
}

func (d *Dispatcher) finish(ev calendar.Event, to kit.ChatTarget, msgID int, outcome Outcome, err error) {
	now := time.Now()
	item := HistoryItem{At: now, EventID: ev.ID, Name: ev.Name, ChatID: to.ChatID, ThreadID: to.ThreadID, Outcome: outcome}
	de := DispatchEvent{EventID: ev.ID, Name: ev.Name, ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msgID, At: now}
	if err != nil {
		item.Error = err.Error()
		de.Error = item.Error
	}

	d.mu.RLock()
	size := d.cfg.HistorySize
	d.mu.RUnlock()
	d.hmu.Lock()
	d.history = append(d.history, item)
	if len(d.history) > size {
		d.history = d.history[len(d.history)-size:]
	}
	d.hmu.Unlock()

	if d.bus == nil {
		return
	}
	typ := eventbus.TypeNotifySent
	switch outcome {
	case OutcomeFailed:
		typ = eventbus.TypeNotifyFailed
	case OutcomeUnresolved:
		typ = eventbus.TypeNotifyUnresolved
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: de})
}
