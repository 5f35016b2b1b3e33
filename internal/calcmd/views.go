package calcmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"calbot/internal/calendar"
	kit "calbot/internal/transport"
	"calbot/internal/transport/telegram/router"
	"calbot/pkg/tgui"
)

func (h *Handler) cmdDay(ctx context.Context, req *router.Request) error {
	opt := h.options()
	day := h.now()
	if len(req.Args) > 0 {
		d, err := parseDate(req.Args[0], opt.Location)
		if err != nil {
			return router.Usagef("%v", err)
		}
		day = d
	}
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, opt.Location)
	to := from.AddDate(0, 0, 1).Add(-time.Nanosecond)

	events, err := h.chatEvents(ctx, req)
	if err != nil {
		return err
	}
	agenda := calendar.AgendaFor(events, from, to)

	lines := []tgui.H{"📅 " + tgui.B(from.Format("Mon, 02 Jan 2006"))}
	if len(agenda) == 0 {
		lines = append(lines, tgui.I("nothing scheduled"))
	}
	for i, a := range agenda {
		if i == opt.MaxList {
			lines = append(lines, tgui.I(fmt.Sprintf("… and %d more", len(agenda)-i)))
			break
		}
		lines = append(lines, agendaLine(a))
	}
	return req.Reply(ctx, string(tgui.JoinH("\n", lines...)))
}

func agendaLine(a calendar.Agenda) tgui.H {
	line := tgui.Code(a.At.Format(timeLayout)) + " " + tgui.Esc(a.Event.Name)
	if a.Event.Recurrence.Recurring() {
		line += " " + tgui.I(strings.ToLower(a.Event.Recurrence.Title()))
	}
	if a.Event.Quarantined() {
		line += " ⛔"
	}
	return line + " " + tgui.Code(shortID(a.Event.ID))
}

func (h *Handler) cmdShow(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return router.Usagef("need an event id or name")
	}
	ev, err := h.resolve(ctx, req, strings.Join(req.Args, " "), true)
	if err != nil {
		return err
	}
	return req.Reply(ctx, string(h.card(ev, h.options())))
}

func (h *Handler) cmdFind(ctx context.Context, req *router.Request) error {
	opt := h.options()
	prefix := strings.Join(req.Args, " ")
	events, err := h.chatEvents(ctx, req)
	if err != nil {
		return err
	}
	hits := calendar.Filter(events, calendar.ByNamePrefix(prefix))

	now := h.now()
	lines := []tgui.H{"🔎 " + tgui.B(fmt.Sprintf("%d event(s)", len(hits)))}
	for i, ev := range hits {
		if i == opt.MaxList {
			lines = append(lines, tgui.I(fmt.Sprintf("… and %d more", len(hits)-i)))
			break
		}
		next := "-"
		if at, ok := calendar.NextOccurrence(ev, now); ok {
			next = at.Format(dateLayout + " " + timeLayout)
		}
		lines = append(lines, tgui.Code(shortID(ev.ID))+" "+tgui.Esc(ev.Name)+" "+tgui.I(next))
	}
	return req.Reply(ctx, string(tgui.JoinH("\n", lines...)))
}

func (h *Handler) cmdExport(ctx context.Context, req *router.Request) error {
	opt := h.options()
	events, err := h.chatEvents(ctx, req)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return req.Reply(ctx, string(tgui.I("no events to export")))
	}
	ics := calendar.ExportICS(events, opt.ProdID)

	if ds, ok := req.Sender.(kit.DocumentSender); ok {
		name := fmt.Sprintf("calbot-%d.ics", req.Chat.ChatID)
		caption := fmt.Sprintf("%d event(s)", len(events))
		_, err := ds.SendDocument(ctx, req.Chat, name, []byte(ics), caption)
		return err
	}
	return req.Reply(ctx, string(tgui.Pre(ics)))
}

func (h *Handler) cmdStatus(ctx context.Context, req *router.Request) error {
	if h.deps.Status == nil {
		return errNotStarted
	}
	s := h.deps.Status.Snapshot()

	state := "stopped"
	if s.Running {
		state = "running"
	}
	card := tgui.NewCard("🗓 "+tgui.B("Scheduler")).
		Field("State", state).
		Field("Interval", s.PollInterval.String()).
		Field("Lookahead", "±"+s.Lookahead.String()).
		Field("Timezone", s.Location).
		Field("Unresolved", string(s.UnresolvedPolicy))
	if !s.LastTick.At.IsZero() {
		card.Field("Last tick", fmt.Sprintf("%s (%d due, %d deduped, %s)",
			s.LastTick.At.Format(time.TimeOnly), s.LastTick.Due, s.LastTick.Deduped, s.LastTick.Took.Round(time.Millisecond)))
	}
	if !s.NextTick.IsZero() {
		card.Field("Next tick", s.NextTick.Format(time.TimeOnly))
	}
	card.Field("Fired", fmt.Sprintf("%d sent, %d failed, %d unresolved", s.Fired, s.Failed, s.Unresolved)).
		Field("Retired", fmt.Sprintf("%d deleted, %d quarantined", s.Retired, s.Quarantined)).
		Field("In flight", fmt.Sprint(s.InFlight))
	if s.LastError != "" {
		card.Field("Last error", s.LastError)
	}

	parts := []tgui.H{card.HTML()}
	if h.deps.History != nil {
		hist := h.deps.History.History()
		if n := len(hist); n > 5 {
			hist = hist[n-5:]
		}
		if len(hist) > 0 {
			lines := []tgui.H{tgui.B("Recent dispatches")}
			for i := len(hist) - 1; i >= 0; i-- {
				it := hist[i]
				line := tgui.Code(it.At.Format(time.TimeOnly)) + " " + tgui.Esc(it.Name) + " " + tgui.I(string(it.Outcome))
				if it.Error != "" {
					line += " " + tgui.Esc(it.Error)
				}
				lines = append(lines, line)
			}
			parts = append(parts, tgui.JoinH("\n", lines...))
		}
	}
	return req.Reply(ctx, string(tgui.JoinH("\n\n", parts...)))
}
