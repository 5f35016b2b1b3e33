package calcmd

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"calbot/internal/calendar"
	"calbot/internal/notifier"
	"calbot/internal/transport/telegram/router"
	logx "calbot/pkg/logx"
	"calbot/pkg/tgui"
)

func (h *Handler) cmdCreate(ctx context.Context, req *router.Request) error {
	opt := h.options()
	args := req.Args
	if len(args) < 3 {
		return router.Usagef("need a name, a date and a time")
	}

	ev := calendar.Event{
		OwnerID:   req.FromID,
		GroupID:   req.Chat.ChatID,
		ChannelID: req.Chat.ChatID,
		ThreadID:  req.Chat.ThreadID,
		Name:      strings.TrimSpace(args[0]),
		Color:     req.Flags["color"],
	}
	rest := args[1:]
	// The description is optional: a date in second place means it was left out.
	if _, err := parseDate(rest[0], opt.Location); err != nil {
		ev.Description = strings.TrimSpace(rest[0])
		rest = rest[1:]
	}
	if len(rest) < 2 {
		return router.Usagef("need a date and a time")
	}
	at, err := combine(rest[0], rest[1], opt.Location)
	if err != nil {
		return router.Usagef("%v", err)
	}
	ev.ScheduledAt = at
	if len(rest) > 2 {
		rec, err := calendar.ParseRecurrence(rest[2])
		if err != nil {
			return router.Usagef("%v", err)
		}
		ev.Recurrence = rec
	}
	if len(rest) > 3 {
		return router.Usagef("unexpected argument %q", rest[3])
	}

	if ev.RecipientUsers, err = idsFlag(req, "users"); err != nil {
		return router.Usagef("users: %v", err)
	}
	if ev.RecipientRoles, err = idsFlag(req, "roles"); err != nil {
		return router.Usagef("roles: %v", err)
	}
	if v := req.Flags["channel"]; v != "" {
		if ev.ChannelID, err = strconv.ParseInt(v, 10, 64); err != nil {
			return router.Usagef("channel must be a chat id")
		}
		// A thread of this chat means nothing in another one.
		ev.ThreadID = 0
	}
	if v := req.Flags["thread"]; v != "" {
		if ev.ThreadID, err = strconv.Atoi(v); err != nil {
			return router.Usagef("thread must be a number")
		}
	}
	ev.CreatedAt = h.now()
	if err := ev.Validate(); err != nil {
		return router.Usagef("%v", err)
	}

	id, err := h.deps.Store.Insert(ctx, ev)
	ev.ID = id
	h.audit(ctx, req, ActionCreate, ev, err, "")
	if err != nil {
		return fmt.Errorf("save event: %w", err)
	}
	req.Logger.Info("event created", logx.String("event_id", ev.ID), logx.String("recurrence", ev.Recurrence.String()))

	return req.Reply(ctx, string(tgui.JoinH("\n\n",
		"✅ "+tgui.B("Event created"),
		h.card(ev, opt),
	)))
}

func (h *Handler) cmdDate(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 2 {
		return router.Usagef("need an event id and a date")
	}
	loc := h.options().Location
	day, err := parseDate(req.Args[1], loc)
	if err != nil {
		return router.Usagef("%v", err)
	}
	return h.mutate(ctx, req, req.Args[0], "date", func(ev *calendar.Event) {
		at := ev.ScheduledAt.In(loc)
		ev.ScheduledAt = time.Date(day.Year(), day.Month(), day.Day(), at.Hour(), at.Minute(), 0, 0, loc)
		ev.QuarantinedAt = nil
	})
}

func (h *Handler) cmdTime(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 2 {
		return router.Usagef("need an event id and a time")
	}
	hour, minute, err := parseClock(req.Args[1])
	if err != nil {
		return router.Usagef("%v", err)
	}
	loc := h.options().Location
	return h.mutate(ctx, req, req.Args[0], "time", func(ev *calendar.Event) {
		at := ev.ScheduledAt.In(loc)
		ev.ScheduledAt = time.Date(at.Year(), at.Month(), at.Day(), hour, minute, 0, 0, loc)
		ev.QuarantinedAt = nil
	})
}

func (h *Handler) cmdRename(ctx context.Context, req *router.Request) error {
	if len(req.Args) < 2 {
		return router.Usagef("need an event id and a name")
	}
	name := strings.TrimSpace(strings.Join(req.Args[1:], " "))
	return h.mutate(ctx, req, req.Args[0], "name", func(ev *calendar.Event) { ev.Name = name })
}

func (h *Handler) cmdTarget(ctx context.Context, req *router.Request, add bool) error {
	ref := req.Flags["event"]
	if ref == "" || len(req.Args) < 2 {
		return router.Usagef("need users|roles, ids and --event")
	}
	kind := strings.ToLower(req.Args[0])
	if kind != "users" && kind != "roles" {
		return router.Usagef("target kind must be users or roles")
	}
	ids, err := calendar.ParseIDs(strings.Join(req.Args[1:], ","))
	if err != nil {
		return router.Usagef("%v", err)
	}
	return h.mutate(ctx, req, ref, kind, func(ev *calendar.Event) {
		list := &ev.RecipientUsers
		if kind == "roles" {
			list = &ev.RecipientRoles
		}
		*list = editIDs(*list, ids, add)
	})
}

// editIDs adds or removes ids while keeping order and uniqueness. An empty
// result is nil so the event reads as having no explicit recipients.
func editIDs(cur, ids []int64, add bool) []int64 {
	out := slices.Clone(cur)
	for _, id := range ids {
		if add && !slices.Contains(out, id) {
			out = append(out, id)
		}
		if !add {
			out = slices.DeleteFunc(out, func(x int64) bool { return x == id })
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (h *Handler) mutate(ctx context.Context, req *router.Request, ref, field string, edit func(*calendar.Event)) error {
	ev, err := h.resolve(ctx, req, ref, false)
	if err != nil {
		return err
	}
	next := ev.Clone()
	edit(&next)
	if err := next.Validate(); err != nil {
		return router.Usagef("%v", err)
	}

	ok, err := h.deps.Store.Update(ctx, next)
	if err == nil && !ok {
		// Fired and retired between lookup and write.
		err = errNoEvent
	}
	h.audit(ctx, req, ActionUpdate, next, err, fieldMeta(field))
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}

	opt := h.options()
	parts := []tgui.H{"✏️ " + tgui.B("Event updated"), h.card(next, opt)}
	if next.Recurrence == calendar.None && next.ScheduledAt.Before(h.now()) {
		parts = append(parts, "⚠️ "+tgui.I("this one-off time is in the past and will not fire"))
	}
	return req.Reply(ctx, string(tgui.JoinH("\n\n", parts...)))
}

func (h *Handler) cmdDelete(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return router.Usagef("need at least one event id")
	}
	var lines []tgui.H
	for _, ref := range req.Args {
		ev, err := h.resolve(ctx, req, ref, false)
		if err != nil {
			lines = append(lines, "❌ "+tgui.Code(ref)+" "+tgui.Esc(err.Error()))
			continue
		}
		ok, err := h.deps.Store.Delete(ctx, ev.ID)
		h.audit(ctx, req, ActionDelete, ev, err, "")
		switch {
		case err != nil:
			lines = append(lines, "❌ "+tgui.Code(shortID(ev.ID))+" "+tgui.Esc(err.Error()))
		case !ok:
			lines = append(lines, "➖ "+tgui.Code(shortID(ev.ID))+" already gone")
		default:
			lines = append(lines, "🗑 "+tgui.Code(shortID(ev.ID))+" "+tgui.Esc(ev.Name))
		}
	}
	return req.Reply(ctx, string(tgui.JoinH("\n", lines...)))
}

// card renders an event the way notifications look, plus its bookkeeping.
func (h *Handler) card(ev calendar.Event, opt Options) tgui.H {
	body := notifier.Render(ev, opt.Render).Body
	extra := tgui.NewCard("").Field("ID", ev.ID)
	if next, ok := calendar.NextOccurrence(ev, h.now()); ok {
		extra.Field("Next", next.Format(dateLayout+" "+timeLayout))
	} else {
		extra.Field("Next", "")
	}
	if ev.ChannelID != ev.GroupID || ev.ThreadID != 0 {
		dest := strconv.FormatInt(ev.ChannelID, 10)
		if ev.ThreadID != 0 {
			dest += "/" + strconv.Itoa(ev.ThreadID)
		}
		extra.Field("Channel", dest)
	}
	if ev.Quarantined() {
		extra.Field("Quarantined", ev.QuarantinedAt.Format(dateLayout+" "+timeLayout))
	}
	return tgui.JoinH("\n", body, extra.HTML())
}

func combine(date, clock string, loc *time.Location) (time.Time, error) {
	day, err := parseDate(date, loc)
	if err != nil {
		return time.Time{}, err
	}
	hour, minute, err := parseClock(clock)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc), nil
}

func idsFlag(req *router.Request, name string) ([]int64, error) {
	v, ok := req.Flags[name]
	if !ok {
		return nil, nil
	}
	return calendar.ParseIDs(v)
}

func fieldMeta(field string) string {
	b, _ := json.Marshal(map[string]string{"field": field})
	return string(b)
}
