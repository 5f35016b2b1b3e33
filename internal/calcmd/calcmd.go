// Package calcmd implements the /cal chat commands on top of the event store.
//
// Reads are scoped to the chat the command came from. Mutating commands are
// owner-only when owners are configured.
package calcmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"calbot/internal/calendar"
	"calbot/internal/notifier"
	"calbot/internal/storage"
	"calbot/internal/task/scheduler"
	kit "calbot/internal/transport"
	"calbot/internal/transport/telegram/router"
	logx "calbot/pkg/logx"
)

// Audit actions recorded for operator changes.
const (
	ActionCreate = "calendar.create"
	ActionUpdate = "calendar.update"
	ActionDelete = "calendar.delete"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"
	minIDRef   = 4
)

var (
	errNoEvent    = errors.New("no such event in this chat")
	errAmbiguous  = errors.New("reference matches more than one event")
	errBadDate    = errors.New("date must be YYYY-MM-DD")
	errBadTime    = errors.New("time must be HH:MM")
	errNotStarted = errors.New("scheduler status unavailable")
)

type StatusSource interface {
	Snapshot() scheduler.Snapshot
}

type HistorySource interface {
	History() []notifier.HistoryItem
}

type Auditor interface {
	Record(ctx context.Context, e storage.AuditEntry)
}

type Deps struct {
	Store    storage.EventStore
	Clock    scheduler.Clock
	Status   StatusSource     // optional
	History  HistorySource    // optional
	Audit    Auditor          // optional
	Resolver kit.ChatResolver // optional, backs /latency
	Log      logx.Logger
}

// Options are the hot-reloadable settings.
type Options struct {
	Location *time.Location
	Render   notifier.RenderOptions
	// MaxList caps list replies.
	MaxList int
	ProdID  string
}

func (o Options) withDefaults() Options {
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.MaxList <= 0 {
		o.MaxList = 25
	}
	if o.ProdID == "" {
		o.ProdID = "-//calbot//calendar//EN"
	}
	return o
}

type Handler struct {
	deps Deps
	log  logx.Logger

	mu  sync.RWMutex
	opt Options
}

func New(opt Options, deps Deps) *Handler {
	if deps.Clock == nil {
		deps.Clock = scheduler.SystemClock{Location: opt.Location}
	}
	return &Handler{
		deps: deps,
		log:  deps.Log.With(logx.String("comp", "calcmd")),
		opt:  opt.withDefaults(),
	}
}

func (h *Handler) Apply(opt Options) {
	h.mu.Lock()
	h.opt = opt.withDefaults()
	h.mu.Unlock()
}

func (h *Handler) options() Options {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.opt
}

func (h *Handler) now() time.Time {
	return h.deps.Clock.Now().In(h.options().Location)
}

func (h *Handler) Commands() []router.Command {
	return []router.Command{
		{
			Route:       "cal create",
			Description: "create an event",
			Usage:       `/cal create "name" ["description"] YYYY-MM-DD HH:MM [none|daily|weekly|monthly|yearly] [--users=1,2] [--roles=10] [--color=#hex] [--channel=<chat id>] [--thread=<id>]`,
			Aliases:     []string{"cc"},
			Access:      router.AccessOwnerOnly,
			Handle:      h.cmdCreate,
		},
		{
			Route:       "cal day",
			Description: "agenda for a day",
			Usage:       "/cal day [YYYY-MM-DD]",
			Aliases:     []string{"today"},
			Handle:      h.cmdDay,
		},
		{
			Route:       "cal show",
			Description: "show an event",
			Usage:       "/cal show <id|name-prefix>",
			Handle:      h.cmdShow,
		},
		{
			Route:       "cal find",
			Description: "search events by name prefix",
			Usage:       "/cal find [prefix]",
			Handle:      h.cmdFind,
		},
		{
			Route:       "cal date",
			Description: "change the date of an event",
			Usage:       "/cal date <id> YYYY-MM-DD",
			Access:      router.AccessOwnerOnly,
			Handle:      h.cmdDate,
		},
		{
			Route:       "cal time",
			Description: "change the time of an event",
			Usage:       "/cal time <id> HH:MM",
			Access:      router.AccessOwnerOnly,
			Handle:      h.cmdTime,
		},
		{
			Route:       "cal rename",
			Description: "rename an event",
			Usage:       `/cal rename <id> "new name"`,
			Access:      router.AccessOwnerOnly,
			Handle:      h.cmdRename,
		},
		{
			Route:       "cal delete",
			Description: "delete events",
			Usage:       "/cal delete <id> [id...]",
			Access:      router.AccessOwnerOnly,
			Handle:      h.cmdDelete,
		},
		{
			Route:       "cal target add",
			Description: "add recipients",
			Usage:       "/cal target add users|roles <ids...> --event=<id>",
			Access:      router.AccessOwnerOnly,
			Handle:      func(ctx context.Context, req *router.Request) error { return h.cmdTarget(ctx, req, true) },
		},
		{
			Route:       "cal target remove",
			Description: "remove recipients",
			Usage:       "/cal target remove users|roles <ids...> --event=<id>",
			Access:      router.AccessOwnerOnly,
			Handle:      func(ctx context.Context, req *router.Request) error { return h.cmdTarget(ctx, req, false) },
		},
		{
			Route:       "cal export",
			Description: "export this chat's events as ICS",
			Usage:       "/cal export",
			Handle:      h.cmdExport,
		},
		{
			Route:       "cal status",
			Description: "scheduler status and recent dispatches",
			Usage:       "/cal status",
			Handle:      h.cmdStatus,
		},
		{
			Route:       "ping",
			Description: "receive a pong",
			Usage:       "/ping",
			Handle:      h.cmdPing,
		},
		{
			Route:       "latency",
			Description: "round-trip time to the Telegram API",
			Usage:       "/latency",
			Handle:      h.cmdLatency,
		},
	}
}

// chatEvents returns the events created in the request's chat.
func (h *Handler) chatEvents(ctx context.Context, req *router.Request) ([]calendar.Event, error) {
	all, err := h.deps.Store.FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	return calendar.Filter(all, calendar.InGroup(req.Chat.ChatID)), nil
}

// resolve finds one event of the chat by full ID or ID prefix. When
// byName is set a name prefix is tried last.
func (h *Handler) resolve(ctx context.Context, req *router.Request, ref string, byName bool) (calendar.Event, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return calendar.Event{}, router.Usagef("missing event id")
	}
	if ev, ok, err := h.deps.Store.FindByID(ctx, ref); err != nil {
		return calendar.Event{}, err
	} else if ok {
		if ev.GroupID != req.Chat.ChatID {
			return calendar.Event{}, errNoEvent
		}
		return ev, nil
	}

	events, err := h.chatEvents(ctx, req)
	if err != nil {
		return calendar.Event{}, err
	}
	var hits []calendar.Event
	if len(ref) >= minIDRef {
		hits = calendar.Filter(events, func(ev calendar.Event) bool { return strings.HasPrefix(ev.ID, strings.ToLower(ref)) })
	}
	if len(hits) == 0 && byName {
		hits = calendar.Filter(events, calendar.ByNamePrefix(ref))
	}
	switch len(hits) {
	case 0:
		return calendar.Event{}, errNoEvent
	case 1:
		return hits[0], nil
	default:
		return calendar.Event{}, fmt.Errorf("%w: %q", errAmbiguous, ref)
	}
}

func (h *Handler) audit(ctx context.Context, req *router.Request, action string, ev calendar.Event, err error, meta string) {
	if h.deps.Audit == nil {
		return
	}
	e := storage.AuditEntry{
		At:        h.deps.Clock.Now(),
		ActorID:   req.FromID,
		ChatID:    req.Chat.ChatID,
		ThreadID:  req.Chat.ThreadID,
		Component: "calcmd",
		Action:    action,
		EventID:   ev.ID,
		Target:    ev.Name,
		OK:        err == nil,
		MetaJSON:  meta,
	}
	if err != nil {
		e.Error = err.Error()
	}
	h.deps.Audit.Record(ctx, e)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func parseDate(s string, loc *time.Location) (time.Time, error) {
	d, err := time.ParseInLocation(dateLayout, strings.TrimSpace(s), loc)
	if err != nil {
		return time.Time{}, errBadDate
	}
	return d, nil
}

func parseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse(timeLayout, strings.TrimSpace(s))
	if err != nil {
		return 0, 0, errBadTime
	}
	return t.Hour(), t.Minute(), nil
}
