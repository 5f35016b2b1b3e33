package calcmd

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"calbot/internal/calendar"
	"calbot/internal/notifier"
	"calbot/internal/storage"
	"calbot/internal/task/scheduler"
	kit "calbot/internal/transport"
	"calbot/internal/transport/telegram/router"
	logx "calbot/pkg/logx"
)

const chat = int64(-1001)

type replies struct {
	mu   sync.Mutex
	text []string
	docs map[string]string
}

func (r *replies) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.text = append(r.text, text)
	return kit.MessageRef{}, nil
}

func (r *replies) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.text) == 0 {
		return ""
	}
	return r.text[len(r.text)-1]
}

type docReplies struct{ replies }

func (r *docReplies) SendDocument(_ context.Context, _ kit.ChatTarget, name string, data []byte, _ string) (kit.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.docs == nil {
		r.docs = map[string]string{}
	}
	r.docs[name] = string(data)
	return kit.MessageRef{}, nil
}

type auditLog struct {
	mu      sync.Mutex
	entries []storage.AuditEntry
}

func (a *auditLog) Record(_ context.Context, e storage.AuditEntry) {
	a.mu.Lock()
	a.entries = append(a.entries, e)
	a.mu.Unlock()
}

func (a *auditLog) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}

type fixture struct {
	h     *Handler
	store storage.Store
	clock *scheduler.FixedClock
	audit *auditLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "cal.db"), Location: time.UTC}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{
		store: st,
		clock: scheduler.NewFixedClock(time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)),
		audit: &auditLog{},
	}
	f.h = New(Options{Location: time.UTC}, Deps{Store: st, Clock: f.clock, Audit: f.audit, Log: logx.Nop()})
	return f
}

func request(sender kit.Sender, from int64, raw ...string) *router.Request {
	req := &router.Request{
		Chat:      kit.ChatTarget{ChatID: chat},
		FromID:    from,
		Flags:     map[string]string{},
		BoolFlags: map[string]bool{},
		Sender:    sender,
		Logger:    logx.Nop(),
	}
	for _, a := range raw {
		if k, v, ok := strings.Cut(strings.TrimPrefix(a, "--"), "="); ok && strings.HasPrefix(a, "--") {
			req.Flags[k] = v
			continue
		}
		req.Args = append(req.Args, a)
	}
	return req
}

func (f *fixture) only(t *testing.T) calendar.Event {
	t.Helper()
	all, err := f.store.FindAll(context.Background())
	if err != nil || len(all) != 1 {
		t.Fatalf("events=%d err=%v", len(all), err)
	}
	return all[0]
}

func TestCreate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		want func(t *testing.T, ev calendar.Event)
	}{
		{
			name: "full",
			args: []string{"Stand up", "daily sync", "2024-03-05", "09:30", "weekly", "--users=1,2", "--roles=10", "--color=#00ff00", "--thread=7"},
			want: func(t *testing.T, ev calendar.Event) {
				if ev.Description != "daily sync" || ev.Recurrence != calendar.Weekly || ev.Color != "#00ff00" {
					t.Fatalf("ev=%+v", ev)
				}
				if !slices.Equal(ev.RecipientUsers, []int64{1, 2}) || !slices.Equal(ev.RecipientRoles, []int64{10}) {
					t.Fatalf("recipients=%v %v", ev.RecipientUsers, ev.RecipientRoles)
				}
				if ev.ChannelID != chat || ev.GroupID != chat || ev.ThreadID != 7 || ev.OwnerID != 42 {
					t.Fatalf("scope=%+v", ev)
				}
			},
		},
		{
			name: "no description",
			args: []string{"Lunch", "2024-03-05", "12:00"},
			want: func(t *testing.T, ev calendar.Event) {
				if ev.Description != "" || ev.Recurrence != calendar.None {
					t.Fatalf("ev=%+v", ev)
				}
				if want := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC); !ev.ScheduledAt.Equal(want) {
					t.Fatalf("at=%v want %v", ev.ScheduledAt, want)
				}
			},
		},
		{
			name: "other channel",
			args: []string{"Ping", "2024-03-05", "12:00", "--channel=-2002"},
			want: func(t *testing.T, ev calendar.Event) {
				if ev.ChannelID != -2002 || ev.GroupID != chat {
					t.Fatalf("ev=%+v", ev)
				}
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			out := &replies{}
			if err := f.h.cmdCreate(context.Background(), request(out, 42, tt.args...)); err != nil {
				t.Fatalf("create: %v", err)
			}
			tt.want(t, f.only(t))
			if !strings.Contains(out.last(), "Event created") {
				t.Fatalf("reply=%q", out.last())
			}
			if got := f.audit.actions(); !slices.Equal(got, []string{ActionCreate}) {
				t.Fatalf("audit=%v", got)
			}
		})
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	t.Parallel()

	tests := map[string][]string{
		"too few":     {"x"},
		"bad date":    {"x", "desc", "05-03-2024", "09:00"},
		"bad time":    {"x", "2024-03-05", "9am"},
		"bad rec":     {"x", "2024-03-05", "09:00", "hourly"},
		"bad users":   {"x", "2024-03-05", "09:00", "--users=a"},
		"bad color":   {"x", "2024-03-05", "09:00", "--color=red"},
		"extra token": {"x", "d", "2024-03-05", "09:00", "daily", "junk"},
	}
	for name, args := range tests {
		name, args := name, args
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			err := f.h.cmdCreate(context.Background(), request(&replies{}, 1, args...))
			var ue *router.UsageError
			if !errors.As(err, &ue) {
				t.Fatalf("err=%v, want usage error", err)
			}
			if all, _ := f.store.FindAll(context.Background()); len(all) != 0 {
				t.Fatalf("stored %d events", len(all))
			}
		})
	}
}

func seed(t *testing.T, f *fixture, ev calendar.Event) string {
	t.Helper()
	if ev.GroupID == 0 {
		ev.GroupID = chat
	}
	if ev.ChannelID == 0 {
		ev.ChannelID = ev.GroupID
	}
	id, err := f.store.Insert(context.Background(), ev)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestDateAndTimeClearQuarantine(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	q := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	id := seed(t, f, calendar.Event{Name: "Review", ScheduledAt: time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC), QuarantinedAt: &q})

	ctx := context.Background()
	if err := f.h.cmdDate(ctx, request(&replies{}, 1, id, "2024-03-09")); err != nil {
		t.Fatalf("date: %v", err)
	}
	ev := f.only(t)
	if want := time.Date(2024, 3, 9, 10, 15, 0, 0, time.UTC); !ev.ScheduledAt.Equal(want) || ev.Quarantined() {
		t.Fatalf("after date: at=%v quarantined=%v", ev.ScheduledAt, ev.Quarantined())
	}

	// ID prefixes are accepted.
	if err := f.h.cmdTime(ctx, request(&replies{}, 1, id[:6], "18:45")); err != nil {
		t.Fatalf("time: %v", err)
	}
	if want := time.Date(2024, 3, 9, 18, 45, 0, 0, time.UTC); !f.only(t).ScheduledAt.Equal(want) {
		t.Fatalf("after time: at=%v", f.only(t).ScheduledAt)
	}
	if got := f.audit.actions(); !slices.Equal(got, []string{ActionUpdate, ActionUpdate}) {
		t.Fatalf("audit=%v", got)
	}
}

func TestOtherChatsAreInvisible(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := seed(t, f, calendar.Event{GroupID: -999, Name: "Elsewhere", ScheduledAt: time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)})
	ctx := context.Background()

	if err := f.h.cmdRename(ctx, request(&replies{}, 1, id, "Mine")); !errors.Is(err, errNoEvent) {
		t.Fatalf("rename err=%v", err)
	}
	if err := f.h.cmdShow(ctx, request(&replies{}, 1, "Else")); !errors.Is(err, errNoEvent) {
		t.Fatalf("show err=%v", err)
	}
	if f.only(t).Name != "Elsewhere" {
		t.Fatal("event from another chat was modified")
	}
}

func TestTargetAddRemove(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := seed(t, f, calendar.Event{Name: "Ops", ScheduledAt: time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC), RecipientUsers: []int64{1}})
	ctx := context.Background()

	if err := f.h.cmdTarget(ctx, request(&replies{}, 1, "users", "2", "1", "--event="+id), true); err != nil {
		t.Fatal(err)
	}
	if err := f.h.cmdTarget(ctx, request(&replies{}, 1, "roles", "10", "--event="+id), true); err != nil {
		t.Fatal(err)
	}
	ev := f.only(t)
	if !slices.Equal(ev.RecipientUsers, []int64{1, 2}) || !slices.Equal(ev.RecipientRoles, []int64{10}) {
		t.Fatalf("after add: %v %v", ev.RecipientUsers, ev.RecipientRoles)
	}

	if err := f.h.cmdTarget(ctx, request(&replies{}, 1, "users", "1,2", "--event="+id), false); err != nil {
		t.Fatal(err)
	}
	if ev := f.only(t); ev.RecipientUsers != nil {
		t.Fatalf("after remove: %v", ev.RecipientUsers)
	}

	var ue *router.UsageError
	if err := f.h.cmdTarget(ctx, request(&replies{}, 1, "people", "1", "--event="+id), true); !errors.As(err, &ue) {
		t.Fatalf("bad kind err=%v", err)
	}
}

func TestDayAgenda(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	// 2024-03-04 is a Monday.
	seed(t, f, calendar.Event{Name: "Weekly sync", ScheduledAt: time.Date(2024, 2, 5, 9, 0, 0, 0, time.UTC), Recurrence: calendar.Weekly})
	seed(t, f, calendar.Event{Name: "Dentist", ScheduledAt: time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)})
	seed(t, f, calendar.Event{Name: "Tomorrow", ScheduledAt: time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)})

	out := &replies{}
	if err := f.h.cmdDay(context.Background(), request(out, 1)); err != nil {
		t.Fatal(err)
	}
	got := out.last()
	if !strings.Contains(got, "Weekly sync") || !strings.Contains(got, "Dentist") || strings.Contains(got, "Tomorrow") {
		t.Fatalf("agenda:\n%s", got)
	}
	if strings.Index(got, "Weekly sync") > strings.Index(got, "Dentist") {
		t.Fatalf("agenda not ordered by time:\n%s", got)
	}
}

func TestDeleteAndFind(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := seed(t, f, calendar.Event{Name: "Retro", ScheduledAt: time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)})
	ctx := context.Background()

	out := &replies{}
	if err := f.h.cmdFind(ctx, request(out, 1, "re")); err != nil || !strings.Contains(out.last(), "Retro") {
		t.Fatalf("find err=%v reply=%q", err, out.last())
	}
	if err := f.h.cmdDelete(ctx, request(out, 1, id, "nope")); err != nil {
		t.Fatal(err)
	}
	if all, _ := f.store.FindAll(ctx); len(all) != 0 {
		t.Fatalf("left %d events", len(all))
	}
	if !strings.Contains(out.last(), "Retro") || !strings.Contains(out.last(), "nope") {
		t.Fatalf("reply=%q", out.last())
	}
}

func TestExport(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	seed(t, f, calendar.Event{Name: "Standup", ScheduledAt: time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC), Recurrence: calendar.Daily})

	out := &docReplies{}
	if err := f.h.cmdExport(context.Background(), request(out, 1)); err != nil {
		t.Fatal(err)
	}
	var ics string
	for _, v := range out.docs {
		ics = v
	}
	if !strings.Contains(ics, "SUMMARY:Standup") || !strings.Contains(ics, "FREQ=DAILY") {
		t.Fatalf("ics:\n%s", ics)
	}

	plain := &replies{}
	if err := f.h.cmdExport(context.Background(), request(plain, 1)); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(plain.last(), "<pre>") {
		t.Fatalf("fallback reply=%q", plain.last())
	}
}

type staticStatus scheduler.Snapshot

func (s staticStatus) Snapshot() scheduler.Snapshot { return scheduler.Snapshot(s) }

type staticHistory []notifier.HistoryItem

func (h staticHistory) History() []notifier.HistoryItem { return h }

func TestStatus(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	out := &replies{}
	if err := f.h.cmdStatus(context.Background(), request(out, 1)); !errors.Is(err, errNotStarted) {
		t.Fatalf("err=%v", err)
	}

	f.h.deps.Status = staticStatus{Running: true, PollInterval: time.Minute, Lookahead: 30 * time.Second, Location: "UTC", Fired: 3}
	f.h.deps.History = staticHistory{{At: f.clock.Now(), Name: "Standup", Outcome: notifier.OutcomeUnresolved, Error: "chat not found"}}
	if err := f.h.cmdStatus(context.Background(), request(out, 1)); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"running", "±30s", "3 sent", "Standup", "unresolved"} {
		if !strings.Contains(out.last(), want) {
			t.Fatalf("status missing %q:\n%s", want, out.last())
		}
	}
}

type slowResolver struct {
	delay time.Duration
	calls []int64
}

func (r *slowResolver) ResolveChat(_ context.Context, chatID int64) (kit.ChatInfo, error) {
	r.calls = append(r.calls, chatID)
	time.Sleep(r.delay)
	return kit.ChatInfo{ID: chatID}, nil
}

func TestPingAndLatency(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	out := &replies{}

	if err := f.h.cmdPing(context.Background(), request(out, 1)); err != nil || out.last() != "pong" {
		t.Fatalf("ping = %q, %v", out.last(), err)
	}

	if err := f.h.cmdLatency(context.Background(), request(out, 1)); !errors.Is(err, errNoResolver) {
		t.Fatalf("latency without resolver: %v", err)
	}

	res := &slowResolver{delay: 5 * time.Millisecond}
	h := New(Options{Location: time.UTC}, Deps{Store: f.store, Clock: f.clock, Resolver: res, Log: logx.Nop()})
	if err := h.cmdLatency(context.Background(), request(out, 1)); err != nil {
		t.Fatalf("latency: %v", err)
	}
	if !slices.Equal(res.calls, []int64{chat}) || !strings.HasSuffix(out.last(), " ms") || out.last() == "0 ms" {
		t.Fatalf("calls=%v reply=%q", res.calls, out.last())
	}
}
