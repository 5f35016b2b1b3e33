package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"calbot/internal/calendar"
	"calbot/internal/eventbus"
	kit "calbot/internal/transport"
	logx "calbot/pkg/logx"
)

type fakeSink struct {
	mu       sync.Mutex
	missing  map[int64]bool
	sendErr  error
	resolveE error
	sent     []sentMsg
}

type sentMsg struct {
	to   kit.ChatTarget
	text string
	opt  *kit.SendOptions
}

func (f *fakeSink) ResolveChat(ctx context.Context, chatID int64) (kit.ChatInfo, error) {
	if f.resolveE != nil {
		return kit.ChatInfo{}, f.resolveE
	}
	if f.missing[chatID] {
		return kit.ChatInfo{}, fmt.Errorf("telegram: %w", kit.ErrChatNotFound)
	}
	return kit.ChatInfo{ID: chatID, Type: "group"}, nil
}

func (f *fakeSink) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return kit.MessageRef{}, f.sendErr
	}
	f.sent = append(f.sent, sentMsg{to: to, text: text, opt: opt})
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: len(f.sent)}, nil
}

func sampleEvent() calendar.Event {
	loc := time.UTC
	return calendar.Event{
		ID:          "ev-1",
		ChannelID:   -100,
		ThreadID:    7,
		Name:        "Stand <up>",
		Description: "daily sync",
		ScheduledAt: time.Date(2024, 3, 4, 9, 0, 0, 0, loc),
		CreatedAt:   time.Date(2024, 3, 1, 12, 0, 0, 0, loc),
		Recurrence:  calendar.Weekly,
	}
}

func TestRenderMentionOrder(t *testing.T) {
	t.Parallel()

	roles := map[int64]Role{10: {Name: "ops", Members: []int64{5}}}
	tests := []struct {
		name     string
		users    []int64
		roles    []int64
		want     []string
		mentions bool
	}{
		{name: "none", mentions: false},
		{name: "users only", users: []int64{1, 2}, want: []string{"tg://user?id=1", "tg://user?id=2"}, mentions: true},
		{name: "roles before users", users: []int64{1}, roles: []int64{10}, want: []string{"@ops", "tg://user?id=5", "tg://user?id=1"}, mentions: true},
		{name: "unknown role", roles: []int64{99}, want: []string{"@role99"}, mentions: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ev := sampleEvent()
			ev.RecipientUsers, ev.RecipientRoles = tt.users, tt.roles
			r := Render(ev, RenderOptions{Roles: roles})

			m := r.Mentions.String()
			if (m != "") != tt.mentions {
				t.Fatalf("mentions=%q", m)
			}
			pos := -1
			for _, w := range tt.want {
				i := strings.Index(m, w)
				if i <= pos {
					t.Fatalf("%q missing or out of order in %q", w, m)
				}
				pos = i
			}
			if !tt.mentions && strings.Contains(r.Text(), "\n\n") {
				t.Fatalf("text should start with the card: %q", r.Text())
			}
		})
	}
}

func TestRenderCardFields(t *testing.T) {
	t.Parallel()

	ev := sampleEvent()
	ev.Color = "#ff0000"
	body := Render(ev, RenderOptions{}).Body.String()
	for _, want := range []string{"Stand &lt;up&gt;", "daily sync", "Weekly", "Mon, 04 Mar 2024", "09:00", "Created", "#ff0000"} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
}

func TestDispatchSendsOnce(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4, eventbus.TypeNotifySent)
	defer unsub()

	d := New(Config{}, sink, sink, logx.Nop(), bus)
	if err := d.Dispatch(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(sink.sent) != 1 {
		t.Fatalf("sent=%d want 1", len(sink.sent))
	}
	got := sink.sent[0]
	if got.to != (kit.ChatTarget{ChatID: -100, ThreadID: 7}) || got.opt == nil || got.opt.ParseMode != "HTML" {
		t.Fatalf("sent=%+v", got)
	}
	select {
	case e := <-ch:
		if e.Data.(DispatchEvent).EventID != "ev-1" {
			t.Fatalf("event=%+v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("no notifier.sent event")
	}
	if h := d.History(); len(h) != 1 || h[0].Outcome != OutcomeSent {
		t.Fatalf("history=%+v", h)
	}
}

func TestDispatchFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		sink    *fakeSink
		want    error
		outcome Outcome
	}{
		{name: "unresolved", sink: &fakeSink{missing: map[int64]bool{-100: true}}, want: ErrUnresolved, outcome: OutcomeUnresolved},
		{name: "resolve transient", sink: &fakeSink{resolveE: errors.New("network down")}, want: ErrDelivery, outcome: OutcomeFailed},
		{name: "send fails", sink: &fakeSink{sendErr: errors.New("429")}, want: ErrDelivery, outcome: OutcomeFailed},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := New(Config{HistorySize: 2}, tt.sink, tt.sink, logx.Nop(), nil)
			err := d.Dispatch(context.Background(), sampleEvent())
			if !errors.Is(err, tt.want) {
				t.Fatalf("err=%v want %v", err, tt.want)
			}
			if len(tt.sink.sent) != 0 {
				t.Fatalf("unexpected send")
			}
			if h := d.History(); len(h) != 1 || h[0].Outcome != tt.outcome {
				t.Fatalf("history=%+v", h)
			}
		})
	}
}

func TestHistoryIsBounded(t *testing.T) {
	t.Parallel()

	d := New(Config{HistorySize: 2}, &fakeSink{}, &fakeSink{}, logx.Nop(), nil)
	for i := 0; i < 5; i++ {
		ev := sampleEvent()
		ev.ID = fmt.Sprintf("ev-%d", i)
		_ = d.Dispatch(context.Background(), ev)
	}
	h := d.History()
	if len(h) != 2 || h[1].EventID != "ev-4" {
		t.Fatalf("history=%+v", h)
	}
}

func TestLongEventIsOneMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		mut  func(*calendar.Event)
	}{
		{"description", func(ev *calendar.Event) { ev.Description = strings.Repeat("a<b & ", 2000) }},
		{"name and description", func(ev *calendar.Event) {
			ev.Name = strings.Repeat("n", 5000)
			ev.Description = strings.Repeat("d", 5000)
		}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			sink := &fakeSink{}
			d := New(Config{}, sink, sink, logx.Nop(), nil)
			ev := sampleEvent()
			tc.mut(&ev)
			if err := d.Dispatch(context.Background(), ev); err != nil {
				t.Fatalf("dispatch: %v", err)
			}
			if len(sink.sent) != 1 {
				t.Fatalf("sent=%d want 1", len(sink.sent))
			}
			text := sink.sent[0].text
			if n := utf8.RuneCountInString(text); n > MaxMessageRunes {
				t.Fatalf("runes=%d", n)
			}
			if !strings.Contains(text, "…") {
				t.Fatalf("no truncation marker")
			}
			if strings.Count(text, "<b>") != strings.Count(text, "</b>") {
				t.Fatalf("unbalanced bold tags")
			}
		})
	}
}
