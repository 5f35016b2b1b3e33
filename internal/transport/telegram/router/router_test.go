package router

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	kit "calbot/internal/transport"
	logx "calbot/pkg/logx"
)

type sent struct {
	to   kit.ChatTarget
	text string
}

type fakeSender struct {
	mu   sync.Mutex
	out  []sent
	menu chan []kit.BotCommand
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, sent{to: to, text: text})
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeSender) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	if f.menu != nil {
		f.menu <- cmds
	}
	return nil
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.out))
	for _, s := range f.out {
		out = append(out, s.text)
	}
	return out
}

func (f *fakeSender) waitFor(t *testing.T, substr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, s := range f.texts() {
			if strings.Contains(s, substr) {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no reply containing %q, got %q", substr, f.texts())
}

func TestTokenizeCommandLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want []string
	}{
		{in: "", want: nil},
		{in: "/cal show 3", want: []string{"/cal", "show", "3"}},
		{in: `/cal create "Team sync" 'weekly standup'`, want: []string{"/cal", "create", "Team sync", "weekly standup"}},
		{in: `/cal rename 1 “Smart quotes”`, want: []string{"/cal", "rename", "1", "Smart quotes"}},
		{in: `/x "" y`, want: []string{"/x", "", "y"}},
		{in: `/x a\ b`, want: []string{"/x", "a b"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			if got := tokenizeCommandLine(tt.in); !slices.Equal(got, tt.want) {
				t.Fatalf("got %q want %q", got, tt.want)
			}
		})
	}
}

func TestParseFlags(t *testing.T) {
	t.Parallel()

	pos, flags, bools := parseFlags([]string{"a", "--group=ops", "--color", "#fff", "-100123", "-fv", "--dry"})
	if !slices.Equal(pos, []string{"a", "-100123"}) {
		t.Fatalf("pos=%q", pos)
	}
	if flags["group"] != "ops" || flags["color"] != "#fff" {
		t.Fatalf("flags=%v", flags)
	}
	if !bools["f"] || !bools["v"] || !bools["dry"] {
		t.Fatalf("bools=%v", bools)
	}
}

func TestSanitizeTelegramCommand(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"cal create": "cal_create",
		"Cal-Export": "cal_export",
		"9lives":     "cmd_9lives",
		"!!":         "",
	}
	for in, want := range tests {
		if got := sanitizeTelegramCommand(in); got != want {
			t.Errorf("sanitize(%q)=%q want %q", in, got, want)
		}
	}
}

func newTestManager(t *testing.T, owners []int64, cmds []Command) (*CommandManager, *fakeSender, chan kit.Update) {
	t.Helper()
	fs := &fakeSender{}
	m := NewCommandManager(logx.Nop(), fs, owners)
	m.SetRegistry(context.Background(), cmds)

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 8)
	done := make(chan struct{})
	go func() {
		_ = m.DispatchLoop(ctx, updates)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return m, fs, updates
}

func msg(text string, from int64, group bool) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: -42, FromID: from, Text: text, IsGroup: group}}
}

func TestRoutesSubcommandWithFlags(t *testing.T) {
	t.Parallel()

	got := make(chan *Request, 1)
	_, _, updates := newTestManager(t, nil, []Command{{
		Route:   "cal create",
		Aliases: []string{"cc"},
		Handle: func(_ context.Context, req *Request) error {
			got <- req
			return nil
		},
	}})

	for _, text := range []string{`/cal create "Stand up" --color=#abc`, `/cc@calbot "Stand up" --color=#abc`, `/cal_create "Stand up" --color=#abc`} {
		updates <- msg(text, 7, true)
		select {
		case req := <-got:
			if !slices.Equal(req.Args, []string{"Stand up"}) || req.Flags["color"] != "#abc" || req.Command != "cal create" {
				t.Fatalf("%s: req=%+v", text, req)
			}
			if req.Chat.ChatID != -42 || req.FromID != 7 || req.ReqID == "" {
				t.Fatalf("%s: req=%+v", text, req)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s: handler not called", text)
		}
	}
}

func TestOwnerOnlyAccess(t *testing.T) {
	t.Parallel()

	calls := make(chan int64, 4)
	cmd := Command{Route: "cal delete", Access: AccessOwnerOnly, Handle: func(_ context.Context, req *Request) error {
		calls <- req.FromID
		return nil
	}}

	_, fs, updates := newTestManager(t, []int64{1}, []Command{cmd})
	updates <- msg("/cal delete 3", 2, false)
	fs.waitFor(t, "unauthorized")
	updates <- msg("/cal delete 3", 1, false)
	if id := <-calls; id != 1 {
		t.Fatalf("owner call from %d", id)
	}

	// No owners configured: open to everyone.
	_, _, open := newTestManager(t, nil, []Command{cmd})
	open <- msg("/cal delete 3", 2, false)
	select {
	case id := <-calls:
		if id != 2 {
			t.Fatalf("call from %d", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called without owners")
	}
}

func TestHandlerErrorsAreReplied(t *testing.T) {
	t.Parallel()

	_, fs, updates := newTestManager(t, nil, []Command{
		{Route: "bad", Usage: "/bad <id>", Handle: func(context.Context, *Request) error { return Usagef("need an id") }},
		{Route: "boom", Handle: func(context.Context, *Request) error { return errors.New("store <down>") }},
		{Route: "panic", Handle: func(context.Context, *Request) error { panic("x") }},
	})
	updates <- msg("/bad", 1, false)
	fs.waitFor(t, "<code>/bad &lt;id&gt;</code>")
	updates <- msg("/boom", 1, false)
	fs.waitFor(t, "store &lt;down&gt;")
	updates <- msg("/panic", 1, false)
	fs.waitFor(t, "panic: x")
}

func TestUnknownCommand(t *testing.T) {
	t.Parallel()

	_, fs, updates := newTestManager(t, nil, nil)
	updates <- msg("/nope", 1, true)
	updates <- msg("plain text", 1, false)
	updates <- msg("/nope", 1, false)
	fs.waitFor(t, "unknown command")
	if n := len(fs.texts()); n != 1 {
		t.Fatalf("replies=%d want 1 (groups stay quiet)", n)
	}
}

func TestHelpAndMenu(t *testing.T) {
	t.Parallel()

	fs := &fakeSender{menu: make(chan []kit.BotCommand, 1)}
	m := NewCommandManager(logx.Nop(), fs, nil)
	m.SetRegistry(context.Background(), []Command{
		{Route: "cal create", Description: "create an event"},
		{Route: "cal delete", Description: "delete events", Access: AccessOwnerOnly, Handle: func(context.Context, *Request) error { return nil }},
		{Route: "cal show", Description: "show an event", Handle: func(context.Context, *Request) error { return nil }},
	})

	top := m.helpText(nil)
	if !strings.Contains(top, "<code>/cal</code>") || !strings.Contains(top, "<code>/help</code>") {
		t.Fatalf("top help:\n%s", top)
	}
	node := m.helpText([]string{"cal"})
	if !strings.Contains(node, "/cal show") || !strings.Contains(node, "🔒 <code>/cal delete</code>") {
		t.Fatalf("group help:\n%s", node)
	}
	if strings.Contains(node, "cal create") {
		t.Fatalf("command without handler listed:\n%s", node)
	}

	select {
	case menu := <-fs.menu:
		var names []string
		for _, c := range menu {
			names = append(names, c.Command)
		}
		for _, want := range []string{"cal", "help", "cal_show", "cal_delete"} {
			if !slices.Contains(names, want) {
				t.Fatalf("menu %q missing %q", names, want)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("menu not pushed")
	}
}
