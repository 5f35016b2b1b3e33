package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "calbot/internal/runtime/supervisor"
	kit "calbot/internal/transport"
	logx "calbot/pkg/logx"
	"calbot/pkg/tgui"
)

type Access int

const (
	AccessEveryone Access = iota
	// AccessOwnerOnly restricts a command to the configured owners. With no
	// owners configured the bot runs open and everyone may use it.
	AccessOwnerOnly
)

type Command struct {
	// Route is a space-separated command path, e.g. "cal create".
	Route       string
	Aliases     []string // root-level aliases, e.g. ["cc"]
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

type Request struct {
	Update       kit.Update
	Chat         kit.ChatTarget
	FromID       int64
	FromUsername string
	Path         []string // matched command path tokens
	Command      string
	Args         []string // positionals after flags are removed

	RawArgs   []string
	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string

	Sender      kit.Sender
	Logger      logx.Logger
	OwnerUserID []int64

	usage string
}

// Reply sends HTML text back to the chat the request came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Sender.SendText(ctx, r.Chat, text, &kit.SendOptions{ParseMode: tgui.ParseMode, DisablePreview: true})
	return err
}

// IsOwner reports whether the sender is a configured owner.
func (r *Request) IsOwner() bool { return slices.Contains(r.OwnerUserID, r.FromID) }

type CommandManager struct {
	mu     sync.RWMutex
	root   *cmdNode
	alias  map[string]*cmdNode // alias -> leaf node
	owners []int64

	log     logx.Logger
	adapter kit.Sender
	timeout time.Duration

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs chan func()
}

func NewCommandManager(log logx.Logger, adapter kit.Sender, owners []int64) *CommandManager {
	return &CommandManager{
		root:    newRoot(),
		alias:   map[string]*cmdNode{},
		log:     log.With(logx.String("comp", "telegram.router")),
		adapter: adapter,
		owners:  append([]int64(nil), owners...),
		timeout: 30 * time.Second,
		jobs:    make(chan func(), 256),
	}
}

// Supervisor returns the worker pool supervisor (nil if not running).
func (m *CommandManager) Supervisor() *rtsup.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *CommandManager) setSupervisor(sup *rtsup.Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

// tryEnqueue tolerates the jobs channel being closed during shutdown.
func (m *CommandManager) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// SetOwners updates the owner list. Safe during hot reload.
func (m *CommandManager) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *CommandManager) ownersSnapshot() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int64(nil), m.owners...)
}

// SetRegistry installs cmds plus the built-in /help and pushes the Telegram
// menu when the adapter supports it.
func (m *CommandManager) SetRegistry(ctx context.Context, cmds []Command) {
	cmds = append(cmds, Command{
		Route:       "help",
		Aliases:     []string{"h", "start"},
		Description: "show help",
		Usage:       "/help [cmd] [sub...]",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.helpText(req.Args))
		},
	})

	root := newRoot()
	alias := map[string]*cmdNode{}
	var leaves []Command
	for _, c := range cmds {
		route := splitRoute(c.Route)
		if len(route) == 0 || c.Handle == nil {
			continue
		}
		leaf := root.add(route, c)
		leaves = append(leaves, c)

		// Menu autocomplete sends "/cal_create"; map it back to the route.
		// Single-token routes are skipped so "/cal x" still walks the tree.
		if menu, ok := telegramCommandNameFromRoute(route); ok && (len(route) > 1 || menu != route[0]) {
			if _, exists := alias[menu]; !exists {
				alias[menu] = leaf
			}
		}
		for _, a := range c.Aliases {
			a = strings.TrimSpace(a)
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			alias[a] = leaf
			if sa := sanitizeTelegramCommand(a); sa != "" {
				if _, exists := alias[sa]; !exists {
					alias[sa] = leaf
				}
			}
		}
	}

	m.mu.Lock()
	m.root = root
	m.alias = alias
	m.mu.Unlock()

	if up, ok := m.adapter.(kit.CommandMenuUpdater); ok {
		menu := buildTelegramMenuCommands(root, leaves)
		go func() {
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(cctx, menu); err != nil {
				m.log.Warn("menu update failed", logx.Err(err))
			}
		}()
	}
}

// DispatchLoop routes updates to a bounded worker pool until ctx is done or
// updates is closed.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := max(runtime.NumCPU(), 2)
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(m.log), rtsup.WithCancelOnError(false))
	m.setSupervisor(sup, true)
	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					func() {
						defer func() {
							if r := recover(); r != nil {
								m.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
		)
	}

	defer func() {
		m.setSupervisor(sup, false)
		close(m.jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.setSupervisor(nil, false)
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Kind == kit.UpdateMessage {
				m.routeMessage(ctx, up)
			}
		}
	}
}

func (m *CommandManager) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	args := parts[1:]
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	m.mu.RLock()
	rootNode, aliasMap := m.root, m.alias
	m.mu.RUnlock()

	if leaf, ok := aliasMap[word]; ok && leaf.cmd != nil {
		m.enqueueCommand(ctx, up, *leaf.cmd, splitRoute(leaf.cmd.Route), args)
		return
	}

	cur, ok := rootNode.child(word)
	if !ok {
		// Groups see commands meant for other bots; stay quiet there.
		if !msg.IsGroup {
			_, _ = m.adapter.SendText(ctx, chat, "unknown command, try /help", nil)
		}
		return
	}
	path := []string{word}
	for len(args) > 0 && !isFlag(args[0]) {
		child, ok := cur.child(args[0])
		if !ok {
			break
		}
		cur = child
		path = append(path, args[0])
		args = args[1:]
	}

	if cur.cmd == nil {
		_, _ = m.adapter.SendText(ctx, chat, m.helpText(path), &kit.SendOptions{ParseMode: tgui.ParseMode, DisablePreview: true})
		return
	}
	m.enqueueCommand(ctx, up, *cur.cmd, path, args)
}

func (m *CommandManager) enqueueCommand(ctx context.Context, up kit.Update, cmd Command, path []string, raw []string) {
	msg := up.Message
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	owners := m.ownersSnapshot()
	if cmd.Access == AccessOwnerOnly && len(owners) > 0 && !slices.Contains(owners, msg.FromID) {
		_, _ = m.adapter.SendText(ctx, chat, "unauthorized", nil)
		return
	}

	pos, flags, bools := parseFlags(raw)
	rid := newReqID()
	req := &Request{
		Update:       up,
		Chat:         chat,
		FromID:       msg.FromID,
		FromUsername: msg.FromUsername,
		Path:         path,
		Command:      cmd.Route,
		Args:         pos,
		RawArgs:      raw,
		Flags:        flags,
		BoolFlags:    bools,
		ReqID:        rid,
		Sender:       m.adapter,
		OwnerUserID:  owners,
		usage:        cmd.Usage,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Route),
		),
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = m.timeout
	}
	final := Chain(cmd.Handle,
		MWRequestLog(m.log),
		MWReplyError(),
		MWPanicRecover(m.log),
		MWTimeout(timeout),
	)
	if !m.tryEnqueue(func() { _ = final(ctx, req) }) {
		_, _ = m.adapter.SendText(ctx, chat, "busy, try again", nil)
	}
}
