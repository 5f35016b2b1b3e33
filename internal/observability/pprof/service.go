// Package pprof runs the optional debug HTTP server: net/http/pprof plus
// JSON snapshots of the running components under /debug/calbot/.
package pprof

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	rtsup "calbot/internal/runtime/supervisor"
	logx "calbot/pkg/logx"
)

const (
	DefaultAddr = "127.0.0.1:6060"
	pprofPrefix = "/debug/pprof/"
	statePrefix = "/debug/calbot/"
)

// Config controls the debug server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback address needs Token or AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration // 0 keeps /profile usable
	IdleTimeout  time.Duration

	MutexProfileFraction int
	BlockProfileRate     int
}

// SnapshotFunc returns a JSON-encodable view of a component.
type SnapshotFunc func() any

type Service struct {
	mu      sync.Mutex
	log     logx.Logger
	cfg     Config
	sources map[string]SnapshotFunc

	sup *rtsup.Supervisor
}

func New(cfg Config, log logx.Logger) *Service {
	return &Service{cfg: cfg, log: log.With(logx.String("comp", "pprof")), sources: map[string]SnapshotFunc{}}
}

// Register exposes fn at /debug/calbot/<name>. Later registrations replace
// earlier ones.
func (s *Service) Register(name string, fn SnapshotFunc) {
	name = strings.Trim(strings.TrimSpace(name), "/")
	if name == "" || fn == nil {
		return
	}
	s.mu.Lock()
	s.sources[name] = fn
	s.mu.Unlock()
}

// Supervisor returns the serve loop supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Reconfigure applies cfg, starting, stopping or restarting the server.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	applyRuntimeRates(cfg)

	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled && running:
		s.Stop(ctx)
	case cfg.Enabled && !running:
		s.Start(ctx)
	case cfg.Enabled && needsRestart(prev, cfg):
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func needsRestart(a, b Config) bool {
	return a.Addr != b.Addr || a.Token != b.Token || a.AllowInsecure != b.AllowInsecure ||
		a.ReadTimeout != b.ReadTimeout || a.WriteTimeout != b.WriteTimeout || a.IdleTimeout != b.IdleTimeout
}

func applyRuntimeRates(cfg Config) {
	if cfg.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
}

// Start is idempotent. The serve loop restarts with backoff on failure.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.sup.GoRestart("http.serve", s.serveOnce,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
	s.log.Info("pprof stopped")
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if cur.Token == "" && !isLoopbackAddr(addr) {
		if !cur.AllowInsecure {
			s.log.Error("pprof refused to start: non-loopback addr requires token or allow_insecure", logx.String("addr", addr))
			return errors.New("pprof refused to start: insecure bind")
		}
		s.log.Warn("pprof running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      s.handler(cur.Token),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
	}
	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("pprof started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cur.Token != ""))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("pprof server exited unexpectedly")
	}
	return err
}

func (s *Service) handler(token string) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(token, h) }

	mux.HandleFunc("/healthz", wrap(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	mux.HandleFunc(pprofPrefix, wrap(hpprof.Index))
	mux.HandleFunc(pprofPrefix+"cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc(pprofPrefix+"profile", wrap(hpprof.Profile))
	mux.HandleFunc(pprofPrefix+"symbol", wrap(hpprof.Symbol))
	mux.HandleFunc(pprofPrefix+"trace", wrap(hpprof.Trace))
	mux.HandleFunc(statePrefix, wrap(s.serveState))
	return mux
}

// serveState answers /debug/calbot/ with the source list and
// /debug/calbot/<name> with that source's snapshot.
func (s *Service) serveState(w http.ResponseWriter, r *http.Request) {
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, statePrefix), "/")

	s.mu.Lock()
	fn := s.sources[name]
	names := make([]string, 0, len(s.sources))
	for k := range s.sources {
		names = append(names, k)
	}
	s.mu.Unlock()

	var body any
	switch {
	case name == "":
		sort.Strings(names)
		body = map[string]any{"sources": names}
	case fn == nil:
		http.NotFound(w, r)
		return
	default:
		body = fn()
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(body); err != nil {
		s.log.Warn("debug snapshot encode failed", logx.String("source", name), logx.Err(err))
	}
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		}
		if got != tok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil || strings.TrimSpace(h) == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
