package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	logx "calbot/pkg/logx"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  owner_user_ids: [1, 2]
  poll_timeout: 10s
logging:
  level: info
  console: true
scheduler:
  poll_interval: 30s
  timezone: UTC
  unresolved_policy: quarantine
storage:
  driver: sqlite
  path: ./calbot.db
calendar:
  default_color: "#336699"
  roles:
    "10": { name: ops, members: [5, 6] }
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)
	t.Setenv(EnvTelegramToken, "")

	cfg, err := NewConfigManager(p).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || !slices.Equal(cfg.Telegram.OwnerUserIDs, []int64{1, 2}) {
		t.Fatalf("telegram=%+v", cfg.Telegram)
	}
	if cfg.Scheduler.PollInterval != "30s" || cfg.Scheduler.UnresolvedPolicy != "quarantine" {
		t.Fatalf("scheduler=%+v", cfg.Scheduler)
	}
	roles := cfg.RoleIDs()
	if r, ok := roles[10]; !ok || r.Name != "ops" || !slices.Equal(r.Members, []int64{5, 6}) {
		t.Fatalf("roles=%+v", roles)
	}
	if loc, err := cfg.Location(); err != nil || loc != time.UTC {
		t.Fatalf("location=%v err=%v", loc, err)
	}
}

func TestEnvTokenOverride(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)
	t.Setenv(EnvTelegramToken, "999:env")

	cfg, err := NewConfigManager(p).Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Telegram.Token != "999:env" {
		t.Fatalf("token=%q", cfg.Telegram.Token)
	}
}

func TestDotEnvAndResolvePath(t *testing.T) {
	dir := t.TempDir()
	env := writeFile(t, dir, ".env", "CALBOT_CONFIG=/etc/calbot/config.yaml\n")
	t.Setenv(EnvConfigPath, "")
	os.Unsetenv(EnvConfigPath)

	if err := LoadDotEnv(env, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("dotenv: %v", err)
	}
	if got := ResolvePath(""); got != "/etc/calbot/config.yaml" {
		t.Fatalf("ResolvePath=%q", got)
	}
	if got := ResolvePath("flag.yaml"); got != "flag.yaml" {
		t.Fatalf("flag path=%q", got)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	p := writeFile(t, t.TempDir(), "config.json", `{"telegram":{"token":"x"},"reminders":{}}`)
	if _, err := NewConfigManager(p).Parse(); err == nil || !strings.Contains(err.Error(), "reminders") {
		t.Fatalf("err=%v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() *Config {
		return &Config{Telegram: TelegramConfig{Token: "t"}}
	}
	tests := []struct {
		name string
		mut  func(c *Config)
		want string
	}{
		{name: "ok", mut: func(*Config) {}},
		{name: "token", mut: func(c *Config) { c.Telegram.Token = "" }, want: "telegram.token"},
		{name: "interval", mut: func(c *Config) { c.Scheduler.PollInterval = "500ms" }, want: ">= 1s"},
		{name: "bad duration", mut: func(c *Config) { c.Scheduler.Lookahead = "soon" }, want: "scheduler.lookahead"},
		{name: "timezone", mut: func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, want: "scheduler.timezone"},
		{name: "policy", mut: func(c *Config) { c.Scheduler.UnresolvedPolicy = "retry" }, want: "unresolved_policy"},
		{name: "driver", mut: func(c *Config) { c.Storage.Driver = "mongo" }, want: "storage.driver"},
		{name: "role key", mut: func(c *Config) { c.Calendar.Roles = map[string]RoleConfig{"ops": {Name: "ops"}} }, want: "calendar.roles"},
		{name: "color", mut: func(c *Config) { c.Calendar.DefaultColor = "blue" }, want: "default_color"},
		{name: "pprof public", mut: func(c *Config) { c.Pprof = PprofConfig{Enabled: true, Addr: "0.0.0.0:6060"} }, want: "pprof.addr"},
		{name: "pprof public with token", mut: func(c *Config) { c.Pprof = PprofConfig{Enabled: true, Addr: "0.0.0.0:6060", Token: "s"} }},
		{name: "log sink without chat", mut: func(c *Config) { c.Logging.Telegram.Enabled = true }, want: "group_log"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base()
			tt.mut(c)
			err := Validate(c)
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err=%v want mention of %q", err, tt.want)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	a := &Config{Telegram: TelegramConfig{Token: "secret-a"}, Scheduler: SchedulerConfig{PollInterval: "1m"}}
	b := &Config{Telegram: TelegramConfig{Token: "secret-b"}, Scheduler: SchedulerConfig{PollInterval: "30s"}, Pprof: PprofConfig{Token: "p"}}

	changed, attrs := SummarizeConfigChange(a, b)
	if !slices.Equal(changed, []string{"pprof", "scheduler", "telegram"}) {
		t.Fatalf("changed=%v", changed)
	}

	var sb strings.Builder
	log := logx.NewWriter(&sb, "debug")
	log.Info("summary", attrs...)
	if out := sb.String(); strings.Contains(out, "secret") || !strings.Contains(out, "30s") {
		t.Fatalf("attrs leak or miss values: %s", out)
	}

	if got := RestartRequired(a, b); !slices.Contains(got, "telegram.token") || !slices.Contains(got, "pprof") {
		t.Fatalf("restart=%v", got)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvTelegramToken, "")
	p := writeFile(t, dir, "config.yaml", sampleYAML)

	m := NewConfigManager(p)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Let the watcher register before writing.
	time.Sleep(100 * time.Millisecond)

	writeFile(t, dir, "config.yaml", strings.Replace(sampleYAML, "unresolved_policy: quarantine", "unresolved_policy: bogus", 1))
	select {
	case cfg := <-ch:
		t.Fatalf("invalid config published: %+v", cfg.Scheduler)
	case <-time.After(300 * time.Millisecond):
	}

	writeFile(t, dir, "config.yaml", strings.Replace(sampleYAML, "poll_interval: 30s", "poll_interval: 2m", 1))
	select {
	case cfg := <-ch:
		if cfg.Scheduler.PollInterval != "2m" {
			t.Fatalf("published %+v", cfg.Scheduler)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reload not published")
	}
	if m.Get().Scheduler.PollInterval != "2m" {
		t.Fatal("reload not committed")
	}
}
