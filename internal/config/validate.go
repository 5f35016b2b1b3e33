package config

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var colorRe = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// Validate checks a decoded config. Every problem is reported, joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(fmt.Errorf("telegram.token is required (or set %s)", EnvTelegramToken))
	}
	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	if g := strings.TrimSpace(cfg.Telegram.GroupLog); g != "" {
		if _, err := strconv.ParseInt(g, 10, 64); err != nil {
			add(fmt.Errorf("telegram.group_log: %q is not a chat id", g))
		}
	}
	if cfg.Logging.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.GroupLog) == "" {
		add(errors.New("logging.telegram.enabled needs telegram.group_log"))
	}

	s := cfg.Scheduler
	interval, err := ParseDurationField("scheduler.poll_interval", s.PollInterval)
	add(err)
	if interval > 0 && interval < time.Second {
		add(errors.New("scheduler.poll_interval must be >= 1s"))
	}
	dur("scheduler.lookahead", s.Lookahead)
	dur("scheduler.retire_timeout", s.RetireTimeout)
	if _, err := cfg.Location(); err != nil {
		add(err)
	}
	switch strings.ToLower(strings.TrimSpace(s.UnresolvedPolicy)) {
	case "", "drop", "quarantine":
	default:
		add(fmt.Errorf("scheduler.unresolved_policy: %q (want drop|quarantine)", s.UnresolvedPolicy))
	}

	if cfg.Dispatch.RatePerSec < 0 {
		add(errors.New("dispatch.rate_per_sec must be >= 0"))
	}
	dur("dispatch.send_timeout", cfg.Dispatch.SendTimeout)
	dur("task_engine.default_timeout", cfg.TaskEngine.DefaultTimeout)
	dur("task_engine.retry_base", cfg.TaskEngine.RetryBase)
	if cfg.TaskEngine.Workers < 0 || cfg.TaskEngine.QueueSize < 0 {
		add(errors.New("task_engine.workers and queue_size must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "file":
	default:
		add(fmt.Errorf("storage.driver: %q (want sqlite|file)", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	if c := cfg.Calendar.DefaultColor; c != "" && !colorRe.MatchString(c) {
		add(fmt.Errorf("calendar.default_color: %q must be #RRGGBB", c))
	}
	for key, r := range cfg.Calendar.Roles {
		if id, err := strconv.ParseInt(key, 10, 64); err != nil || id <= 0 {
			add(fmt.Errorf("calendar.roles: key %q must be a positive role id", key))
		}
		if strings.TrimSpace(r.Name) == "" {
			add(fmt.Errorf("calendar.roles.%s.name is required", key))
		}
	}

	if cfg.Pprof.Enabled {
		dur("pprof.read_timeout", cfg.Pprof.ReadTimeout)
		dur("pprof.write_timeout", cfg.Pprof.WriteTimeout)
		dur("pprof.idle_timeout", cfg.Pprof.IdleTimeout)
		if !IsLoopbackAddr(cfg.Pprof.Addr) && cfg.Pprof.Token == "" && !cfg.Pprof.AllowInsecure {
			add(fmt.Errorf("pprof.addr %q is not loopback; set pprof.token or pprof.allow_insecure", cfg.Pprof.Addr))
		}
	}
	return errors.Join(errs...)
}

// Location returns the scheduler timezone. Empty means time.Local.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Scheduler.Timezone)
	if tz == "" || strings.EqualFold(tz, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}

// RoleIDs returns the role directory keyed by numeric ID. Invalid keys are
// skipped; Validate reports them.
func (c *Config) RoleIDs() map[int64]RoleConfig {
	out := make(map[int64]RoleConfig, len(c.Calendar.Roles))
	for k, r := range c.Calendar.Roles {
		if id, err := strconv.ParseInt(k, 10, 64); err == nil && id > 0 {
			out[id] = r
		}
	}
	return out
}

// IsLoopbackAddr reports whether a listen address binds to loopback only.
// An empty address means the default "127.0.0.1:6060".
func IsLoopbackAddr(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return true
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
