package app

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"calbot/internal/calcmd"
	"calbot/internal/config"
	"calbot/internal/notifier"
	"calbot/internal/observability/pprof"
	"calbot/internal/storage"
	"calbot/internal/task/engine"
	"calbot/internal/task/scheduler"
	logx "calbot/pkg/logx"
)

// ICSProdID identifies calbot in exported calendars.
const ICSProdID = "-//calbot//calendar//EN"

// groupLogChat parses telegram.group_log. Empty yields 0.
func groupLogChat(cfg *config.Config) int64 {
	id, err := strconv.ParseInt(strings.TrimSpace(cfg.Telegram.GroupLog), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    l.Telegram.Enabled,
			ChatID:     groupLogChat(cfg),
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config, loc *time.Location) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
		Location:    loc,
	}, nil
}

// OpenStore opens the configured event store. A disabled store is an error:
// the bot has nothing to schedule without one.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, *time.Location, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, nil, err
	}
	sc, err := mapStorageConfig(cfg, loc)
	if err != nil {
		return nil, nil, err
	}
	st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if errors.Is(err, storage.ErrDisabled) {
		return nil, nil, errors.New("storage.driver none is not supported: events need a store")
	}
	if err != nil {
		return nil, nil, err
	}
	return st, loc, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	enabled := true
	if te.Enabled != nil {
		enabled = *te.Enabled
	}
	def, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	base, err := config.ParseDurationField("task_engine.retry_base", te.RetryBase)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Enabled:        enabled,
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: def,
		RetryMax:       te.RetryMax,
		RetryBase:      base,
		HistorySize:    te.HistorySize,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	s := cfg.Scheduler
	loc, err := cfg.Location()
	if err != nil {
		return scheduler.Config{}, err
	}
	policy, err := scheduler.ParseUnresolvedPolicy(s.UnresolvedPolicy)
	if err != nil {
		return scheduler.Config{}, err
	}
	interval, err := config.ParseDurationField("scheduler.poll_interval", s.PollInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	lookahead, err := config.ParseDurationField("scheduler.lookahead", s.Lookahead)
	if err != nil {
		return scheduler.Config{}, err
	}
	retire, err := config.ParseDurationField("scheduler.retire_timeout", s.RetireTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		PollInterval:     interval,
		Lookahead:        lookahead,
		Location:         loc,
		UnresolvedPolicy: policy,
		RetireTimeout:    retire,
	}, nil
}

func mapRenderOptions(cfg *config.Config) notifier.RenderOptions {
	c := cfg.Calendar
	var roles map[int64]notifier.Role
	if ids := cfg.RoleIDs(); len(ids) > 0 {
		roles = make(map[int64]notifier.Role, len(ids))
		for id, r := range ids {
			roles[id] = notifier.Role{Name: r.Name, Members: r.Members}
		}
	}
	return notifier.RenderOptions{
		DateFormat:   c.DateFormat,
		TimeFormat:   c.TimeFormat,
		DefaultColor: c.DefaultColor,
		Roles:        roles,
	}
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	d := cfg.Dispatch
	timeout, err := config.ParseDurationField("dispatch.send_timeout", d.SendTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		RatePerSec:  d.RatePerSec,
		Burst:       d.Burst,
		SendTimeout: timeout,
		HistorySize: d.HistorySize,
		Render:      mapRenderOptions(cfg),
	}, nil
}

func mapCalendarOptions(cfg *config.Config) (calcmd.Options, error) {
	loc, err := cfg.Location()
	if err != nil {
		return calcmd.Options{}, err
	}
	return calcmd.Options{
		Location: loc,
		Render:   mapRenderOptions(cfg),
		MaxList:  cfg.Calendar.MaxList,
		ProdID:   ICSProdID,
	}, nil
}

func mapPprofConfig(cfg *config.Config) (pprof.Config, error) {
	p := cfg.Pprof
	out := pprof.Config{
		Enabled:              p.Enabled,
		Addr:                 p.Addr,
		Token:                p.Token,
		AllowInsecure:        p.AllowInsecure,
		MutexProfileFraction: p.MutexProfileFraction,
		BlockProfileRate:     p.BlockProfileRate,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationField("pprof.read_timeout", p.ReadTimeout); err != nil {
		return pprof.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("pprof.write_timeout", p.WriteTimeout); err != nil {
		return pprof.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationField("pprof.idle_timeout", p.IdleTimeout); err != nil {
		return pprof.Config{}, err
	}
	return out, nil
}

// mapAll maps every hot-reloadable section, so a bad reload is rejected
// before anything is applied.
type mapped struct {
	logging  logx.Config
	engine   engine.Config
	sched    scheduler.Config
	notifier notifier.Config
	calendar calcmd.Options
	pprof    pprof.Config
}

func mapAll(cfg *config.Config) (mapped, error) {
	var (
		m   mapped
		err error
	)
	m.logging = mapLoggingConfig(cfg)
	if m.engine, err = mapEngineConfig(cfg); err != nil {
		return m, err
	}
	if m.sched, err = mapSchedulerConfig(cfg); err != nil {
		return m, err
	}
	if m.notifier, err = mapNotifierConfig(cfg); err != nil {
		return m, err
	}
	if m.calendar, err = mapCalendarOptions(cfg); err != nil {
		return m, err
	}
	if m.pprof, err = mapPprofConfig(cfg); err != nil {
		return m, fmt.Errorf("pprof: %w", err)
	}
	return m, nil
}

// DueWindow returns the effective poll interval and lookahead for cfg.
func DueWindow(cfg *config.Config) (interval, lookahead time.Duration, err error) {
	sc, err := mapSchedulerConfig(cfg)
	if err != nil {
		return 0, 0, err
	}
	sc = sc.Effective()
	return sc.PollInterval, sc.Lookahead, nil
}
