package config

import (
	"reflect"
	"slices"
	"strings"

	logx "calbot/pkg/logx"
)

// SummarizeConfigChange returns the changed section names and safe
// structured attrs for logging. Secrets are reported only as "set".
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var changed []string
	var attrs []logx.Field
	mark := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!slices.Equal(ot.OwnerUserIDs, nt.OwnerUserIDs) || strings.TrimSpace(ot.GroupLog) != strings.TrimSpace(nt.GroupLog) {
		mark("telegram",
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		s := newCfg.Scheduler
		mark("scheduler",
			logx.String("scheduler.poll_interval", s.PollInterval),
			logx.String("scheduler.lookahead", s.Lookahead),
			logx.String("scheduler.timezone", s.Timezone),
			logx.String("scheduler.unresolved_policy", s.UnresolvedPolicy),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		mark("dispatch",
			logx.Any("dispatch.rate_per_sec", newCfg.Dispatch.RatePerSec),
			logx.Int("dispatch.burst", newCfg.Dispatch.Burst),
		)
	}

	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		te := newCfg.TaskEngine
		mark("task_engine",
			logx.Bool("task_engine.enabled", te.Enabled == nil || *te.Enabled),
			logx.Int("task_engine.workers", te.Workers),
			logx.Int("task_engine.queue_size", te.QueueSize),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		mark("storage",
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Calendar, newCfg.Calendar) {
		mark("calendar", logx.Int("calendar.roles", len(newCfg.Calendar.Roles)))
	}

	op, np := oldCfg.Pprof, newCfg.Pprof
	op.Token, np.Token = boolStr(op.Token != ""), boolStr(np.Token != "")
	if op != np {
		mark("pprof",
			logx.Bool("pprof.enabled", np.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(np.Addr)),
			logx.Bool("pprof.token_set", newCfg.Pprof.Token != ""),
		)
	}

	slices.Sort(changed)
	return changed, attrs
}

// RestartRequired lists changed settings that only take effect on restart.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if oldCfg.Telegram.Token != newCfg.Telegram.Token {
		out = append(out, "telegram.token")
	}
	if oldCfg.Storage != newCfg.Storage {
		out = append(out, "storage")
	}
	ot, nt := oldCfg.TaskEngine, newCfg.TaskEngine
	if ot.Workers != nt.Workers || ot.QueueSize != nt.QueueSize || !reflect.DeepEqual(ot.Enabled, nt.Enabled) {
		out = append(out, "task_engine.pool")
	}
	if oldCfg.Scheduler.Timezone != newCfg.Scheduler.Timezone {
		out = append(out, "scheduler.timezone")
	}
	if oldCfg.Pprof != newCfg.Pprof {
		out = append(out, "pprof")
	}
	return out
}

func boolStr(b bool) string {
	if b {
		return "set"
	}
	return ""
}
