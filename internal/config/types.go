package config

// Config is the on-disk configuration (YAML or JSON).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Logging    LoggingConfig    `json:"logging"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Dispatch   DispatchConfig   `json:"dispatch,omitempty"`
	TaskEngine TaskEngineConfig `json:"task_engine,omitempty"`
	Storage    StorageConfig    `json:"storage"`
	Calendar   CalendarConfig   `json:"calendar,omitempty"`
	Pprof      PprofConfig      `json:"pprof,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the chat ID that receives the Telegram log sink.
	GroupLog    string `json:"group_log"`
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the poll loop.
//
// Defaults:
//   - poll_interval: "1m"
//   - lookahead: poll_interval/2
//   - timezone: process local
//   - unresolved_policy: "drop"
//   - retire_timeout: "10s"
type SchedulerConfig struct {
	PollInterval     string `json:"poll_interval,omitempty"`
	Lookahead        string `json:"lookahead,omitempty"`
	Timezone         string `json:"timezone,omitempty"`
	UnresolvedPolicy string `json:"unresolved_policy,omitempty"`
	RetireTimeout    string `json:"retire_timeout,omitempty"`
}

// DispatchConfig controls notification sends. A zero rate disables the
// limiter.
type DispatchConfig struct {
	RatePerSec  float64 `json:"rate_per_sec,omitempty"`
	Burst       int     `json:"burst,omitempty"`
	SendTimeout string  `json:"send_timeout,omitempty"`
	HistorySize int     `json:"history_size,omitempty"`
}

// TaskEngineConfig controls the worker pool that runs dispatches.
//
// Enabled is a pointer so an omitted key means enabled.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - retry_base: "500ms"
//   - history_size: 200
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	RetryBase      string `json:"retry_base,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// StorageConfig selects the event store.
//
// Example:
//
//	storage: { driver: sqlite, path: ./calbot.db }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// CalendarConfig controls rendering and the role directory.
type CalendarConfig struct {
	DateFormat   string `json:"date_format,omitempty"`
	TimeFormat   string `json:"time_format,omitempty"`
	DefaultColor string `json:"default_color,omitempty"`
	MaxList      int    `json:"max_list,omitempty"`
	// Roles maps a role ID (as a string key) to its name and members.
	Roles map[string]RoleConfig `json:"roles,omitempty"`
}

type RoleConfig struct {
	Name    string  `json:"name"`
	Members []int64 `json:"members,omitempty"`
}

// PprofConfig controls the optional debug HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - A non-loopback address needs a token or allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
