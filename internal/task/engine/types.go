package engine

import (
	"context"
	"time"
)

// Config controls the task execution engine.
//
// The app layer maps config.task_engine into this struct. Workers and
// QueueSize take effect on the next Start.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0.
	DefaultTimeout time.Duration

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

type TaskOptions struct {
	// RetryMax of 0 uses the engine default; negative disables retries.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%
}

func (o TaskOptions) withDefaults(cfg Config) TaskOptions {
	switch {
	case o.RetryMax < 0:
		o.RetryMax = 0
	case o.RetryMax == 0:
		o.RetryMax = max(cfg.RetryMax, 0)
	}
	if o.RetryBase <= 0 {
		o.RetryBase = cfg.RetryBase
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = cfg.RetryMaxDelay
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	return o
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// TaskEvent is emitted on the event bus when a task finishes.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// Task is a unit of work executed by the engine.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     TaskOptions
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions
}

type Snapshot struct {
	Enabled        bool          `json:"enabled"`
	Running        bool          `json:"running"`
	Workers        int           `json:"workers"`
	QueueLen       int           `json:"queue_len"`
	QueueCap       int           `json:"queue_cap"`
	InFlight       int           `json:"in_flight"`
	Succeeded      uint64        `json:"succeeded"`
	Failed         uint64        `json:"failed"`
	Rejected       uint64        `json:"rejected"`
	DefaultTimeout time.Duration `json:"default_timeout"`
	RetryMax       int           `json:"retry_max"`
	History        []HistoryItem `json:"history"`
}
