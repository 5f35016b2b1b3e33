package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"calbot/internal/calendar"
	"calbot/internal/task/engine"
)

// UnresolvedPolicy decides what happens to a one-off event whose destination
// could not be resolved.
type UnresolvedPolicy string

const (
	// PolicyDrop retires the event as if it had been sent.
	PolicyDrop UnresolvedPolicy = "drop"
	// PolicyQuarantine keeps the event and marks it quarantined.
	PolicyQuarantine UnresolvedPolicy = "quarantine"
)

func ParseUnresolvedPolicy(s string) (UnresolvedPolicy, error) {
	switch p := UnresolvedPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyDrop, nil
	case PolicyDrop, PolicyQuarantine:
		return p, nil
	default:
		return "", fmt.Errorf("unknown unresolved policy %q (want drop|quarantine)", s)
	}
}

type Config struct {
	PollInterval time.Duration
	// Lookahead is the half-width of the due window. 0 means PollInterval/2.
	Lookahead        time.Duration
	Location         *time.Location
	UnresolvedPolicy UnresolvedPolicy
	// RetireTimeout bounds the store write after a dispatch.
	RetireTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Minute
	}
	if c.PollInterval < time.Second {
		c.PollInterval = time.Second
	}
	if c.Lookahead <= 0 {
		c.Lookahead = c.PollInterval / 2
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.UnresolvedPolicy == "" {
		c.UnresolvedPolicy = PolicyDrop
	}
	if c.RetireTimeout <= 0 {
		c.RetireTimeout = 10 * time.Second
	}
	return c
}

// Effective returns c with defaults applied.
func (c Config) Effective() Config { return c.withDefaults() }

// Clock supplies the current wall-clock time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the process clock in Location (time.Local when nil).
type SystemClock struct {
	Location *time.Location
}

func (c SystemClock) Now() time.Time {
	if c.Location == nil {
		return time.Now()
	}
	return time.Now().In(c.Location)
}

// FixedClock is a settable clock for tests and dry runs.
type FixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func NewFixedClock(t time.Time) *FixedClock { return &FixedClock{t: t} }

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// Dispatcher sends the notification for one event.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev calendar.Event) error
}

// Submitter queues work without blocking. *engine.Service implements it.
type Submitter interface {
	Enqueue(t engine.Task) error
}

// FiredStore persists fired occurrence keys.
type FiredStore interface {
	MarkFired(ctx context.Context, key string, until time.Time) error
	WasFired(ctx context.Context, key string) (bool, error)
}

// FiredEvent is the payload of the calendar.fired hook, emitted once per
// dispatch attempt after the event was retired.
type FiredEvent struct {
	Event      calendar.Event `json:"event"`
	Occurrence time.Time      `json:"occurrence"`
	// Err is the dispatch error, nil when the message went out.
	Err       error        `json:"-"`
	Retire    RetireAction `json:"retire"`
	RetireErr error        `json:"-"`
}

// TickReport summarises one tick.
type TickReport struct {
	At         time.Time     `json:"at"`
	Considered int           `json:"considered"`
	Due        int           `json:"due"`
	Submitted  int           `json:"submitted"`
	Inline     int           `json:"inline"`
	Deduped    int           `json:"deduped"`
	Took       time.Duration `json:"took"`
	Err        error         `json:"-"`
}

type Snapshot struct {
	Running          bool             `json:"running"`
	PollInterval     time.Duration    `json:"poll_interval"`
	Lookahead        time.Duration    `json:"lookahead"`
	Location         string           `json:"location"`
	UnresolvedPolicy UnresolvedPolicy `json:"unresolved_policy"`
	NextTick         time.Time        `json:"next_tick,omitzero"`
	LastTick         TickReport       `json:"last_tick"`
	LastError        string           `json:"last_error,omitempty"`
	InFlight         int              `json:"in_flight"`
	Ticks            uint64           `json:"ticks"`
	Fired            uint64           `json:"fired"`
	Failed           uint64           `json:"failed"`
	Unresolved       uint64           `json:"unresolved"`
	Retired          uint64           `json:"retired"`
	Quarantined      uint64           `json:"quarantined"`
	Deduped          uint64           `json:"deduped"`
}
