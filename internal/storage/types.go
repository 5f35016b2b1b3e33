package storage

import (
	"context"
	"errors"
	"time"

	"calbot/internal/calendar"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrExists   = errors.New("event already exists")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "file": dependency-free file backend (json snapshot + jsonl)
//
// If Driver is "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Location interprets stored wall-clock times. Nil means time.Local.
	Location *time.Location
}

// EventStore is the durable keyed collection of events.
type EventStore interface {
	FindAll(ctx context.Context) ([]calendar.Event, error)
	FindByID(ctx context.Context, id string) (calendar.Event, bool, error)
	// Insert assigns an ID when ev.ID is empty and stamps CreatedAt when zero.
	Insert(ctx context.Context, ev calendar.Event) (string, error)
	// Update replaces the stored event; false when the ID is unknown.
	Update(ctx context.Context, ev calendar.Event) (bool, error)
	// Delete removes the event; false when it was already absent.
	Delete(ctx context.Context, id string) (bool, error)
}

// Store is the full persistence API.
type Store interface {
	EventStore

	AppendAudit(ctx context.Context, e AuditEntry) error

	// MarkFired records an occurrence key until the given time.
	MarkFired(ctx context.Context, key string, until time.Time) error
	WasFired(ctx context.Context, key string) (bool, error)

	Close() error
}

// AuditEntry records a fired event or an operator action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At        time.Time `json:"at"`
	ActorID   int64     `json:"actor_id,omitempty"`
	ChatID    int64     `json:"chat_id,omitempty"`
	ThreadID  int       `json:"thread_id,omitempty"`
	Component string    `json:"component"`
	Action    string    `json:"action"`
	EventID   string    `json:"event_id,omitempty"`
	Target    string    `json:"target,omitempty"`
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
	TookMS    int64     `json:"took_ms,omitempty"`
	MetaJSON  string    `json:"meta,omitempty"`
}
