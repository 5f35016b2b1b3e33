package storage

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"calbot/internal/calendar"
	logx "calbot/pkg/logx"
)

// Open initializes the configured store.
// It returns ErrDisabled if storage is turned off.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "none" {
		return nil, ErrDisabled
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// prepareInsert fills the generated fields of a new event.
func prepareInsert(ev calendar.Event, loc *time.Location) calendar.Event {
	ev = ev.Clone()
	if strings.TrimSpace(ev.ID) == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().In(loc)
	}
	return ev
}
