package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"calbot/internal/calendar"
	logx "calbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const eventColumns = `id, owner_id, group_id, channel_id, thread_id, created_at, scheduled_at,
	name, description, recipient_users, recipient_roles, recurrence, color, quarantined_at`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	loc *time.Location

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, loc: cfg.Location, pruneEvery: 200}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *sqliteStore) scanEvent(r rowScanner) (calendar.Event, error) {
	var (
		ev                    calendar.Event
		created, scheduled    string
		users, roles, quarant sql.NullString
		rec                   string
	)
	err := r.Scan(&ev.ID, &ev.OwnerID, &ev.GroupID, &ev.ChannelID, &ev.ThreadID, &created, &scheduled,
		&ev.Name, &ev.Description, &users, &roles, &rec, &ev.Color, &quarant)
	if err != nil {
		return calendar.Event{}, err
	}
	if ev.CreatedAt, err = calendar.ParseWall(created, s.loc); err != nil {
		return calendar.Event{}, fmt.Errorf("event %s created_at: %w", ev.ID, err)
	}
	if ev.ScheduledAt, err = calendar.ParseWall(scheduled, s.loc); err != nil {
		return calendar.Event{}, fmt.Errorf("event %s scheduled_at: %w", ev.ID, err)
	}
	if ev.Recurrence, err = calendar.ParseRecurrence(rec); err != nil {
		return calendar.Event{}, fmt.Errorf("event %s: %w", ev.ID, err)
	}
	if ev.RecipientUsers, err = decodeIDs(users); err != nil {
		return calendar.Event{}, fmt.Errorf("event %s recipient_users: %w", ev.ID, err)
	}
	if ev.RecipientRoles, err = decodeIDs(roles); err != nil {
		return calendar.Event{}, fmt.Errorf("event %s recipient_roles: %w", ev.ID, err)
	}
	if quarant.Valid {
		t, err := calendar.ParseWall(quarant.String, s.loc)
		if err != nil {
			return calendar.Event{}, fmt.Errorf("event %s quarantined_at: %w", ev.ID, err)
		}
		ev.QuarantinedAt = &t
	}
	return ev, nil
}

func (s *sqliteStore) FindAll(ctx context.Context) ([]calendar.Event, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM events ORDER BY scheduled_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []calendar.Event
	for rows.Next() {
		ev, err := s.scanEvent(rows)
		if err != nil {
			// One corrupt row must not hide the rest of the calendar.
			s.log.Warn("skipping unreadable event row", logx.Err(err))
			continue
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *sqliteStore) FindByID(ctx context.Context, id string) (calendar.Event, bool, error) {
	if s == nil || s.db == nil {
		return calendar.Event{}, false, ErrDisabled
	}
	ev, err := s.scanEvent(s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return calendar.Event{}, false, nil
	}
	if err != nil {
		return calendar.Event{}, false, err
	}
	return ev, true, nil
}

func (s *sqliteStore) eventArgs(ev calendar.Event) ([]any, error) {
	users, err := encodeIDs(ev.RecipientUsers)
	if err != nil {
		return nil, err
	}
	roles, err := encodeIDs(ev.RecipientRoles)
	if err != nil {
		return nil, err
	}
	var quarant any
	if ev.QuarantinedAt != nil {
		quarant = calendar.FormatWall(*ev.QuarantinedAt)
	}
	return []any{
		ev.OwnerID, ev.GroupID, ev.ChannelID, ev.ThreadID,
		calendar.FormatWall(ev.CreatedAt), calendar.FormatWall(ev.ScheduledAt),
		ev.Name, ev.Description, users, roles, ev.Recurrence.String(), ev.Color, quarant,
	}, nil
}

func (s *sqliteStore) Insert(ctx context.Context, ev calendar.Event) (string, error) {
	if s == nil || s.db == nil {
		return "", ErrDisabled
	}
	ev = prepareInsert(ev, s.loc)
	args, err := s.eventArgs(ev)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events(`+eventColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		append([]any{ev.ID}, args...)...,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return "", fmt.Errorf("%w: %s", ErrExists, ev.ID)
		}
		return "", err
	}
	return ev.ID, nil
}

func (s *sqliteStore) Update(ctx context.Context, ev calendar.Event) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	args, err := s.eventArgs(ev)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET owner_id=?, group_id=?, channel_id=?, thread_id=?, created_at=?, scheduled_at=?,
		 name=?, description=?, recipient_users=?, recipient_roles=?, recurrence=?, color=?, quarantined_at=?
		 WHERE id=?`,
		append(args, ev.ID)...,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) Delete(ctx context.Context, id string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	ok := 0
	if e.OK {
		ok = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, chat_id, thread_id, component, action, event_id, target, ok, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.ActorID, e.ChatID, e.ThreadID, e.Component, e.Action,
		nullStr(e.EventID), nullStr(e.Target), ok, nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}

func (s *sqliteStore) MarkFired(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fired(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if perr := s.pruneExpired(pctx); perr != nil {
			s.log.Debug("fired ledger prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) WasFired(ctx context.Context, key string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	if key == "" {
		return false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM fired WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return time.Now().UnixMilli() <= ms, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM fired WHERE until < ?`, time.Now().UnixMilli())
	return err
}

func encodeIDs(ids []int64) (any, error) {
	if ids == nil {
		return nil, nil
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeIDs(v sql.NullString) ([]int64, error) {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil, nil
	}
	var ids []int64
	if err := json.Unmarshal([]byte(v.String), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
