package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"calbot/internal/calendar"
	logx "calbot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.events.json         (snapshot, rewritten on every mutation)
//   - <prefix>.audit.jsonl         (append-only JSON Lines)
//   - <prefix>.fired.snapshot.json (periodic snapshot)
//   - <prefix>.fired.journal.jsonl (append-only journal)
//
// The fired journal is periodically compacted into its snapshot.
type fileStore struct {
	log logx.Logger
	loc *time.Location

	mu sync.Mutex

	eventsPath string
	events     map[string]fileEvent

	auditFile *os.File

	firedSnapshotPath string
	firedJournalFile  *os.File
	fired             map[string]int64 // unix milli
	firedWrites       int
}

// fileEvent stores wall-clock times without zone offsets.
type fileEvent struct {
	ID             string  `json:"id"`
	OwnerID        int64   `json:"owner_id"`
	GroupID        int64   `json:"group_id"`
	ChannelID      int64   `json:"channel_id"`
	ThreadID       int     `json:"thread_id,omitempty"`
	CreatedAt      string  `json:"created_at"`
	ScheduledAt    string  `json:"scheduled_at"`
	Name           string  `json:"name"`
	Description    string  `json:"description,omitempty"`
	RecipientUsers []int64 `json:"recipient_users,omitempty"`
	RecipientRoles []int64 `json:"recipient_roles,omitempty"`
	Recurrence     string  `json:"recurrence"`
	Color          string  `json:"color,omitempty"`
	QuarantinedAt  string  `json:"quarantined_at,omitempty"`
}

type firedRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func toFileEvent(ev calendar.Event) fileEvent {
	fe := fileEvent{
		ID:             ev.ID,
		OwnerID:        ev.OwnerID,
		GroupID:        ev.GroupID,
		ChannelID:      ev.ChannelID,
		ThreadID:       ev.ThreadID,
		CreatedAt:      calendar.FormatWall(ev.CreatedAt),
		ScheduledAt:    calendar.FormatWall(ev.ScheduledAt),
		Name:           ev.Name,
		Description:    ev.Description,
		RecipientUsers: ev.Clone().RecipientUsers,
		RecipientRoles: ev.Clone().RecipientRoles,
		Recurrence:     ev.Recurrence.String(),
		Color:          ev.Color,
	}
	if ev.QuarantinedAt != nil {
		fe.QuarantinedAt = calendar.FormatWall(*ev.QuarantinedAt)
	}
	return fe
}

func (fe fileEvent) event(loc *time.Location) (calendar.Event, error) {
	ev := calendar.Event{
		ID:          fe.ID,
		OwnerID:     fe.OwnerID,
		GroupID:     fe.GroupID,
		ChannelID:   fe.ChannelID,
		ThreadID:    fe.ThreadID,
		Name:        fe.Name,
		Description: fe.Description,
		Color:       fe.Color,
	}
	if fe.RecipientUsers != nil {
		ev.RecipientUsers = append([]int64{}, fe.RecipientUsers...)
	}
	if fe.RecipientRoles != nil {
		ev.RecipientRoles = append([]int64{}, fe.RecipientRoles...)
	}
	var err error
	if ev.CreatedAt, err = calendar.ParseWall(fe.CreatedAt, loc); err != nil {
		return ev, fmt.Errorf("event %s created_at: %w", fe.ID, err)
	}
	if ev.ScheduledAt, err = calendar.ParseWall(fe.ScheduledAt, loc); err != nil {
		return ev, fmt.Errorf("event %s scheduled_at: %w", fe.ID, err)
	}
	if ev.Recurrence, err = calendar.ParseRecurrence(fe.Recurrence); err != nil {
		return ev, fmt.Errorf("event %s: %w", fe.ID, err)
	}
	if fe.QuarantinedAt != "" {
		t, err := calendar.ParseWall(fe.QuarantinedAt, loc)
		if err != nil {
			return ev, fmt.Errorf("event %s quarantined_at: %w", fe.ID, err)
		}
		ev.QuarantinedAt = &t
	}
	return ev, nil
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	eventsPath := prefix + ".events.json"
	auditPath := prefix + ".audit.jsonl"
	snapPath := prefix + ".fired.snapshot.json"
	journalPath := prefix + ".fired.journal.jsonl"

	events := map[string]fileEvent{}
	if err := loadJSON(eventsPath, &events); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load events: %w", err)
	}
	if events == nil {
		events = map[string]fileEvent{}
	}

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	fired := map[string]int64{}
	_ = loadJSON(snapPath, &fired)
	if fired == nil {
		fired = map[string]int64{}
	}
	_ = replayFiredJournal(journalPath, fired)
	pruneExpiredFired(fired)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("events", len(events)))
	return &fileStore{
		log:               log,
		loc:               cfg.Location,
		eventsPath:        eventsPath,
		events:            events,
		auditFile:         af,
		firedSnapshotPath: snapPath,
		firedJournalFile:  jf,
		fired:             fired,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.auditFile != nil {
		err1 = s.auditFile.Close()
		s.auditFile = nil
	}
	if s.firedJournalFile != nil {
		err2 = s.firedJournalFile.Close()
		s.firedJournalFile = nil
	}
	s.events = nil
	return errors.Join(err1, err2)
}

func (s *fileStore) FindAll(ctx context.Context) ([]calendar.Event, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		return nil, ErrClosed
	}
	out := make([]calendar.Event, 0, len(s.events))
	for _, fe := range s.events {
		ev, err := fe.event(s.loc)
		if err != nil {
			s.log.Warn("skipping unreadable event record", logx.Err(err))
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *fileStore) FindByID(ctx context.Context, id string) (calendar.Event, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		return calendar.Event{}, false, ErrClosed
	}
	fe, ok := s.events[id]
	if !ok {
		return calendar.Event{}, false, nil
	}
	ev, err := fe.event(s.loc)
	if err != nil {
		return calendar.Event{}, false, err
	}
	return ev, true, nil
}

func (s *fileStore) Insert(ctx context.Context, ev calendar.Event) (string, error) {
	_ = ctx
	ev = prepareInsert(ev, s.loc)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		return "", ErrClosed
	}
	if _, exists := s.events[ev.ID]; exists {
		return "", fmt.Errorf("%w: %s", ErrExists, ev.ID)
	}
	s.events[ev.ID] = toFileEvent(ev)
	if err := s.flushEventsLocked(); err != nil {
		delete(s.events, ev.ID)
		return "", err
	}
	return ev.ID, nil
}

func (s *fileStore) Update(ctx context.Context, ev calendar.Event) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		return false, ErrClosed
	}
	prev, ok := s.events[ev.ID]
	if !ok {
		return false, nil
	}
	s.events[ev.ID] = toFileEvent(ev)
	if err := s.flushEventsLocked(); err != nil {
		s.events[ev.ID] = prev
		return false, err
	}
	return true, nil
}

func (s *fileStore) Delete(ctx context.Context, id string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		return false, ErrClosed
	}
	prev, ok := s.events[id]
	if !ok {
		return false, nil
	}
	delete(s.events, id)
	if err := s.flushEventsLocked(); err != nil {
		s.events[id] = prev
		return false, err
	}
	return true, nil
}

func (s *fileStore) flushEventsLocked() error {
	return writeJSONAtomic(s.eventsPath, s.events)
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) MarkFired(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firedJournalFile == nil {
		return ErrClosed
	}
	s.fired[key] = ms

	if err := json.NewEncoder(s.firedJournalFile).Encode(firedRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.firedWrites++
	if s.firedWrites%500 == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("fired ledger compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) WasFired(ctx context.Context, key string) (bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.fired[key]
	if !ok {
		return false, nil
	}
	return time.Now().UnixMilli() <= ms, nil
}

func (s *fileStore) compactLocked() error {
	pruneExpiredFired(s.fired)
	if err := writeJSONAtomic(s.firedSnapshotPath, s.fired); err != nil {
		return err
	}
	if err := s.firedJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err := s.firedJournalFile.Seek(0, 2)
	return err
}

func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func loadJSON(path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(out)
}

func replayFiredJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r firedRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return sc.Err()
}

func pruneExpiredFired(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
