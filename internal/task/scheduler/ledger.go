package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"calbot/internal/calendar"
)

// ledger remembers fired occurrences. The in-memory map answers for the
// current process; the store answers across restarts.
type ledger struct {
	mu       sync.Mutex
	seen     map[string]time.Time
	inflight map[string]struct{}
	store    FiredStore
}

func newLedger(store FiredStore) *ledger {
	return &ledger{seen: map[string]time.Time{}, inflight: map[string]struct{}{}, store: store}
}

func occurrenceKey(ev calendar.Event, occ time.Time) string {
	return fmt.Sprintf("%s@%s", ev.ID, calendar.FormatWall(occ))
}

// claim reserves key in memory and reports whether it still needs a
// dispatch. The store only holds keys whose dispatch returned, so a process
// that died between claim and send dispatches again after a restart.
func (l *ledger) claim(ctx context.Context, key string, until time.Time) (first, running bool, err error) {
	l.mu.Lock()
	if _, ok := l.seen[key]; ok {
		_, running = l.inflight[key]
		l.mu.Unlock()
		return false, running, nil
	}
	l.seen[key] = until
	l.inflight[key] = struct{}{}
	l.mu.Unlock()

	if l.store == nil {
		return true, false, nil
	}
	sent, err := l.store.WasFired(ctx, key)
	if err != nil {
		return true, false, fmt.Errorf("ledger lookup: %w", err)
	}
	if sent {
		l.done(key)
		return false, false, nil
	}
	return true, false, nil
}

// confirm persists key once its dispatch has returned.
func (l *ledger) confirm(ctx context.Context, key string) error {
	l.mu.Lock()
	until := l.seen[key]
	l.mu.Unlock()
	if l.store == nil {
		return nil
	}
	if err := l.store.MarkFired(ctx, key, until); err != nil {
		return fmt.Errorf("ledger mark: %w", err)
	}
	return nil
}

func (l *ledger) done(key string) {
	l.mu.Lock()
	delete(l.inflight, key)
	l.mu.Unlock()
}

func (l *ledger) running() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inflight)
}

func (l *ledger) prune(now time.Time) {
	l.mu.Lock()
	for k, until := range l.seen {
		if _, busy := l.inflight[k]; !busy && until.Before(now) {
			delete(l.seen, k)
		}
	}
	l.mu.Unlock()
}
