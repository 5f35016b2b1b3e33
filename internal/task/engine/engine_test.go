package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"calbot/internal/eventbus"
	logx "calbot/pkg/logx"
)

func newTestEngine(t *testing.T, cfg Config) (*Service, eventbus.Bus) {
	t.Helper()
	cfg.Enabled = true
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Millisecond
		cfg.RetryMaxDelay = 5 * time.Millisecond
	}
	bus := eventbus.New()
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, bus
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event) TaskEvent {
	t.Helper()
	select {
	case e := <-ch:
		return e.Data.(TaskEvent)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for task event")
	}
	return TaskEvent{}
}

func TestEnqueueRunsTask(t *testing.T) {
	t.Parallel()

	s, bus := newTestEngine(t, Config{Workers: 1})
	ch, unsub := bus.Subscribe(4, eventbus.TypeTaskSucceeded)
	defer unsub()

	var ran atomic.Bool
	if err := s.Enqueue(Task{Name: "hello", Run: func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ev := waitEvent(t, ch)
	if !ran.Load() || ev.Name != "hello" || ev.Attempts != 1 {
		t.Fatalf("ran=%v ev=%+v", ran.Load(), ev)
	}
	if snap := s.Snapshot(); snap.Succeeded != 1 || len(snap.History) != 1 {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestRetryAndNoRetry(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		fail     func(n int32) error
		attempts int
		wantErr  bool
	}{
		{name: "transient then ok", fail: func(n int32) error {
			if n < 3 {
				return errors.New("transient")
			}
			return nil
		}, attempts: 3},
		{name: "exhausts retries", fail: func(int32) error { return errors.New("down") }, attempts: 3, wantErr: true},
		{name: "no retry", fail: func(int32) error { return NoRetry(errors.New("permanent")) }, attempts: 1, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, bus := newTestEngine(t, Config{Workers: 1, RetryMax: 2})
			ch, unsub := bus.Subscribe(4, eventbus.TypeTaskSucceeded, eventbus.TypeTaskFailed)
			defer unsub()

			var n atomic.Int32
			_ = s.Enqueue(Task{Name: tt.name, Run: func(ctx context.Context) error {
				return tt.fail(n.Add(1))
			}})
			ev := waitEvent(t, ch)
			if ev.Attempts != tt.attempts {
				t.Fatalf("attempts=%d want %d", ev.Attempts, tt.attempts)
			}
			if (ev.Error != "") != tt.wantErr {
				t.Fatalf("error=%q wantErr=%v", ev.Error, tt.wantErr)
			}
		})
	}
}

func TestPanicIsContained(t *testing.T) {
	t.Parallel()

	s, bus := newTestEngine(t, Config{Workers: 1, RetryMax: -1})
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	_ = s.Enqueue(Task{Name: "boom", Opt: TaskOptions{RetryMax: -1}, Run: func(ctx context.Context) error { panic("bad") }})
	_ = s.Enqueue(Task{Name: "after", Run: func(ctx context.Context) error { return nil }})

	first := waitEvent(t, ch)
	second := waitEvent(t, ch)
	if first.Name != "boom" || first.Error == "" {
		t.Fatalf("first=%+v", first)
	}
	if second.Name != "after" || second.Error != "" {
		t.Fatalf("second=%+v", second)
	}
}

func TestTimeoutCancelsRun(t *testing.T) {
	t.Parallel()

	s, bus := newTestEngine(t, Config{Workers: 1})
	ch, unsub := bus.Subscribe(4, eventbus.TypeTaskFailed)
	defer unsub()

	_ = s.Enqueue(Task{Name: "slow", Timeout: 10 * time.Millisecond, Opt: TaskOptions{RetryMax: -1}, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	if ev := waitEvent(t, ch); ev.Error == "" {
		t.Fatalf("expected timeout error")
	}
}

func TestQueueFullAndDisabled(t *testing.T) {
	t.Parallel()

	s, _ := newTestEngine(t, Config{Workers: 1, QueueSize: 1})
	release := make(chan struct{})
	block := Task{Name: "block", Run: func(ctx context.Context) error {
		<-release
		return nil
	}}
	defer close(release)

	_ = s.Enqueue(block)
	// Wait until the worker holds the first task so the queue slot is free.
	deadline := time.Now().Add(2 * time.Second)
	for s.Snapshot().InFlight == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := s.Enqueue(block); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if err := s.Enqueue(block); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err=%v want ErrQueueFull", err)
	}

	off := New(Config{}, logx.Nop(), nil)
	if err := off.Enqueue(block); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err=%v want ErrDisabled", err)
	}
}

func TestStopDrainsAcceptedTasks(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Workers: 1, QueueSize: 8}, logx.Nop(), nil)
	s.Start(context.Background())

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		if err := s.Enqueue(Task{Name: "drain", Run: func(ctx context.Context) error {
			time.Sleep(time.Millisecond)
			ran.Add(1)
			return nil
		}}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	if got := ran.Load(); got != 5 {
		t.Fatalf("ran=%d want 5", got)
	}
	if err := s.Enqueue(Task{Name: "late", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err=%v want ErrStopped", err)
	}
}

func TestCancelingStartContextKeepsTasksRunning(t *testing.T) {
	t.Parallel()

	parent, cancelParent := context.WithCancel(context.Background())
	s := New(Config{Enabled: true, Workers: 1, QueueSize: 4}, logx.Nop(), nil)
	s.Start(parent)

	release := make(chan struct{})
	started := make(chan struct{})
	var runErr atomic.Value
	var queued atomic.Bool
	if err := s.Enqueue(Task{Name: "slow", Run: func(ctx context.Context) error {
		close(started)
		<-release
		runErr.Store(fmt.Sprint(ctx.Err()))
		return nil
	}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.Enqueue(Task{Name: "queued", Run: func(context.Context) error {
		queued.Store(true)
		return nil
	}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	<-started
	cancelParent()
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	if got := runErr.Load(); got != "<nil>" {
		t.Fatalf("running task saw ctx err %v", got)
	}
	if !queued.Load() {
		t.Fatalf("queued task dropped after the start context was canceled")
	}
}
