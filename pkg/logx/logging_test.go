package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	kit "calbot/internal/transport"
)

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Info("hello", Int("n", 3), Bool("ok", true))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if m["message"] != "hello" || m["comp"] != "test" || m["n"].(float64) != 3 {
		t.Fatalf("unexpected record %v", m)
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller=%q", c)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %s", buf.String())
	}
	if log.Enabled(LevelInfo) || !log.Enabled(LevelError) {
		t.Fatalf("Enabled mismatch")
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var log Logger
	if !log.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	log.Error("nothing happens")
}

type captureSender struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	c.mu.Lock()
	c.msgs = append(c.msgs, text)
	c.mu.Unlock()
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestChatSinkForwardsWarnings(t *testing.T) {
	snd := &captureSender{}
	svc, log := New(Config{Level: "info", Chat: ChatConfig{Enabled: true, ChatID: 5, MinLevel: "warn", RatePerSec: 10}}, snd)
	defer svc.Close()

	log.Info("quiet")
	log.Warn("loud", String("event_id", "e1"))

	deadline := time.Now().Add(2 * time.Second)
	for snd.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if snd.count() != 1 {
		t.Fatalf("sent %d messages, want 1", snd.count())
	}
	if !strings.Contains(snd.msgs[0], "[WARN] loud") || !strings.Contains(snd.msgs[0], "event_id=e1") {
		t.Fatalf("unexpected message %q", snd.msgs[0])
	}
}

func TestValidLevel(t *testing.T) {
	for _, s := range []string{"", "info", "WARNING", "trace"} {
		if !ValidLevel(s) {
			t.Fatalf("%q should be valid", s)
		}
	}
	if ValidLevel("loud") {
		t.Fatalf("unknown level accepted")
	}
}
