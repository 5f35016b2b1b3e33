package notifier

import (
	"errors"
	"time"
)

var (
	// ErrUnresolved means the destination chat no longer exists or the bot
	// lost access to it. Nothing was sent.
	ErrUnresolved = errors.New("destination unresolved")
	// ErrDelivery means the destination exists but the send failed.
	ErrDelivery = errors.New("delivery failed")
)

type Config struct {
	RatePerSec  float64
	Burst       int
	SendTimeout time.Duration
	HistorySize int
	Render      RenderOptions
}

func (c Config) withDefaults() Config {
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	return c
}

// Outcome labels a history entry.
type Outcome string

const (
	OutcomeSent       Outcome = "sent"
	OutcomeFailed     Outcome = "failed"
	OutcomeUnresolved Outcome = "unresolved"
)

type HistoryItem struct {
	At       time.Time `json:"at"`
	EventID  string    `json:"event_id"`
	Name     string    `json:"name"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Outcome  Outcome   `json:"outcome"`
	Error    string    `json:"error,omitempty"`
}

// DispatchEvent is published on the event bus after every dispatch attempt.
type DispatchEvent struct {
	EventID   string    `json:"event_id"`
	Name      string    `json:"name"`
	ChatID    int64     `json:"chat_id"`
	ThreadID  int       `json:"thread_id,omitempty"`
	MessageID int       `json:"message_id,omitempty"`
	At        time.Time `json:"at"`
	Error     string    `json:"error,omitempty"`
}
