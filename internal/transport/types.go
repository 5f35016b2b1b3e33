package transport

import (
	"context"
	"errors"
)

// ErrChatNotFound reports a destination the messaging platform no longer
// knows, or one the bot was removed from.
var ErrChatNotFound = errors.New("chat not found")

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Silent         bool
}

// ChatInfo describes a resolved destination.
type ChatInfo struct {
	ID      int64
	Type    string
	Title   string
	IsForum bool
}

// Sender delivers text messages.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// ChatResolver looks up a destination by ID. Unknown destinations return
// an error wrapping ErrChatNotFound.
type ChatResolver interface {
	ResolveChat(ctx context.Context, chatID int64) (ChatInfo, error)
}

type Adapter interface {
	Sender
	ChatResolver

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

// DocumentSender is an optional interface for adapters that can upload files.
type DocumentSender interface {
	SendDocument(ctx context.Context, to ChatTarget, name string, data []byte, caption string) (MessageRef, error)
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
