package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRecipientUnavailable means the chat can never receive messages (blocked bot, deleted
// account, unknown chat). Retrying does not help.
var ErrRecipientUnavailable = errors.New("transport: recipient unavailable")

// RateLimitedError carries the platform's retry hint.
type RateLimitedError struct {
	After time.Duration
	Err   error
}

func (e *RateLimitedError) Error() string             { return fmt.Sprintf("rate limited, retry after %s: %v", e.After, e.Err) }
func (e *RateLimitedError) Unwrap() error             { return e.Err }
func (e *RateLimitedError) RetryAfter() time.Duration { return e.After }

type UpdateKind string

const UpdateMessage UpdateKind = "message"

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
	FromName     string
	LanguageCode string
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
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
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
