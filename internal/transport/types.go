package transport

import (
	"context"
	"errors"
)

// ErrRecipientUnavailable wraps send errors caused by the recipient rather
// than the message: the bot was blocked or removed, or the chat is gone.
// Resending with different content cannot succeed.
var ErrRecipientUnavailable = errors.New("recipient unavailable")

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
	// UpdateJoined is emitted when the bot is added to a group or channel.
	UpdateJoined UpdateKind = "joined"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID            int
	ChatID        int64
	ThreadID      int // telegram forum topic thread id (0 if none)
	FromID        int64
	FromUsername  string
	FromFirstName string
	Text          string
	IsGroup       bool
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

const (
	ParseModeMarkdownV2 = "MarkdownV2"
	ParseModeHTML       = "HTML"
)

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Media points at a photo either by remote URL or by local file path.
// Exactly one of the two is expected to be set; URL wins when both are.
type Media struct {
	URL  string
	Path string
}

func (m Media) IsZero() bool { return m.URL == "" && m.Path == "" }

// Ref returns a printable reference for logs.
func (m Media) Ref() string {
	if m.URL != "" {
		return m.URL
	}
	return m.Path
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendMedia(ctx context.Context, to ChatTarget, media Media, caption string, opt *SendOptions) (MessageRef, error)
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface adapters implement to publish
// the bot command menu (Telegram setMyCommands).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
