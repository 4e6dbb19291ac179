package transport

import "context"

// ChatTarget addresses one destination chat (and optional forum topic).
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// Message is an incoming text message from a chat.
type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Document is a file attachment sent alongside (or instead of) a text message.
type Document struct {
	FileName string
	MIME     string
	Data     []byte
	Caption  string
}

// Sender is the outbound half of a chat transport.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error
	SendDocument(ctx context.Context, to ChatTarget, doc Document, opt *SendOptions) error
}

// Adapter is a full chat transport: outbound delivery plus a stream of
// incoming messages.
type Adapter interface {
	Sender

	Start(ctx context.Context, out chan<- Message) error
	Stop(ctx context.Context) error
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
