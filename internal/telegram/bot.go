// Package telegram provides the chat transport layer for the agent. It owns
// the Bot API long-polling lifecycle, routes incoming messages into agent
// runs, and streams run output back by editing a single placeholder message.
package telegram

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/lifeos-labs/lifeos-agent/internal/engine"
)

// User-facing texts. The final answer always replaces these via the
// dispatcher, so they only ever appear transiently or on failure.
const (
	welcomeText  = "👋 Hi! I manage your workspace. Tell me about tasks, projects, or habits and I'll keep everything organised."
	thinkingText = "💭 Thinking…"
	breakerText  = "⚠️ I went in circles on this one and had to stop. Try rephrasing the request."
	apologyText  = "😔 Something went wrong on my side. Please try again."
)

// pollTimeout is the long-polling timeout in seconds passed to getUpdates.
const pollTimeout = 30

// Runner executes one agent run. Implemented by [engine.Engine].
type Runner interface {
	Run(ctx context.Context, conversationID, userText string, sink engine.Sink) (string, error)
}

// Config holds Telegram bot configuration.
type Config struct {
	// Token is the Bot API token.
	Token string

	// EditInterval overrides the dispatcher's default throttle when > 0.
	EditInterval time.Duration
}

// Bot owns the long-polling connection and routes each incoming text message
// into an agent run. One update pump goroutine receives updates; each message
// is handled on its own goroutine so slow runs in one chat never block other
// chats (the engine serialises runs within a chat on its own).
type Bot struct {
	api          *tgbotapi.BotAPI
	engine       Runner
	logger       *slog.Logger
	editInterval time.Duration

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// BotOption customises a [Bot].
type BotOption func(*Bot)

// WithBotLogger overrides the default [slog.Default] logger.
func WithBotLogger(l *slog.Logger) BotOption {
	return func(b *Bot) { b.logger = l }
}

// New creates a Bot and authenticates against the Bot API.
func New(cfg Config, eng Runner, opts ...BotOption) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, err
	}
	b := &Bot{
		api:          api,
		engine:       eng,
		logger:       slog.Default(),
		editInterval: cfg.EditInterval,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger.Info("telegram: authenticated", "username", api.Self.UserName)
	return b, nil
}

// Run long-polls for updates and dispatches them until ctx is cancelled.
// It waits for in-flight handlers before returning.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.Close()
			return nil
		case update, ok := <-updates:
			if !ok {
				b.wg.Wait()
				return nil
			}
			if update.Message == nil {
				continue
			}
			msg := update.Message
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.handleMessage(ctx, msg)
			}()
		}
	}
}

// Close stops receiving updates and waits for in-flight handlers. Safe to
// call multiple times.
func (b *Bot) Close() {
	b.closeOnce.Do(func() {
		b.api.StopReceivingUpdates()
		b.wg.Wait()
	})
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	if msg.IsCommand() {
		if msg.Command() == "start" {
			if _, err := b.api.Send(tgbotapi.NewMessage(chatID, welcomeText)); err != nil {
				b.logger.Warn("telegram: send welcome failed", "chat_id", chatID, "error", err)
			}
		}
		return
	}
	if msg.Text == "" {
		return
	}

	if _, err := b.api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		b.logger.Debug("telegram: typing action failed", "chat_id", chatID, "error", err)
	}

	placeholder, err := b.api.Send(tgbotapi.NewMessage(chatID, thinkingText))
	if err != nil {
		b.logger.Error("telegram: send placeholder failed", "chat_id", chatID, "error", err)
		return
	}

	editor := &messageEditor{api: b.api, chatID: chatID, messageID: placeholder.MessageID}
	dispOpts := []engine.DispatcherOption{engine.WithDispatcherLogger(b.logger)}
	if b.editInterval > 0 {
		dispOpts = append(dispOpts, engine.WithEditInterval(b.editInterval))
	}
	sink := engine.NewDispatcher(editor, dispOpts...)

	conversationID := strconv.FormatInt(chatID, 10)
	_, err = b.engine.Run(ctx, conversationID, msg.Text, sink)
	switch {
	case err == nil:
	case engine.IsRecursion(err):
		b.logger.Warn("telegram: run hit recursion limit", "chat_id", chatID)
		if e := editor.EditPlain(ctx, breakerText); e != nil {
			b.logger.Warn("telegram: breaker notice failed", "chat_id", chatID, "error", e)
		}
	default:
		b.logger.Error("telegram: run failed", "chat_id", chatID, "error", err)
		if e := editor.EditPlain(ctx, apologyText); e != nil {
			b.logger.Warn("telegram: apology failed", "chat_id", chatID, "error", e)
		}
	}
}
