package telegram

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/lifeos-labs/lifeos-agent/internal/engine"
)

// messageEditor binds an [engine.Editor] to one Telegram message. Every edit
// replaces the whole message text.
//
// The Bot API client has no context-aware call surface, so the context is
// accepted for interface compatibility and otherwise unused.
type messageEditor struct {
	api       *tgbotapi.BotAPI
	chatID    int64
	messageID int
}

var _ engine.Editor = (*messageEditor)(nil)

// EditMarkdown replaces the message text, rendering Telegram markdown.
// Telegram rejects edits with unbalanced markup, so callers should be
// prepared to fall back to EditPlain.
func (e *messageEditor) EditMarkdown(_ context.Context, text string) error {
	edit := tgbotapi.NewEditMessageText(e.chatID, e.messageID, text)
	edit.ParseMode = tgbotapi.ModeMarkdown
	if _, err := e.api.Send(edit); err != nil {
		return fmt.Errorf("telegram: edit message %d: %w", e.messageID, err)
	}
	return nil
}

// EditPlain replaces the message text without any formatting.
func (e *messageEditor) EditPlain(_ context.Context, text string) error {
	edit := tgbotapi.NewEditMessageText(e.chatID, e.messageID, text)
	if _, err := e.api.Send(edit); err != nil {
		return fmt.Errorf("telegram: edit message %d: %w", e.messageID, err)
	}
	return nil
}
