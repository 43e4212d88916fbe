// Package telegram is the chat transport: it receives prompts and commands
// from Telegram, drives the agent facade, and renders streaming progress
// into a single re-edited message.
package telegram

import (
	"context"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// Client is the subset of bot.Bot operations the handlers use. The
// indirection keeps handlers and the progress renderer testable with a
// fake transport.
type Client interface {
	// SendMessage sends a text message to a chat.
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)

	// EditMessageText rewrites a previously sent message.
	EditMessageText(ctx context.Context, params *bot.EditMessageTextParams) (*models.Message, error)

	// DeleteMessage removes a message from a chat.
	DeleteMessage(ctx context.Context, params *bot.DeleteMessageParams) (bool, error)

	// SendDocument uploads a file to a chat.
	SendDocument(ctx context.Context, params *bot.SendDocumentParams) (*models.Message, error)

	// SendChatAction shows a typing indicator.
	SendChatAction(ctx context.Context, params *bot.SendChatActionParams) (bool, error)

	// AnswerCallbackQuery acknowledges an inline-button press.
	AnswerCallbackQuery(ctx context.Context, params *bot.AnswerCallbackQueryParams) (bool, error)
}

// isNotModified reports whether err is Telegram's complaint about editing
// a message with identical content. Re-sending the same body is a no-op,
// not a failure.
func isNotModified(err error) bool {
	return err != nil && strings.Contains(err.Error(), "message is not modified")
}
