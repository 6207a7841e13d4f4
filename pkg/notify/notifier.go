package notify

import (
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/zeroharbor/guardian/pkg/log"
	"github.com/zeroharbor/guardian/pkg/metrics"
)

// maxMessageLen keeps messages under the Bot API hard limit
const maxMessageLen = 4000

// Button is one inline action (label + callback payload)
type Button struct {
	Label string
	Data  string
}

// Notifier sends operator messages through the Telegram Bot API.
// A notifier without credentials is disabled and swallows all sends.
type Notifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger zerolog.Logger
}

// NewNotifier creates a notifier. Empty token or chat id yields a
// disabled notifier, not an error.
func NewNotifier(token, chatID string) (*Notifier, error) {
	n := &Notifier{logger: log.WithComponent("notify")}
	token = strings.TrimSpace(token)
	chatID = strings.TrimSpace(chatID)
	if token == "" || chatID == "" {
		n.logger.Debug().Msg("notifier disabled (missing token/chat_id)")
		return n, nil
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, err
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	n.bot = bot
	n.chatID = id
	return n, nil
}

// Enabled reports whether the notifier can send
func (n *Notifier) Enabled() bool {
	return n.bot != nil
}

// Bot exposes the underlying API client to the poller
func (n *Notifier) Bot() *tgbotapi.BotAPI {
	return n.bot
}

// ChatID returns the primary recipient
func (n *Notifier) ChatID() int64 {
	return n.chatID
}

// DeleteWebhook clears any webhook so long polling works
func (n *Notifier) DeleteWebhook() {
	if !n.Enabled() {
		return
	}
	if _, err := n.bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		n.logger.Debug().Err(err).Msg("deleteWebhook failed")
	}
}

// Send delivers a Markdown message, downgrading to plain text when the
// content would not survive Markdown parsing.
func (n *Notifier) Send(text string) {
	n.SendTo(n.chatID, text)
}

// SendTo delivers to a specific chat
func (n *Notifier) SendTo(chatID int64, text string) {
	if !n.Enabled() {
		return
	}
	msg := tgbotapi.NewMessage(chatID, truncate(text))
	msg.DisableWebPagePreview = true
	if !needsPlain(text) {
		msg.ParseMode = tgbotapi.ModeMarkdown
	}
	n.deliver(msg)
}

// SendWithInline delivers a message with inline action rows
func (n *Notifier) SendWithInline(text string, rows [][]Button) {
	if !n.Enabled() {
		return
	}
	var kbRows [][]tgbotapi.InlineKeyboardButton
	for _, row := range rows {
		var kbRow []tgbotapi.InlineKeyboardButton
		for _, b := range row {
			kbRow = append(kbRow, tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Data))
		}
		kbRows = append(kbRows, kbRow)
	}
	msg := tgbotapi.NewMessage(n.chatID, truncate(text))
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(kbRows...)
	if !needsPlain(text) {
		msg.ParseMode = tgbotapi.ModeMarkdown
	}
	n.deliver(msg)
}

// deliver sends and retries once without parse mode on failure (bad
// Markdown is the usual culprit for a 400).
func (n *Notifier) deliver(msg tgbotapi.MessageConfig) {
	if _, err := n.bot.Send(msg); err != nil {
		if msg.ParseMode != "" {
			msg.ParseMode = ""
			if _, err := n.bot.Send(msg); err == nil {
				return
			}
		}
		metrics.NotifyFailuresTotal.Inc()
		n.logger.Warn().Err(err).Msg("telegram send failed")
	}
}

// needsPlain guesses whether Markdown parsing would reject the text.
// Backticked content is assumed intentional; bare underscores and
// brackets from raw log material are not.
func needsPlain(text string) bool {
	if text == "" || strings.Contains(text, "`") {
		return false
	}
	return strings.ContainsAny(text, "_*[]()")
}

func truncate(text string) string {
	if len(text) <= maxMessageLen {
		return text
	}
	return text[:maxMessageLen]
}
