// Package telegram posts approval lifecycle summaries to a Telegram chat.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/MEKXH/agentgate/internal/bus"
	"github.com/MEKXH/agentgate/internal/config"
)

// Sender is the part of *tgbotapi.BotAPI the notifier uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier is a bus.Listener that forwards request events to one chat.
type Notifier struct {
	chatID int64
	bot    Sender
}

// New connects the bot and returns a notifier.
func New(cfg config.TelegramConfig) (*Notifier, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	slog.Info("telegram bot connected", "username", bot.Self.UserName, "chat_id", cfg.ChatID)
	return NewWithSender(cfg.ChatID, bot), nil
}

// NewWithSender builds a notifier over an existing sender.
func NewWithSender(chatID int64, bot Sender) *Notifier {
	return &Notifier{chatID: chatID, bot: bot}
}

func (n *Notifier) Name() string { return "telegram" }

// Handle posts created, decided and expired events. Everything else is
// ignored.
func (n *Notifier) Handle(_ context.Context, event bus.Event) error {
	text, ok := renderEvent(event)
	if !ok {
		return nil
	}
	return n.send(text)
}

func (n *Notifier) send(html string) error {
	msg := tgbotapi.NewMessage(n.chatID, html)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	_, err := n.bot.Send(msg)
	if err != nil {
		// Retry as plain text in case the markup was rejected.
		msg.ParseMode = ""
		msg.Text = stripTags(html)
		_, err = n.bot.Send(msg)
	}
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func renderEvent(event bus.Event) (string, bool) {
	var b strings.Builder
	switch event.Type {
	case bus.RequestCreated:
		fmt.Fprintf(&b, "<b>Approval requested</b>\n")
		writeAction(&b, event)
		if u := stringField(event.Data, "urgency"); u != "" {
			fmt.Fprintf(&b, "Urgency: %s\n", escape(u))
		}
	case bus.RequestDecided:
		decision := stringField(event.Data, "decision")
		fmt.Fprintf(&b, "<b>Request %s</b>\n", escape(decision))
		writeAction(&b, event)
		if by := stringField(event.Data, "decided_by"); by != "" {
			fmt.Fprintf(&b, "By: %s\n", escape(by))
		}
		if reason := stringField(event.Data, "reason"); reason != "" {
			fmt.Fprintf(&b, "Reason: %s\n", escape(reason))
		}
	case bus.RequestExpired:
		fmt.Fprintf(&b, "<b>Request expired</b>\n")
		writeAction(&b, event)
	default:
		return "", false
	}

	fmt.Fprintf(&b, "ID: <code>%s</code>", escape(event.RequestID))
	if event.Actor != "" {
		fmt.Fprintf(&b, "\nActor: %s", escape(event.Actor))
	}
	if extra := extraFields(event); extra != "" {
		b.WriteString("\n")
		b.WriteString(extra)
	}
	return b.String(), true
}

func writeAction(b *strings.Builder, event bus.Event) {
	if action := stringField(event.Data, "action"); action != "" {
		fmt.Fprintf(b, "Action: <code>%s</code>\n", escape(action))
	}
}

// extraFields lists data fields not already rendered, sorted for stable
// output.
func extraFields(event bus.Event) string {
	skip := map[string]bool{"action": true, "urgency": true, "decision": true, "decided_by": true, "reason": true}
	keys := make([]string, 0, len(event.Data))
	for k := range event.Data {
		if !skip[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %s", escape(k), escape(fmt.Sprint(event.Data[k]))))
	}
	return strings.Join(lines, "\n")
}

func stringField(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	s, _ := data[key].(string)
	return s
}

func escape(text string) string {
	text = strings.ReplaceAll(text, "&", "&amp;")
	text = strings.ReplaceAll(text, "<", "&lt;")
	text = strings.ReplaceAll(text, ">", "&gt;")
	return text
}

var tagReplacer = strings.NewReplacer(
	"<b>", "", "</b>", "",
	"<code>", "", "</code>", "",
	"&lt;", "<", "&gt;", ">", "&amp;", "&",
)

func stripTags(html string) string {
	return tagReplacer.Replace(html)
}
