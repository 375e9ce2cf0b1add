// Package notify forwards run summaries from the event bus to Telegram chats.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/shotreport/internal/bus"
)

// Sender is the part of tgbotapi.BotAPI the notifier uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts a message to every configured chat when a run finishes and
// when the report is finalized.
type Telegram struct {
	sender  Sender
	chatIDs []int64
	bus     *bus.Bus
	logger  *slog.Logger
}

// NewTelegram connects a bot with token. The token is checked against the
// Telegram API once.
func NewTelegram(token string, chatIDs []int64, eventBus *bus.Bus, logger *slog.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	if logger != nil {
		logger.Info("telegram notifier ready", "user", bot.Self.UserName, "chats", len(chatIDs))
	}
	return NewTelegramWithSender(bot, chatIDs, eventBus, logger), nil
}

func NewTelegramWithSender(sender Sender, chatIDs []int64, eventBus *bus.Bus, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	return &Telegram{sender: sender, chatIDs: chatIDs, bus: eventBus, logger: logger}
}

func (t *Telegram) Name() string { return "telegram" }

// Start forwards events until ctx is done.
func (t *Telegram) Start(ctx context.Context) error {
	if t.bus == nil {
		<-ctx.Done()
		return nil
	}
	sub := t.bus.Subscribe(bus.TopicRunFinished, bus.TopicReportFinalized)
	defer t.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Ch():
			if !ok {
				return nil
			}
			switch payload := ev.Payload.(type) {
			case bus.RunEvent:
				t.broadcast(FormatRunSummary(payload))
			case bus.FinalizedEvent:
				t.broadcast(FormatFinalized(payload))
			default:
				t.logger.Warn("unexpected notification payload", "topic", ev.Topic, "type", fmt.Sprintf("%T", ev.Payload))
			}
		}
	}
}

func (t *Telegram) broadcast(text string) {
	for _, chatID := range t.chatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ParseMode = tgbotapi.ModeMarkdownV2
		if _, err := t.sender.Send(msg); err != nil {
			t.logger.Error("failed to send telegram notification", "chat_id", chatID, "error", err)
		}
	}
}

// FormatRunSummary renders a finished run as MarkdownV2.
func FormatRunSummary(ev bus.RunEvent) string {
	var b strings.Builder
	if ev.Err != "" {
		fmt.Fprintf(&b, "❌ *Run failed* `%s`\n", escapeMarkdownV2(ev.RunID))
	} else if ev.Counts["fail"] > 0 || ev.Counts["error"] > 0 {
		fmt.Fprintf(&b, "⚠️ *Run finished with failures* `%s`\n", escapeMarkdownV2(ev.RunID))
	} else {
		fmt.Fprintf(&b, "✅ *Run passed* `%s`\n", escapeMarkdownV2(ev.RunID))
	}

	statuses := make([]string, 0, len(ev.Counts))
	for s := range ev.Counts {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Fprintf(&b, "%s: %d\n", escapeMarkdownV2(s), ev.Counts[s])
	}

	if ev.Finished > ev.Started && ev.Started > 0 {
		d := time.Duration(ev.Finished-ev.Started) * time.Millisecond
		fmt.Fprintf(&b, "duration: %s\n", escapeMarkdownV2(d.Round(time.Second).String()))
	}
	if ev.Err != "" {
		fmt.Fprintf(&b, "```\n%s\n```", escapeMarkdownV2(ev.Err))
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatFinalized renders the finalize hand-off as MarkdownV2.
func FormatFinalized(ev bus.FinalizedEvent) string {
	if len(ev.DBUrls) == 0 {
		return "📦 *Report finalized*"
	}
	var b strings.Builder
	b.WriteString("📦 *Report finalized*\n")
	for _, u := range ev.DBUrls {
		fmt.Fprintf(&b, "%s\n", escapeMarkdownV2(u))
	}
	return strings.TrimRight(b.String(), "\n")
}

// escapeMarkdownV2 escapes the characters Telegram reserves in MarkdownV2.
func escapeMarkdownV2(s string) string {
	const special = "_*[]()~`>#+-=|{}.!\\"
	var b strings.Builder
	b.Grow(len(s) * 2)
	for _, r := range s {
		if strings.ContainsRune(special, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
