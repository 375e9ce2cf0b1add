package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/shotreport/internal/bus"
	"github.com/basket/shotreport/internal/telemetry"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []tgbotapi.MessageConfig
	fail bool
	got  chan struct{}
}

func newFakeSender() *fakeSender {
	return &fakeSender{got: make(chan struct{}, 16)}
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	fail := f.fail
	f.mu.Unlock()
	f.got <- struct{}{}
	if fail {
		return tgbotapi.Message{}, errors.New("telegram down")
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeSender) messages() []tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tgbotapi.MessageConfig(nil), f.sent...)
}

func (f *fakeSender) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d of %d", i+1, n)
		}
	}
}

// startNotifier runs the notifier and waits until its subscriptions exist.
func startNotifier(t *testing.T, n *Telegram, b *bus.Bus) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = n.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("notifier did not subscribe")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTelegram_RunFinishedGoesToEveryChat(t *testing.T) {
	b := bus.New()
	sender := newFakeSender()
	startNotifier(t, NewTelegramWithSender(sender, []int64{10, 20}, b, telemetry.Discard()), b)

	b.Publish(bus.TopicRunStarted, bus.RunEvent{RunID: "ignored"})
	b.Publish(bus.TopicRunFinished, bus.RunEvent{RunID: "run-1", Counts: map[string]int{"success": 3}})
	sender.wait(t, 2)

	msgs := sender.messages()
	if len(msgs) != 2 || msgs[0].ChatID != 10 || msgs[1].ChatID != 20 {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	if msgs[0].ParseMode != tgbotapi.ModeMarkdownV2 {
		t.Fatalf("parse mode = %q", msgs[0].ParseMode)
	}
	if !strings.Contains(msgs[0].Text, "Run passed") || !strings.Contains(msgs[0].Text, "run\\-1") {
		t.Fatalf("unexpected text %q", msgs[0].Text)
	}
}

func TestTelegram_FinalizedAndSendErrors(t *testing.T) {
	b := bus.New()
	sender := newFakeSender()
	sender.fail = true
	startNotifier(t, NewTelegramWithSender(sender, []int64{7}, b, telemetry.Discard()), b)

	b.Publish(bus.TopicReportFinalized, bus.FinalizedEvent{DBUrls: []string{"gs://bucket/sqlite.db"}})
	b.Publish(bus.TopicReportFinalized, "not an event")
	b.Publish(bus.TopicReportFinalized, bus.FinalizedEvent{})
	sender.wait(t, 2)

	msgs := sender.messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages after send failures, got %d", len(msgs))
	}
	if !strings.Contains(msgs[0].Text, "gs://bucket/sqlite\\.db") {
		t.Fatalf("finalized message missing url: %q", msgs[0].Text)
	}
}

func TestFormatRunSummary(t *testing.T) {
	failed := FormatRunSummary(bus.RunEvent{
		RunID:    "r",
		Started:  1_000,
		Finished: 61_000,
		Counts:   map[string]int{"success": 1, "fail": 2},
	})
	if !strings.HasPrefix(failed, "⚠️ *Run finished with failures*") {
		t.Fatalf("unexpected header: %q", failed)
	}
	if !strings.Contains(failed, "fail: 2\nsuccess: 1") {
		t.Fatalf("counts not sorted: %q", failed)
	}
	if !strings.Contains(failed, "duration: 1m0s") {
		t.Fatalf("missing duration: %q", failed)
	}

	crashed := FormatRunSummary(bus.RunEvent{RunID: "r", Err: "exit status 1"})
	if !strings.HasPrefix(crashed, "❌ *Run failed*") || !strings.Contains(crashed, "```\nexit status 1\n```") {
		t.Fatalf("unexpected crash summary: %q", crashed)
	}
}

func TestEscapeMarkdownV2(t *testing.T) {
	got := escapeMarkdownV2("a_b*c.d!(e)")
	want := `a\_b\*c\.d\!\(e\)`
	if got != want {
		t.Fatalf("escapeMarkdownV2 = %q, want %q", got, want)
	}
}
