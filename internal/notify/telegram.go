// Package notify forwards session and campaign events to operators over Telegram.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"salonreach/internal/bus"
	"salonreach/internal/retry"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
	queueSize              = 64
)

// BotAPI is the part of *tgbotapi.BotAPI the notifier uses.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type TelegramConfig struct {
	Token     string
	ChatIDs   []string
	ParseMode string
	Logger    *slog.Logger

	// Bot replaces the real API client; Token is ignored when set.
	Bot BotAPI
	// Timer replaces real backoff waits in tests.
	Timer backoff.Timer
}

// Telegram sends notifications to a fixed set of chats.
type Telegram struct {
	bot       BotAPI
	chatIDs   []int64
	parseMode string
	logger    *slog.Logger
	timer     backoff.Timer
	queue     chan string
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ParseMode == "" {
		cfg.ParseMode = "Markdown"
	}

	var chats []int64
	for _, s := range cfg.ChatIDs {
		id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid telegram chat id %q: %w", s, err)
		}
		chats = append(chats, id)
	}
	if len(chats) == 0 {
		return nil, errors.New("telegram notifier needs at least one chat id")
	}

	bot := cfg.Bot
	if bot == nil {
		api, err := tgbotapi.NewBotAPI(cfg.Token)
		if err != nil {
			return nil, fmt.Errorf("telegram bot init: %w", err)
		}
		cfg.Logger.Info("telegram bot connected", "username", api.Self.UserName, "id", api.Self.ID)
		bot = api
	}

	return &Telegram{
		bot:       bot,
		chatIDs:   chats,
		parseMode: cfg.ParseMode,
		logger:    cfg.Logger,
		timer:     cfg.Timer,
		queue:     make(chan string, queueSize),
	}, nil
}

// Attach subscribes to the events operators care about. The returned func
// detaches the notifier.
func (t *Telegram) Attach(events *bus.EventBus) func() {
	types := []string{bus.EventSessionQRRequired, bus.EventSessionStateChanged, bus.EventCampaignFinished}
	ids := make([]string, len(types))
	for i, typ := range types {
		ids[i] = events.On(typ, t.enqueue)
	}
	return func() {
		for i, typ := range types {
			events.Off(typ, ids[i])
		}
	}
}

// enqueue runs on the emitter's goroutine so it must not block.
func (t *Telegram) enqueue(e bus.Event) {
	text, ok := Format(e)
	if !ok {
		return
	}
	select {
	case t.queue <- text:
	default:
		t.logger.Warn("telegram queue full, dropping notification", "event", e.Type)
	}
}

// Run delivers queued notifications until ctx is cancelled.
func (t *Telegram) Run(ctx context.Context) error {
	t.logger.Info("telegram notifier started", "chats", len(t.chatIDs))
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram notifier stopping")
			return nil
		case text := <-t.queue:
			for _, chatID := range t.chatIDs {
				t.sendMessage(ctx, chatID, text)
			}
		}
	}
}

// Format renders an event as an operator message. ok is false for events
// that do not warrant a notification.
func Format(e bus.Event) (text string, ok bool) {
	switch e.Type {
	case bus.EventSessionQRRequired:
		return "📱 *WhatsApp login required*\nScan the QR code in the automation browser to continue.", true

	case bus.EventSessionStateChanged:
		switch payloadString(e, "to") {
		case "logged_in":
			return "🟢 WhatsApp session logged in.", true
		case "stopped":
			return "🔴 WhatsApp session stopped.", true
		}
		return "", false

	case bus.EventCampaignFinished:
		icon := "✅"
		if success, _ := e.Payload["success"].(bool); !success {
			icon = "⚠️"
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%s *Campaign finished*\n", icon)
		fmt.Fprintf(&b, "Sent: %d\nFailed: %d", payloadInt(e, "sent"), payloadInt(e, "failed"))
		if n := payloadInt(e, "unconfirmed"); n > 0 {
			fmt.Fprintf(&b, "\nUnconfirmed: %d", n)
		}
		if id := payloadString(e, "id"); id != "" {
			fmt.Fprintf(&b, "\nID: `%s`", id)
		}
		return b.String(), true
	}
	return "", false
}

func payloadString(e bus.Event, key string) string {
	s, _ := e.Payload[key].(string)
	return s
}

func payloadInt(e bus.Event, key string) int {
	switch v := e.Payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// sendMessage splits text at Telegram's message limit, preferring newlines.
func (t *Telegram) sendMessage(ctx context.Context, chatID int64, text string) {
	for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
		t.sendChunk(ctx, chatID, chunk)
	}
}

func splitMessage(text string, maxLen int) []string {
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		cutAt := strings.LastIndex(text[:maxLen], "\n")
		if cutAt < maxLen/2 {
			cutAt = maxLen
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}

// sendChunk tries the configured parse mode first and falls back to plain
// text when Telegram rejects the markup. Rate limits honour retry_after.
func (t *Telegram) sendChunk(ctx context.Context, chatID int64, text string) {
	parseMode := t.parseMode
	policy := retry.Policy{
		Attempts: telegramMaxSendRetries + 1,
		Backoff:  retry.Exponential(time.Second, 10*time.Second),
		Timer:    t.timer,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			t.logger.Warn("telegram send error, retrying", "err", err, "attempt", attempt, "backoff", wait)
		},
	}
	err := retry.Do(ctx, policy, func(int) error {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ParseMode = parseMode
		_, err := t.bot.Send(msg)
		if err == nil {
			return nil
		}
		if parseMode != "" && strings.Contains(err.Error(), "can't parse entities") {
			t.logger.Warn("telegram markup rejected, retrying as plain text", "err", err, "parseMode", parseMode)
			parseMode = ""
			return err
		}
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
			wait := time.Duration(apiErr.RetryAfter) * time.Second
			t.logger.Warn("telegram rate limited, backing off", "retry_after", wait)
			if err := sleep(ctx, t.timer, wait); err != nil {
				return retry.Permanent(err)
			}
		}
		return err
	})
	if err != nil {
		t.logger.Error("telegram send failed", "chat", chatID, "err", err)
	}
}

func sleep(ctx context.Context, timer backoff.Timer, d time.Duration) error {
	var c <-chan time.Time
	if timer != nil {
		timer.Start(d)
		defer timer.Stop()
		c = timer.C()
	} else {
		t := time.NewTimer(d)
		defer t.Stop()
		c = t.C
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c:
		return nil
	}
}
