// Package telegram is the reference channel adapter: long-polled Bot API
// updates in, agent runs per chat, replies back out.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mymmrac/telego"

	"github.com/osaproject/osa/internal/agent"
	"github.com/osaproject/osa/internal/config"
)

// Channel connects to Telegram via the Bot API using long polling.
type Channel struct {
	bot     *telego.Bot
	cfg     config.TelegramConfig
	runtime *agent.Runtime
	allow   map[string]bool

	running    atomic.Bool
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

func New(cfg config.TelegramConfig, runtime *agent.Runtime) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	allow := make(map[string]bool, len(cfg.AllowFrom))
	for _, id := range cfg.AllowFrom {
		allow[id] = true
	}
	return &Channel{bot: bot, cfg: cfg, runtime: runtime, allow: allow}, nil
}

func (c *Channel) Name() string    { return "telegram" }
func (c *Channel) IsRunning() bool { return c.running.Load() }

// IsAllowed reports whether the sender passes the allowlist. An empty
// allowlist accepts everyone.
func (c *Channel) IsAllowed(senderID string) bool {
	return len(c.allow) == 0 || c.allow[senderID]
}

// Start begins long polling for updates.
func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.running.Store(true)
	slog.Info("telegram connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					c.handleMessage(pollCtx, update.Message)
				}
			}
		}
	}()
	return nil
}

// Stop cancels polling and waits for the goroutine so Telegram releases
// the getUpdates lock before a new instance starts.
func (c *Channel) Stop(_ context.Context) error {
	c.running.Store(false)
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

func (c *Channel) handleMessage(ctx context.Context, msg *telego.Message) {
	if msg.Text == "" {
		return
	}
	sender := ""
	if msg.From != nil {
		sender = fmt.Sprintf("%d", msg.From.ID)
	}
	if !c.IsAllowed(sender) {
		slog.Debug("telegram sender not allowed", "sender", sender)
		return
	}

	sessionID := fmt.Sprintf("tg:%d", msg.Chat.ID)
	reply, err := c.runtime.Submit(agent.RunRequest{
		SessionID: sessionID,
		Channel:   "telegram",
		Message:   msg.Text,
	})
	if err != nil {
		slog.Warn("telegram message rejected", "session", sessionID, "error", err)
		c.send(ctx, msg.Chat.ID, "I'm busy with your previous message, try again in a moment.")
		return
	}

	go func() {
		select {
		case <-ctx.Done():
		case outcome := <-reply:
			if outcome.Err != nil {
				slog.Warn("telegram run failed", "session", sessionID, "error", outcome.Err)
				c.send(ctx, msg.Chat.ID, "Something went wrong handling that message.")
				return
			}
			if outcome.Result.Silent || outcome.Result.Content == "" {
				return
			}
			c.send(ctx, msg.Chat.ID, outcome.Result.Content)
		}
	}()
}

func (c *Channel) send(ctx context.Context, chatID int64, text string) {
	_, err := c.bot.SendMessage(ctx, &telego.SendMessageParams{
		ChatID: telego.ChatID{ID: chatID},
		Text:   text,
	})
	if err != nil {
		slog.Warn("telegram send failed", "chat", chatID, "error", err)
	}
}
