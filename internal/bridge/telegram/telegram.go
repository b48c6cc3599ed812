// Package telegram implements bridge.Bridge over the Telegram Bot API
// using long polling, adapted from the teacher's
// internal/channels/telegram.Channel. Group mention-gating, streaming
// previews, pairing-reply debounce, and file-writer commands are
// teacher-domain concerns with no analog here and are dropped; the
// polling lifecycle, typing indicator, and forum-topic thread handling
// carry over directly.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/tether/internal/bridge"
	"github.com/nextlevelbuilder/tether/internal/config"
)

// telegramGeneralTopicID is the fixed topic ID Telegram assigns the
// "General" topic in forum supergroups; it must be omitted from send/edit
// calls or the API rejects it with "thread not found".
const telegramGeneralTopicID = 1

// Bridge connects one Telegram bot to the session gateway via long polling.
type Bridge struct {
	bot     *telego.Bot
	cfg     config.TelegramBridgeConfig
	pairing *config.PairingTable
	inbox   *bridge.Inbox

	pollCancel context.CancelFunc
	pollDone   chan struct{}

	typingCtrls sync.Map // threadID string -> *bridge.TypingController
}

// New builds a Telegram bridge. pairing may be nil, in which case
// cfg.AllowFrom is the only access control applied.
func New(cfg config.TelegramBridgeConfig, pairing *config.PairingTable, inbox *bridge.Inbox) (*Bridge, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	if pairing == nil {
		pairing = &config.PairingTable{}
	}
	return &Bridge{bot: bot, cfg: cfg, pairing: pairing, inbox: inbox}, nil
}

func (b *Bridge) Name() string { return "telegram" }

// Start begins long polling for updates. The polling goroutine runs until
// ctx (as passed through pollCtx, derived from the ctx given here) is
// cancelled or Stop is called.
func (b *Bridge) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	b.pollCancel = cancel
	b.pollDone = make(chan struct{})

	updates, err := b.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("telegram: start long polling: %w", err)
	}

	slog.Info("telegram bridge connected")

	go func() {
		defer close(b.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					b.handleMessage(pollCtx, update.Message)
				}
			}
		}
	}()

	return nil
}

// Stop cancels the long-polling context and waits for the goroutine to
// exit so Telegram releases the getUpdates lock before any restart.
func (b *Bridge) Stop(ctx context.Context) error {
	if b.pollCancel != nil {
		b.pollCancel()
	}
	if b.pollDone != nil {
		select {
		case <-b.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram bridge: polling goroutine did not exit in time")
		}
	}
	return nil
}

func (b *Bridge) handleMessage(ctx context.Context, message *telego.Message) {
	if message.From == nil || message.Text == "" {
		return
	}
	senderID := fmt.Sprintf("%d", message.From.ID)
	if !b.allowed(senderID) {
		slog.Debug("telegram bridge: sender not allowed", "sender_id", senderID)
		return
	}

	threadID := threadKeyFor(message.Chat.ID, message.MessageThreadID)
	if err := b.inbox.Route(ctx, "telegram", threadID, message.Text); err != nil {
		slog.Debug("telegram bridge: no session bound to thread", "thread_id", threadID, "error", err)
	}
}

func (b *Bridge) allowed(senderID string) bool {
	if b.pairing.Allows("telegram", senderID) {
		return true
	}
	if len(b.cfg.AllowFrom) == 0 {
		return true
	}
	for _, id := range b.cfg.AllowFrom {
		if id == senderID {
			return true
		}
	}
	return false
}

// threadKeyFor encodes a chat+forum-topic pair into the composite thread
// ID bridge.Binding stores, mirroring the teacher's
// "-12345:topic:99" localKey shape.
func threadKeyFor(chatID int64, messageThreadID int) string {
	if messageThreadID == 0 {
		return fmt.Sprintf("%d", chatID)
	}
	return fmt.Sprintf("%d:topic:%d", chatID, messageThreadID)
}

func parseThreadKey(key string) (chatID int64, topicID int) {
	raw := key
	if idx := strings.Index(key, ":topic:"); idx > 0 {
		raw = key[:idx]
		fmt.Sscanf(key[idx+len(":topic:"):], "%d", &topicID)
	}
	fmt.Sscanf(raw, "%d", &chatID)
	return chatID, topicID
}

// resolveThreadIDForSend omits Telegram's "General" topic ID from
// send/edit calls, which the API otherwise rejects.
func resolveThreadIDForSend(topicID int) int {
	if topicID == telegramGeneralTopicID {
		return 0
	}
	return topicID
}

func (b *Bridge) SendOutput(ctx context.Context, threadID string, text string) error {
	chatID, topicID := parseThreadKey(threadID)
	msg := tu.Message(tu.ID(chatID), text)
	if sendThreadID := resolveThreadIDForSend(topicID); sendThreadID > 0 {
		msg.MessageThreadID = sendThreadID
	}
	_, err := b.bot.SendMessage(ctx, msg)
	return err
}

func (b *Bridge) SendApprovalRequest(ctx context.Context, threadID string, req bridge.ApprovalRequest) error {
	var sb strings.Builder
	sb.WriteString(req.Prompt)
	sb.WriteString("\n")
	for i, opt := range req.Options {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, opt)
	}
	return b.SendOutput(ctx, threadID, sb.String())
}

// SetTyping starts or stops a Telegram typing indicator. Telegram's
// typing state expires after ~5s, so the keepalive fires every 4s; a 60s
// MaxDuration is a safety net against a stuck indicator if SetTyping(false)
// is never called for this thread (matches the teacher's typing.Controller
// use in channel.go/handlers.go).
func (b *Bridge) SetTyping(ctx context.Context, threadID string, on bool) error {
	if prev, ok := b.typingCtrls.LoadAndDelete(threadID); ok {
		prev.(*bridge.TypingController).Stop()
	}
	if !on {
		return nil
	}

	chatID, topicID := parseThreadKey(threadID)
	action := tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping)
	if sendThreadID := resolveThreadIDForSend(topicID); sendThreadID > 0 {
		action.MessageThreadID = sendThreadID
	}

	ctrl := bridge.NewTypingController(bridge.TypingOptions{
		MaxDuration:       60 * time.Second,
		KeepaliveInterval: 4 * time.Second,
		StartFn: func() error {
			return b.bot.SendChatAction(context.Background(), action)
		},
	})
	b.typingCtrls.Store(threadID, ctrl)
	ctrl.Start()
	return nil
}

func (b *Bridge) SetStatus(ctx context.Context, threadID string, state string) error {
	return b.SendOutput(ctx, threadID, "session state: "+state)
}
