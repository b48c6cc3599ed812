// Package discord implements bridge.Bridge over the Discord gateway API,
// adapted from the teacher's internal/channels/discord.Channel. Group
// mention-gating, pairing-reply debounce, and placeholder-message
// editing are teacher-domain concerns with no analog here and are
// dropped; the session lifecycle and chunked-send behavior carry over
// directly.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/tether/internal/bridge"
	"github.com/nextlevelbuilder/tether/internal/config"
)

// maxMessageLen is Discord's hard cap on a single message's content.
const maxMessageLen = 2000

// Bridge connects one Discord bot to the session gateway via gateway events.
type Bridge struct {
	session   *discordgo.Session
	cfg       config.DiscordBridgeConfig
	pairing   *config.PairingTable
	inbox     *bridge.Inbox
	botUserID string

	typingCtrls sync.Map // channelID string -> *bridge.TypingController
}

// New builds a Discord bridge. pairing may be nil, in which case
// cfg.AllowFrom is the only access control applied.
func New(cfg config.DiscordBridgeConfig, pairing *config.PairingTable, inbox *bridge.Inbox) (*Bridge, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	if pairing == nil {
		pairing = &config.PairingTable{}
	}
	return &Bridge{session: session, cfg: cfg, pairing: pairing, inbox: inbox}, nil
}

func (b *Bridge) Name() string { return "discord" }

func (b *Bridge) Start(ctx context.Context) error {
	b.session.AddHandler(b.handleMessage)

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}

	user, err := b.session.User("@me")
	if err != nil {
		b.session.Close()
		return fmt.Errorf("discord: fetch bot identity: %w", err)
	}
	b.botUserID = user.ID

	slog.Info("discord bridge connected", "username", user.Username, "id", user.ID)
	return nil
}

func (b *Bridge) Stop(ctx context.Context) error {
	return b.session.Close()
}

func (b *Bridge) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == b.botUserID || m.Author.Bot {
		return
	}
	if m.Content == "" {
		return
	}
	if !b.allowed(m.Author.ID) {
		slog.Debug("discord bridge: sender not allowed", "sender_id", m.Author.ID)
		return
	}

	if err := b.inbox.Route(context.Background(), "discord", m.ChannelID, m.Content); err != nil {
		slog.Debug("discord bridge: no session bound to channel", "channel_id", m.ChannelID, "error", err)
	}
}

func (b *Bridge) allowed(senderID string) bool {
	if b.pairing.Allows("discord", senderID) {
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

func (b *Bridge) SendOutput(ctx context.Context, threadID string, text string) error {
	return b.sendChunked(threadID, text)
}

// sendChunked splits content at 2000 chars, preferring a newline break
// past the halfway point, matching the teacher's sendChunked.
func (b *Bridge) sendChunked(channelID, content string) error {
	for _, chunk := range splitChunks(content) {
		if _, err := b.session.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("discord: send message: %w", err)
		}
	}
	return nil
}

// splitChunks breaks content into pieces no longer than maxMessageLen,
// preferring to cut at the last newline past the halfway point of a
// chunk over a hard cut at the limit.
func splitChunks(content string) []string {
	var chunks []string
	for len(content) > 0 {
		chunk := content
		if len(chunk) > maxMessageLen {
			cutAt := maxMessageLen
			if idx := lastIndexByte(content[:maxMessageLen], '\n'); idx > maxMessageLen/2 {
				cutAt = idx + 1
			}
			chunk = content[:cutAt]
			content = content[cutAt:]
		} else {
			content = ""
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

func lastIndexByte(s string, c byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == c {
			return i
		}
	}
	return -1
}

func (b *Bridge) SendApprovalRequest(ctx context.Context, threadID string, req bridge.ApprovalRequest) error {
	msg := req.Prompt + "\n"
	for i, opt := range req.Options {
		msg += fmt.Sprintf("%d. %s\n", i+1, opt)
	}
	return b.sendChunked(threadID, msg)
}

// SetTyping starts or stops a Discord typing indicator. Discord's typing
// state expires after ~10s, so the keepalive fires every 8s; a 60s
// MaxDuration is a safety net against a stuck indicator if SetTyping(false)
// is never called for this channel.
func (b *Bridge) SetTyping(ctx context.Context, threadID string, on bool) error {
	if prev, ok := b.typingCtrls.LoadAndDelete(threadID); ok {
		prev.(*bridge.TypingController).Stop()
	}
	if !on {
		return nil
	}

	ctrl := bridge.NewTypingController(bridge.TypingOptions{
		MaxDuration:       60 * time.Second,
		KeepaliveInterval: 8 * time.Second,
		StartFn: func() error {
			return b.session.ChannelTyping(threadID)
		},
	})
	b.typingCtrls.Store(threadID, ctrl)
	ctrl.Start()
	return nil
}

func (b *Bridge) SetStatus(ctx context.Context, threadID string, state string) error {
	return b.sendChunked(threadID, "session state: "+state)
}
