package telegram

import (
	"testing"

	"github.com/nextlevelbuilder/tether/internal/config"
)

func TestThreadKeyForRoundTrip(t *testing.T) {
	cases := []struct {
		chatID   int64
		threadID int
	}{
		{chatID: -1001234567890, threadID: 0},
		{chatID: -1001234567890, threadID: 99},
		{chatID: 42, threadID: 1},
	}
	for _, c := range cases {
		key := threadKeyFor(c.chatID, c.threadID)
		gotChat, gotTopic := parseThreadKey(key)
		if gotChat != c.chatID {
			t.Fatalf("threadKeyFor(%d,%d)=%q: parsed chat %d, want %d", c.chatID, c.threadID, key, gotChat, c.chatID)
		}
		if gotTopic != c.threadID {
			t.Fatalf("threadKeyFor(%d,%d)=%q: parsed topic %d, want %d", c.chatID, c.threadID, key, gotTopic, c.threadID)
		}
	}
}

func TestThreadKeyForOmitsTopicSuffixWhenZero(t *testing.T) {
	key := threadKeyFor(555, 0)
	if key != "555" {
		t.Fatalf("expected bare chat id, got %q", key)
	}
}

func TestResolveThreadIDForSendOmitsGeneralTopic(t *testing.T) {
	if got := resolveThreadIDForSend(telegramGeneralTopicID); got != 0 {
		t.Fatalf("expected the General topic id to resolve to 0, got %d", got)
	}
	if got := resolveThreadIDForSend(42); got != 42 {
		t.Fatalf("expected a non-General topic id to pass through, got %d", got)
	}
}

func TestAllowedViaPairingTable(t *testing.T) {
	pairing := &config.PairingTable{Telegram: []string{"111"}}

	b := &Bridge{cfg: config.TelegramBridgeConfig{}, pairing: pairing}
	if !b.allowed("111") {
		t.Fatalf("expected a paired sender to be allowed")
	}
	if !b.allowed("999") {
		t.Fatalf("expected any sender to be allowed when AllowFrom is empty")
	}
}

func TestAllowedViaAllowFromList(t *testing.T) {
	b := &Bridge{
		cfg:     config.TelegramBridgeConfig{AllowFrom: []string{"222"}},
		pairing: &config.PairingTable{},
	}
	if !b.allowed("222") {
		t.Fatalf("expected a listed sender to be allowed")
	}
	if b.allowed("333") {
		t.Fatalf("expected an unlisted sender to be rejected once AllowFrom is non-empty")
	}
}
