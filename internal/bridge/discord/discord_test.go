package discord

import (
	"strings"
	"testing"

	"github.com/nextlevelbuilder/tether/internal/config"
)

func TestAllowedViaPairingTable(t *testing.T) {
	pairing := &config.PairingTable{Discord: []string{"111"}}
	b := &Bridge{cfg: config.DiscordBridgeConfig{}, pairing: pairing}

	if !b.allowed("111") {
		t.Fatalf("expected a paired sender to be allowed")
	}
	if !b.allowed("999") {
		t.Fatalf("expected any sender to be allowed when AllowFrom is empty")
	}
}

func TestAllowedViaAllowFromList(t *testing.T) {
	b := &Bridge{
		cfg:     config.DiscordBridgeConfig{AllowFrom: []string{"222"}},
		pairing: &config.PairingTable{},
	}
	if !b.allowed("222") {
		t.Fatalf("expected a listed sender to be allowed")
	}
	if b.allowed("333") {
		t.Fatalf("expected an unlisted sender to be rejected once AllowFrom is non-empty")
	}
}

func TestLastIndexByte(t *testing.T) {
	if got := lastIndexByte("abc\ndef", '\n'); got != 3 {
		t.Fatalf("expected index 3, got %d", got)
	}
	if got := lastIndexByte("no newline", '\n'); got != -1 {
		t.Fatalf("expected -1 for no match, got %d", got)
	}
}

func TestSendChunkedSplitsOnNewlinePastHalfway(t *testing.T) {
	first := strings.Repeat("a", 1500) + "\n" + strings.Repeat("b", 1500)
	chunks := splitChunks(first)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if len(chunks[0]) != 1501 {
		t.Fatalf("expected first chunk to end right after the newline, got len %d", len(chunks[0]))
	}
	if chunks[0]+chunks[1] != first {
		t.Fatalf("expected chunks to reassemble to the original content")
	}
}

func TestSendChunkedHardSplitsWithoutNearbyNewline(t *testing.T) {
	content := strings.Repeat("x", 2500)
	chunks := splitChunks(content)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if len(chunks[0]) != maxMessageLen {
		t.Fatalf("expected a hard cut at %d chars, got %d", maxMessageLen, len(chunks[0]))
	}
}

func TestSendChunkedShortContentIsOneChunk(t *testing.T) {
	chunks := splitChunks("hello")
	if len(chunks) != 1 || chunks[0] != "hello" {
		t.Fatalf("expected a single chunk, got %+v", chunks)
	}
}
