package privacylog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestSanitizeArgsFingerprintsRemotePubkeys(t *testing.T) {
	args := SanitizeArgs(
		"remote_pubkey", "npub1deadbeef",
		"sender_pub", "npub1feedface",
		"method", "sign_event",
	)
	if len(args) != 6 {
		t.Fatalf("unexpected args length: %d", len(args))
	}
	if got := args[0]; got != "remote_pubkey_fp" {
		t.Fatalf("unexpected key: %v", got)
	}
	if got := args[1].(string); !strings.HasPrefix(got, "fp_") {
		t.Fatalf("unexpected fingerprint value: %q", got)
	}
	if got := args[4]; got != "method" {
		t.Fatalf("expected untouched key, got %v", got)
	}
}

func TestSanitizingHandlerRedactsSensitiveAndPubkeys(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, nil)
	logger := slog.New(WrapHandler(base))
	logger.Info("command handled", "remote_pubkey", "npub1deadbeef", "passphrase", "s3cret", "method", "unlock_key")

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log json: %v", err)
	}
	if _, ok := payload["remote_pubkey"]; ok {
		t.Fatal("remote_pubkey should not be present in plaintext")
	}
	if _, ok := payload["remote_pubkey_fp"]; !ok {
		t.Fatal("remote_pubkey_fp should be present")
	}
	if got, _ := payload["passphrase"].(string); got != redactedValue {
		t.Fatalf("expected redacted passphrase, got %q", got)
	}
	if got, _ := payload["method"].(string); got != "unlock_key" {
		t.Fatalf("expected method to stay plaintext, got %q", got)
	}
}

func TestSanitizingHandlerImplementsSlogHandlerContract(t *testing.T) {
	var buf bytes.Buffer
	h := WrapHandler(slog.NewJSONHandler(&buf, nil))
	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("expected handler enabled for info")
	}
	rec := slog.NewRecord(time.Now().UTC(), slog.LevelInfo, "msg", 0)
	rec.AddAttrs(slog.String("caller_pubkey", "npub1abc"))
	if err := h.Handle(context.Background(), rec); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if !strings.Contains(buf.String(), "caller_pubkey_fp") {
		t.Fatalf("expected sanitized caller_pubkey key, got %s", buf.String())
	}
}
