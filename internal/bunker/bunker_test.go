package bunker

import (
	"context"
	"encoding/hex"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/tyler-smith/go-bip39"

	"github.com/ardents-control-plane/signing-bunker/internal/configstore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestBunker(t *testing.T) (*Bunker, Paths) {
	t.Helper()
	dir := t.TempDir()
	paths := Paths{
		ConfigPath: filepath.Join(dir, "config.json"),
		ACLPath:    filepath.Join(dir, "acl.db"),
	}
	b, err := Open(paths, discardLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b, paths
}

func TestSetupAppendsAdminPubkeyOnce(t *testing.T) {
	b, paths := newTestBunker(t)

	if err := b.Setup("admin-pub-1"); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := b.Setup("admin-pub-1"); err != nil {
		t.Fatalf("Setup (repeat): %v", err)
	}

	doc, err := configstore.Get(paths.ConfigPath)
	if err != nil {
		t.Fatalf("configstore.Get: %v", err)
	}
	count := 0
	for _, pub := range doc.AdminPubkeys {
		if pub == "admin-pub-1" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected admin-pub-1 to appear once, got %d times in %v", count, doc.AdminPubkeys)
	}
}

func TestAdminMnemonicIsStableAndValid(t *testing.T) {
	b, _ := newTestBunker(t)

	first, err := b.AdminMnemonic()
	if err != nil {
		t.Fatalf("AdminMnemonic: %v", err)
	}
	if !bip39.IsMnemonicValid(first) {
		t.Fatalf("expected a valid bip39 mnemonic, got %q", first)
	}

	second, err := b.AdminMnemonic()
	if err != nil {
		t.Fatalf("AdminMnemonic (second call): %v", err)
	}
	if first != second {
		t.Fatal("expected the mnemonic to be stable across calls for the same admin key")
	}
}

func TestAddKeyRejectsBadNsec(t *testing.T) {
	b, _ := newTestBunker(t)
	if err := b.AddKey("alice", "s3cret", "not-hex"); err == nil {
		t.Fatal("expected an error for a non-hex nsec")
	}
}

func TestAddKeyPersistsEncryptedEntry(t *testing.T) {
	b, paths := newTestBunker(t)
	seed := hex.EncodeToString([]byte("alice-seed-0123456789abcdefghij"))

	if err := b.AddKey("alice", "s3cret", seed); err != nil {
		t.Fatalf("AddKey: %v", err)
	}

	doc, err := configstore.Get(paths.ConfigPath)
	if err != nil {
		t.Fatalf("configstore.Get: %v", err)
	}
	entry, ok := doc.Keys["alice"]
	if !ok {
		t.Fatal("expected key alice to be persisted")
	}
	if len(entry.Data) == 0 {
		t.Fatal("expected a non-empty ciphertext")
	}
}

func TestStartWiresAdminPlaneAndStopsOnCancel(t *testing.T) {
	b, paths := newTestBunker(t)

	// force config generation (and a bunker admin key) before Start
	if _, err := configstore.Get(paths.ConfigPath); err != nil {
		t.Fatalf("configstore.Get: %v", err)
	}
	if err := b.Setup("extra-admin-pub"); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Start(ctx, StartOptions{}) }()

	deadline := time.Now().Add(2 * time.Second)
	for b.adminPlane == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if b.adminPlane == nil {
		t.Fatal("timed out waiting for admin plane to start")
	}

	doc, err := configstore.Get(paths.ConfigPath)
	if err != nil {
		t.Fatalf("configstore.Get: %v", err)
	}
	found := false
	for _, pub := range doc.AdminPubkeys {
		if pub == "extra-admin-pub" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected extra admin pubkey to be merged into persisted config")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned an error on shutdown: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Start to return after cancel")
	}
}

func TestStartRequiresApprovalAddrWhenPublicBaseURLConfigured(t *testing.T) {
	b, paths := newTestBunker(t)

	doc, err := configstore.Get(paths.ConfigPath)
	if err != nil {
		t.Fatalf("configstore.Get: %v", err)
	}
	doc.PublicBaseURL = "https://b.example"
	if err := configstore.Put(paths.ConfigPath, doc); err != nil {
		t.Fatalf("configstore.Put: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.Start(ctx, StartOptions{}); err == nil {
		t.Fatal("expected Start to fail without --approval-addr when public_base_url is set")
	}
}
