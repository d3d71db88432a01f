package keystore

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	nsec := []byte("nsec1deadbeefdeadbeefdeadbeefdeadbeef")
	entry, err := Encrypt(nsec, "correct-horse")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	plaintext, err := Decrypt(entry, "correct-horse")
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(plaintext, nsec) {
		t.Fatalf("expected round-tripped plaintext to match")
	}
}

func TestDecryptWrongPassphraseFails(t *testing.T) {
	entry, err := Encrypt([]byte("secret"), "right")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := Decrypt(entry, "wrong"); err == nil {
		t.Fatalf("expected decryption with the wrong passphrase to fail")
	}
}

func TestLegacyEnvelopeStillDecrypts(t *testing.T) {
	nsec := []byte("legacy-private-key-material")
	entry, err := EncryptLegacy(nsec, "oldpass")
	if err != nil {
		t.Fatalf("EncryptLegacy: %v", err)
	}
	if entry.Version != versionLegacy {
		t.Fatalf("expected legacy version tag")
	}
	plaintext, err := Decrypt(entry, "oldpass")
	if err != nil {
		t.Fatalf("Decrypt legacy entry: %v", err)
	}
	if !bytes.Equal(plaintext, nsec) {
		t.Fatalf("expected legacy round trip to match")
	}
}

func TestStoreUnlockInstallsMaterial(t *testing.T) {
	store := NewStore(nil)
	entry, _ := Encrypt([]byte("key-bytes"), "pw")

	ok, err := store.Unlock("alice", entry, "pw")
	if err != nil || !ok {
		t.Fatalf("expected successful unlock, got ok=%v err=%v", ok, err)
	}
	material, ok := store.GetUnlocked("alice")
	if !ok || string(material) != "key-bytes" {
		t.Fatalf("expected unlocked material to be retrievable")
	}
}

func TestStoreUnlockWrongPassphraseLeavesStateUntouched(t *testing.T) {
	store := NewStore(nil)
	entry, _ := Encrypt([]byte("key-bytes"), "pw")

	ok, err := store.Unlock("alice", entry, "wrong")
	if ok || err == nil {
		t.Fatalf("expected failed unlock")
	}
	if store.IsUnlocked("alice") {
		t.Fatalf("expected unlocked table to remain untouched on failure")
	}
}

func TestStoreUnlockRejectsInvalidKeyMaterial(t *testing.T) {
	store := NewStore(func(plaintext []byte) bool { return len(plaintext) == 32 })
	entry, _ := Encrypt([]byte("too-short"), "pw")

	if ok, err := store.Unlock("bob", entry, "pw"); ok || err != ErrInvalidPrivateKey {
		t.Fatalf("expected ErrInvalidPrivateKey, got ok=%v err=%v", ok, err)
	}
}
