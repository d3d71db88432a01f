package eventproto

import (
	"bytes"
	"testing"
	"time"
)

func TestSignProducesVerifiableEvent(t *testing.T) {
	signer, err := NewEd25519Signer([]byte("super-secret-seed-material"))
	if err != nil {
		t.Fatalf("NewEd25519Signer: %v", err)
	}
	signed, err := signer.Sign(Event{Kind: 1, CreatedAt: time.Unix(0, 0), Content: "hello"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if signed.PubKey != signer.PublicKey() {
		t.Fatalf("expected signed event pubkey to match signer")
	}
	if signed.ID == "" || signed.Sig == "" {
		t.Fatalf("expected non-empty id and signature")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	alice, err := NewEd25519Signer([]byte("alice-seed"))
	if err != nil {
		t.Fatalf("alice: %v", err)
	}
	bob, err := NewEd25519Signer([]byte("bob-seed"))
	if err != nil {
		t.Fatalf("bob: %v", err)
	}

	plaintext := []byte("do not persist this in plaintext")
	ciphertext, err := alice.Encrypt(bob.EncryptionPublicKey(), plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	decrypted, err := bob.Decrypt(alice.EncryptionPublicKey(), ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(plaintext, decrypted) {
		t.Fatalf("expected round-tripped plaintext to match")
	}
}

func TestDecryptFailsForWrongSender(t *testing.T) {
	alice, _ := NewEd25519Signer([]byte("alice-seed"))
	bob, _ := NewEd25519Signer([]byte("bob-seed"))
	mallory, _ := NewEd25519Signer([]byte("mallory-seed"))

	ciphertext, err := alice.Encrypt(bob.EncryptionPublicKey(), []byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := bob.Decrypt(mallory.EncryptionPublicKey(), ciphertext); err == nil {
		t.Fatalf("expected decryption to fail against the wrong sender key")
	}
}
