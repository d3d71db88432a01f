package eventproto

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfoSigning    = "bunker/eventproto/signing/v1"
	hkdfInfoEncryption = "bunker/eventproto/encryption/v1"
)

// Ed25519Signer is the default Signer adapter: an Ed25519 signing key and
// an X25519 encryption key, both derived from a single seed the Key Store
// hands it after unlock. Derivation follows the same HKDF-expand-by-info
// shape the teacher uses to split one identity seed into independent
// signing and encryption sub-keys.
type Ed25519Signer struct {
	signingKey    ed25519.PrivateKey
	encryptionKey *ecdh.PrivateKey
}

// NewEd25519Signer derives a signer from raw unlocked key material. seed
// must be non-empty; any length is accepted and stretched via HKDF.
func NewEd25519Signer(seed []byte) (*Ed25519Signer, error) {
	if len(seed) == 0 {
		return nil, fmt.Errorf("eventproto: empty seed")
	}
	signingSeed, err := hkdfExpand(seed, hkdfInfoSigning, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	encSeed, err := hkdfExpand(seed, hkdfInfoEncryption, 32)
	if err != nil {
		return nil, err
	}
	encKey, err := ecdh.X25519().NewPrivateKey(encSeed)
	if err != nil {
		return nil, fmt.Errorf("eventproto: deriving encryption key: %w", err)
	}
	return &Ed25519Signer{
		signingKey:    ed25519.NewKeyFromSeed(signingSeed),
		encryptionKey: encKey,
	}, nil
}

func (s *Ed25519Signer) PublicKey() string {
	return hex.EncodeToString(s.signingKey.Public().(ed25519.PublicKey))
}

func (s *Ed25519Signer) Sign(event Event) (SignedEvent, error) {
	canonical, err := json.Marshal(event)
	if err != nil {
		return SignedEvent{}, fmt.Errorf("eventproto: marshal event: %w", err)
	}
	id := sha256.Sum256(canonical)
	sig := ed25519.Sign(s.signingKey, id[:])
	return SignedEvent{
		Event:  event,
		ID:     hex.EncodeToString(id[:]),
		PubKey: s.PublicKey(),
		Sig:    hex.EncodeToString(sig),
	}, nil
}

// Encrypt performs one-shot ECDH + HKDF + XChaCha20-Poly1305 encryption
// to recipientPub. recipientPub is the recipient's hex-encoded X25519
// public key, as returned by its EncryptionPublicKey; it is not the
// Ed25519 key PublicKey returns, and no conversion between the two is
// made.
func (s *Ed25519Signer) Encrypt(recipientPub string, plaintext []byte) ([]byte, error) {
	remote, err := decodeX25519PublicKey(recipientPub)
	if err != nil {
		return nil, err
	}
	shared, err := s.encryptionKey.ECDH(remote)
	if err != nil {
		return nil, fmt.Errorf("eventproto: ecdh: %w", err)
	}
	key, err := hkdfExpand(shared, hkdfInfoEncryption, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ciphertext := aead.Seal(nonce, nonce, plaintext, nil)
	return ciphertext, nil
}

func (s *Ed25519Signer) Decrypt(senderPub string, ciphertext []byte) ([]byte, error) {
	remote, err := decodeX25519PublicKey(senderPub)
	if err != nil {
		return nil, err
	}
	shared, err := s.encryptionKey.ECDH(remote)
	if err != nil {
		return nil, fmt.Errorf("eventproto: ecdh: %w", err)
	}
	key, err := hkdfExpand(shared, hkdfInfoEncryption, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("eventproto: ciphertext too short")
	}
	nonce, sealed := ciphertext[:chacha20poly1305.NonceSizeX], ciphertext[chacha20poly1305.NonceSizeX:]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("eventproto: decryption failed")
	}
	return plaintext, nil
}

// EncryptionPublicKey returns the hex-encoded X25519 public key remote
// peers use as the recipientPub/senderPub argument to Encrypt/Decrypt.
func (s *Ed25519Signer) EncryptionPublicKey() string {
	return hex.EncodeToString(s.encryptionKey.PublicKey().Bytes())
}

func decodeX25519PublicKey(hexEncoded string) (*ecdh.PublicKey, error) {
	raw, err := hex.DecodeString(hexEncoded)
	if err != nil {
		return nil, fmt.Errorf("eventproto: invalid public key encoding: %w", err)
	}
	pub, err := ecdh.X25519().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("eventproto: invalid public key: %w", err)
	}
	return pub, nil
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}
