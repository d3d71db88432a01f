// Package keystore implements spec.md §4.1: passphrase-derived symmetric
// encryption of raw private keys, on-disk persistence of the encrypted
// blob, and an in-memory unlocked-key table. Plaintext key material never
// touches disk.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Envelope versions. v1 is the legacy, single-unsalted-digest scheme
// spec.md §4.1 describes literally; v2 is the memory-hard replacement
// spec.md §9 invites, versioned so legacy entries stay decryptable.
const (
	versionLegacy  = 1
	versionArgon2  = 2
	aesKeySize     = 32
	legacyIVSize   = 16
	argon2SaltSize = 16
)

// Entry is the on-disk encrypted form of one logical key, stored in the
// config document's key entries map.
type Entry struct {
	Version int    `json:"v"`
	IV      string `json:"iv,omitempty"`   // v1 only
	Salt    string `json:"salt,omitempty"` // v2 only
	Nonce   string `json:"nonce,omitempty"` // v2 only
	Data    string `json:"data"`
}

// Encrypt symmetrically encrypts plaintext under passphrase. New entries
// always use the current envelope (v2: argon2id + XChaCha20-Poly1305).
func Encrypt(plaintext []byte, passphrase string) (Entry, error) {
	salt := make([]byte, argon2SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return Entry{}, fmt.Errorf("keystore: generating salt: %w", err)
	}
	key := argon2.IDKey([]byte(passphrase), salt, 2, 64*1024, 1, chacha20poly1305.KeySize)
	defer zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return Entry{}, fmt.Errorf("keystore: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return Entry{}, fmt.Errorf("keystore: generating nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	return Entry{
		Version: versionArgon2,
		Salt:    hex.EncodeToString(salt),
		Nonce:   hex.EncodeToString(nonce),
		Data:    hex.EncodeToString(ciphertext),
	}, nil
}

// Decrypt inverts Encrypt for either envelope version. It fails with
// ErrBadPassphraseOrCorrupt on any padding/authentication error, per
// spec.md §4.1.
func Decrypt(entry Entry, passphrase string) ([]byte, error) {
	switch entry.Version {
	case versionLegacy:
		return decryptLegacy(entry, passphrase)
	case versionArgon2:
		return decryptArgon2(entry, passphrase)
	default:
		return nil, ErrBadPassphraseOrCorrupt
	}
}

// EncryptLegacy reproduces the exact v1 scheme spec.md §4.1 specifies:
// a single SHA-256 digest of the passphrase as a 256-bit AES key, a fresh
// random 128-bit IV, AES-256-CBC, hex-encoded {iv, data}. It exists so
// tests (and any migration tooling) can construct legacy entries; normal
// writes always go through Encrypt.
func EncryptLegacy(plaintext []byte, passphrase string) (Entry, error) {
	key := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(key[:aesKeySize])
	if err != nil {
		return Entry{}, fmt.Errorf("keystore: %w", err)
	}
	iv := make([]byte, legacyIVSize)
	if _, err := rand.Read(iv); err != nil {
		return Entry{}, fmt.Errorf("keystore: generating iv: %w", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return Entry{
		Version: versionLegacy,
		IV:      hex.EncodeToString(iv),
		Data:    hex.EncodeToString(ciphertext),
	}, nil
}

func decryptLegacy(entry Entry, passphrase string) ([]byte, error) {
	iv, err := hex.DecodeString(entry.IV)
	if err != nil || len(iv) != legacyIVSize {
		return nil, ErrBadPassphraseOrCorrupt
	}
	data, err := hex.DecodeString(entry.Data)
	if err != nil || len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, ErrBadPassphraseOrCorrupt
	}
	key := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(key[:aesKeySize])
	if err != nil {
		return nil, ErrBadPassphraseOrCorrupt
	}
	plaintextPadded := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintextPadded, data)

	plaintext, err := pkcs7Unpad(plaintextPadded, aes.BlockSize)
	if err != nil {
		return nil, ErrBadPassphraseOrCorrupt
	}
	return plaintext, nil
}

func decryptArgon2(entry Entry, passphrase string) ([]byte, error) {
	salt, err := hex.DecodeString(entry.Salt)
	if err != nil {
		return nil, ErrBadPassphraseOrCorrupt
	}
	nonce, err := hex.DecodeString(entry.Nonce)
	if err != nil {
		return nil, ErrBadPassphraseOrCorrupt
	}
	ciphertext, err := hex.DecodeString(entry.Data)
	if err != nil {
		return nil, ErrBadPassphraseOrCorrupt
	}
	key := argon2.IDKey([]byte(passphrase), salt, 2, 64*1024, 1, chacha20poly1305.KeySize)
	defer zero(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, ErrBadPassphraseOrCorrupt
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrBadPassphraseOrCorrupt
	}
	return plaintext, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("keystore: invalid padded length")
	}
	padLen := int(data[len(data)-1])
	if padLen <= 0 || padLen > blockSize || padLen > len(data) {
		return nil, fmt.Errorf("keystore: invalid padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("keystore: invalid padding")
		}
	}
	return data[:len(data)-padLen], nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// MarshalEntry/UnmarshalEntry let callers persist an Entry inside the
// config document's JSON without importing keystore's internal layout
// knowledge.
func MarshalEntry(e Entry) ([]byte, error) { return json.Marshal(e) }
func UnmarshalEntry(raw []byte) (Entry, error) {
	var e Entry
	err := json.Unmarshal(raw, &e)
	return e, err
}
