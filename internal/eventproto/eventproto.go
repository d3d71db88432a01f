// Package eventproto names the protocol-specific event encoding and
// signature primitives spec.md §1 treats as an out-of-scope external
// collaborator, then supplies a concrete default adapter so the module
// runs end to end.
package eventproto

import "time"

// Event is the unsigned event payload a sign_event RPC carries.
type Event struct {
	Kind      int        `json:"kind"`
	CreatedAt time.Time  `json:"created_at"`
	Content   string     `json:"content"`
	Tags      [][]string `json:"tags"`
}

// SignedEvent is an Event plus its computed id, signer pubkey and
// signature.
type SignedEvent struct {
	Event
	ID     string `json:"id"`
	PubKey string `json:"pubkey"`
	Sig    string `json:"sig"`
}

// Signer is the contract the Key Store's unlocked material is handed to.
// It is the only thing the rest of the module knows about the wire
// protocol's actual curve and signature scheme.
type Signer interface {
	PublicKey() string
	Sign(event Event) (SignedEvent, error)
	Encrypt(recipientPub string, plaintext []byte) ([]byte, error)
	Decrypt(senderPub string, ciphertext []byte) ([]byte, error)
}
