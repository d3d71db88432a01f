// Package configstore implements spec.md §4.2: the durable configuration
// document, read/written file-atomically with a monotonically increasing
// schema-version field, grounded on the atomic temp-file-then-rename
// pattern used by securestore's WriteEncryptedJSON in the teacher.
package configstore

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ardents-control-plane/signing-bunker/internal/keystore"
)

const currentSchemaVersion = 1

// DomainRecord configures account creation for one served domain: where
// its identity file lives, its default profile, and its wallet backend.
type DomainRecord struct {
	Domain            string `json:"domain"`
	IdentityFilePath  string `json:"identity_file_path"`
	DefaultProfileURL string `json:"default_profile_url,omitempty"`
	WalletBackendURL  string `json:"wallet_backend_url,omitempty"`
}

// Document is the full persisted configuration, spec.md §3 "Config
// document" and §6 "Persisted layout".
type Document struct {
	SchemaVersion    int                       `json:"schema_version"`
	AdminPubkeys     []string                  `json:"admin_pubkeys"`
	AdminPrivateKey  string                    `json:"admin_private_key_hex"`
	AdminRelays      []string                  `json:"admin_relays"`
	UserRelays       []string                  `json:"user_relays"`
	NotifyAdminsBoot bool                      `json:"notify_admins_on_boot"`
	AllowNewKeys     bool                      `json:"allow_new_keys"`
	PublicBaseURL    string                    `json:"public_base_url,omitempty"`
	Keys             map[string]keystore.Entry `json:"keys"`
	Domains          []DomainRecord            `json:"domains,omitempty"`
}

// Get reads and parses path. If the file is absent, a default document
// (containing a freshly generated bunker admin key) is written and
// returned, matching spec.md §4.2.
func Get(path string) (Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			doc, genErr := defaultDocument()
			if genErr != nil {
				return Document{}, genErr
			}
			if putErr := Put(path, doc); putErr != nil {
				return Document{}, putErr
			}
			return doc, nil
		}
		return Document{}, fmt.Errorf("configstore: reading %s: %w", path, err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("configstore: parsing %s: %w", path, err)
	}
	if doc.Keys == nil {
		doc.Keys = map[string]keystore.Entry{}
	}
	return doc, nil
}

// Put writes doc to path atomically (temp file + rename), stamping a
// monotonically increasing schema version on every write. Put itself
// does not exit on write failure: it returns the error, and the caller
// decides whether to terminate the process.
func Put(path string, doc Document) error {
	doc.SchemaVersion = currentSchemaVersion
	if doc.Keys == nil {
		doc.Keys = map[string]keystore.Entry{}
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("configstore: marshaling document: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("configstore: creating directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("configstore: writing temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("configstore: renaming temp file: %w", err)
	}
	return nil
}

func defaultDocument() (Document, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Document{}, fmt.Errorf("configstore: generating admin key: %w", err)
	}
	return Document{
		SchemaVersion:   currentSchemaVersion,
		AdminPrivateKey: fmt.Sprintf("%x", priv.Seed()),
		AdminRelays:     []string{},
		UserRelays:      []string{},
		Keys:            map[string]keystore.Entry{},
	}, nil
}
