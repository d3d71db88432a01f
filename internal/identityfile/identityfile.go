// Package identityfile is the external-collaborator identity-file writer
// spec.md §6 specifies exactly: a per-domain JSON document mapping
// usernames to pubkeys, written atomically on every account creation.
// Grounded on configstore's temp-file-then-rename write idiom.
package identityfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Document is the exact shape spec.md §6 gives: "{names:
// {user→pubkey}, relays: {}, nip46: {pubkey → [relay,…]}}".
type Document struct {
	Names  map[string]string   `json:"names"`
	Relays map[string]string   `json:"relays"`
	Nip46  map[string][]string `json:"nip46"`
}

// Load reads path, returning an empty Document if it does not yet exist.
func Load(path string) (Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return emptyDocument(), nil
		}
		return Document{}, fmt.Errorf("identityfile: reading %s: %w", path, err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("identityfile: parsing %s: %w", path, err)
	}
	if doc.Names == nil {
		doc.Names = map[string]string{}
	}
	if doc.Relays == nil {
		doc.Relays = map[string]string{}
	}
	if doc.Nip46 == nil {
		doc.Nip46 = map[string][]string{}
	}
	return doc, nil
}

func emptyDocument() Document {
	return Document{Names: map[string]string{}, Relays: map[string]string{}, Nip46: map[string][]string{}}
}

// Save writes doc to path atomically (temp file + rename).
func Save(path string, doc Document) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("identityfile: marshaling %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("identityfile: creating directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("identityfile: writing temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("identityfile: renaming temp file: %w", err)
	}
	return nil
}

// AddAccount appends username→pubkey to path's identity file, along with
// a nip46 relay hint list, and persists the result. It is the operation
// spec.md §4.6's create_account handler calls after the new key has been
// persisted and before the caller is granted rights on it.
func AddAccount(path, username, pubkey string, relays []string) error {
	doc, err := Load(path)
	if err != nil {
		return err
	}
	doc.Names[username] = pubkey
	doc.Nip46[pubkey] = relays
	return Save(path, doc)
}
