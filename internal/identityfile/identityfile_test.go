package identityfile

import (
	"path/filepath"
	"testing"
)

func TestAddAccountCreatesAndAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identities.json")

	if err := AddAccount(path, "alice", "pub-alice", []string{"wss://relay.example"}); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}
	if err := AddAccount(path, "bob", "pub-bob", []string{"wss://relay.example"}); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}

	doc, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.Names["alice"] != "pub-alice" || doc.Names["bob"] != "pub-bob" {
		t.Fatalf("unexpected names: %+v", doc.Names)
	}
	if len(doc.Nip46["pub-alice"]) != 1 {
		t.Fatalf("unexpected nip46 hints: %+v", doc.Nip46)
	}
}

func TestLoadMissingFileReturnsEmptyDocument(t *testing.T) {
	doc, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.Names == nil || len(doc.Names) != 0 {
		t.Fatalf("expected empty-but-initialized document, got %+v", doc)
	}
}
