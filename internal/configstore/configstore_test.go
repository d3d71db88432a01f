package configstore

import (
	"path/filepath"
	"testing"

	"github.com/ardents-control-plane/signing-bunker/internal/testutil/fsperm"
)

func TestGetWritesDefaultDocumentWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nsecbunker.json")

	doc, err := Get(path)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if doc.AdminPrivateKey == "" {
		t.Fatalf("expected a freshly generated admin key")
	}
	if doc.SchemaVersion != currentSchemaVersion {
		t.Fatalf("expected schema version %d, got %d", currentSchemaVersion, doc.SchemaVersion)
	}

	reloaded, err := Get(path)
	if err != nil {
		t.Fatalf("Get (reload): %v", err)
	}
	if reloaded.AdminPrivateKey != doc.AdminPrivateKey {
		t.Fatalf("expected the persisted admin key to be stable across reads")
	}
}

func TestPutIsAtomicAndStampsSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nsecbunker.json")

	doc := Document{AdminPubkeys: []string{"deadbeef"}}
	if err := Put(path, doc); err != nil {
		t.Fatalf("Put: %v", err)
	}

	reloaded, err := Get(path)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if reloaded.SchemaVersion != currentSchemaVersion {
		t.Fatalf("expected stamped schema version")
	}
	if len(reloaded.AdminPubkeys) != 1 || reloaded.AdminPubkeys[0] != "deadbeef" {
		t.Fatalf("expected admin pubkeys to round-trip")
	}
}

func TestPutCreatesAPrivateDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "nsecbunker.json")

	if err := Put(path, Document{AdminPubkeys: []string{"deadbeef"}}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	fsperm.AssertPrivateDirPerm(t, filepath.Dir(path))
}

func TestGetReparsesOnEveryCall(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nsecbunker.json")

	if err := Put(path, Document{NotifyAdminsBoot: false}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := Put(path, Document{NotifyAdminsBoot: true}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	doc, err := Get(path)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !doc.NotifyAdminsBoot {
		t.Fatalf("expected Get to observe the latest write, not a cached value")
	}
}
