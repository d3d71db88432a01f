package bunkerid

import (
	"reflect"
	"testing"
)

func TestConnectionStringRoundTrip(t *testing.T) {
	conn := ConnectionString("abc123", []string{"wss://relay.one", "wss://relay.two:8080/path"})

	admin, relays, err := ParseConnectionString(conn)
	if err != nil {
		t.Fatalf("ParseConnectionString: %v", err)
	}
	if admin != "abc123" {
		t.Fatalf("expected admin abc123, got %s", admin)
	}
	want := []string{"wss://relay.one", "wss://relay.two:8080/path"}
	if !reflect.DeepEqual(relays, want) {
		t.Fatalf("expected %v, got %v", want, relays)
	}
}

func TestConnectionStringStripsWssPrefix(t *testing.T) {
	conn := ConnectionString("pub", []string{"wss://relay.example"})
	if conn != "bunker://pub@relay.example" {
		t.Fatalf("unexpected connection string: %s", conn)
	}
}

func TestParseConnectionStringRejectsMalformed(t *testing.T) {
	if _, _, err := ParseConnectionString("not-a-bunker-uri"); err == nil {
		t.Fatalf("expected error for malformed connection string")
	}
}
