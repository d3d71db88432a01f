// Package bunkerid builds the bunker:// connection string described in
// spec.md §6.
package bunkerid

import (
	"fmt"
	"net/url"
	"strings"
)

// ConnectionString builds "bunker://<adminPubkey>@<relay1,relay2,...>" per
// spec.md §6: relay URLs are url-encoded and stripped of their wss://
// prefix before being joined with commas.
func ConnectionString(adminPubkey string, relays []string) string {
	encoded := make([]string, 0, len(relays))
	for _, relay := range relays {
		relay = strings.TrimPrefix(relay, "wss://")
		encoded = append(encoded, url.QueryEscape(relay))
	}
	return fmt.Sprintf("bunker://%s@%s", adminPubkey, strings.Join(encoded, ","))
}

// ParseConnectionString inverts ConnectionString, for admin tooling and
// tests that need to round-trip what start prints.
func ParseConnectionString(conn string) (adminPubkey string, relays []string, err error) {
	const prefix = "bunker://"
	if !strings.HasPrefix(conn, prefix) {
		return "", nil, fmt.Errorf("bunkerid: not a bunker:// connection string")
	}
	rest := conn[len(prefix):]
	at := strings.IndexByte(rest, '@')
	if at < 0 {
		return "", nil, fmt.Errorf("bunkerid: missing '@' in connection string")
	}
	adminPubkey = rest[:at]
	relaysPart := rest[at+1:]
	if relaysPart == "" {
		return adminPubkey, nil, nil
	}
	for _, enc := range strings.Split(relaysPart, ",") {
		relay, err := url.QueryUnescape(enc)
		if err != nil {
			return "", nil, fmt.Errorf("bunkerid: decoding relay: %w", err)
		}
		if !strings.Contains(relay, "://") {
			relay = "wss://" + relay
		}
		relays = append(relays, relay)
	}
	return adminPubkey, relays, nil
}
