// Package aclstore is the relational store backing spec.md §4.3: KeyUser
// and SigningCondition rows queried on every user RPC, plus Policy,
// PolicyRule and Token rows for token-based ACL provisioning. Backed by
// SQLite through database/sql and github.com/mattn/go-sqlite3, schema
// applied via github.com/golang-migrate/migrate/v4 embedded migrations.
package aclstore

import "time"

// Decision is the three-valued outcome of Lookup, spec.md §4.3.
type Decision int

const (
	Unknown Decision = iota
	Allow
	Deny
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return "unknown"
	}
}

// Method constants spec.md §3 enumerates for SigningCondition.Method.
const (
	MethodConnect       = "connect"
	MethodSignEvent     = "sign_event"
	MethodEncrypt       = "encrypt"
	MethodDecrypt       = "decrypt"
	MethodPing          = "ping"
	MethodCreateAccount = "create_account"
	MethodWildcard       = "*"

	// ScopeAll is the literal spec.md §3 uses for a sign_event condition
	// that matches every event kind.
	ScopeAll = "all"
)

// KeyUser is the binding of a remote caller pubkey to a logical key name,
// spec.md §3.
type KeyUser struct {
	ID           string
	KeyName      string
	RemotePubkey string
	Description  string
	RevokedAt    *time.Time
	CreatedAt    time.Time
}

// SigningCondition states whether method(+scope) is permitted for a
// KeyUser, spec.md §3.
type SigningCondition struct {
	ID                 string
	KeyUserID          string
	Method             string
	Scope              string
	Allowed            bool
	MaxUsageCount      *int
	CurrentUsageCount  int
}

// Policy is a named, optionally-expiring bundle of rules, spec.md §3.
type Policy struct {
	ID        string
	Name      string
	ExpiresAt *time.Time
	Rules     []PolicyRule
}

// PolicyRule is one rule inside a Policy, materialized into a
// SigningCondition on token redemption.
type PolicyRule struct {
	ID            string
	PolicyID      string
	Method        string
	Kind          string // empty unless Method == sign_event
	MaxUsageCount *int
}

// Token is the one-shot credential spec.md §3 describes.
type Token struct {
	Token               string
	KeyName             string
	ClientName          string
	PolicyID            string
	CreatedBy           string
	CreatedAt           time.Time
	ExpiresAt           *time.Time
	RedeemedAt          *time.Time
	RedeemedByKeyUserID *string
}
