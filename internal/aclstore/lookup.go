package aclstore

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// errUsageExhausted is returned internally when a counted rule's budget
// is spent; Lookup translates it into Deny rather than surfacing it.
var errUsageExhausted = errors.New("aclstore: usage count exhausted")

// Lookup implements spec.md §4.3's lookup algorithm: resolve the KeyUser,
// check for a hard wildcard deny, then match a method/scope-specific
// condition. eventKind is only consulted for method == sign_event.
//
// Counted-rule enforcement (spec.md §9 "Counted policy rules", resolved
// in SPEC_FULL.md): a matching allow row with a MaxUsageCount set (a
// budget of 0 denies at once) has its CurrentUsageCount incremented
// transactionally, and Lookup
// returns Deny once the budget is exhausted instead of leaving the field
// purely advisory.
func (s *Store) Lookup(keyName, remotePubkey, method string, eventKind *int) (Decision, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return Unknown, fmt.Errorf("aclstore: begin lookup tx: %w", err)
	}
	defer tx.Rollback()

	keyUserID, revoked, err := findKeyUser(tx, keyName, remotePubkey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Unknown, nil
		}
		return Unknown, fmt.Errorf("aclstore: finding key user: %w", err)
	}

	hardDeny, err := hasWildcardDeny(tx, keyUserID)
	if err != nil {
		return Unknown, fmt.Errorf("aclstore: checking wildcard deny: %w", err)
	}
	if hardDeny {
		return Deny, nil
	}

	cond, found, err := matchCondition(tx, keyUserID, method, eventKind)
	if err != nil {
		return Unknown, fmt.Errorf("aclstore: matching condition: %w", err)
	}
	if !found {
		return Unknown, nil
	}
	if revoked {
		return Deny, nil
	}
	if !cond.Allowed {
		return Deny, nil
	}

	if cond.MaxUsageCount != nil {
		if err := consumeUsage(tx, cond); err != nil {
			if errors.Is(err, errUsageExhausted) {
				return Deny, nil
			}
			return Unknown, fmt.Errorf("aclstore: consuming usage: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Unknown, fmt.Errorf("aclstore: commit lookup tx: %w", err)
	}
	return Allow, nil
}

func findKeyUser(tx *sql.Tx, keyName, remotePubkey string) (id string, revoked bool, err error) {
	var revokedAt sql.NullTime
	err = tx.QueryRow(
		`SELECT id, revoked_at FROM key_users WHERE key_name = ? AND remote_pubkey = ?`,
		keyName, remotePubkey,
	).Scan(&id, &revokedAt)
	if err != nil {
		return "", false, err
	}
	return id, revokedAt.Valid, nil
}

func hasWildcardDeny(tx *sql.Tx, keyUserID string) (bool, error) {
	var count int
	err := tx.QueryRow(
		`SELECT COUNT(*) FROM signing_conditions WHERE key_user_id = ? AND method = ? AND allowed = 0`,
		keyUserID, MethodWildcard,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func matchCondition(tx *sql.Tx, keyUserID, method string, eventKind *int) (SigningCondition, bool, error) {
	var scopes []string
	if method == MethodSignEvent {
		if eventKind != nil {
			scopes = append(scopes, strconv.Itoa(*eventKind))
		}
		scopes = append(scopes, ScopeAll)
	} else {
		scopes = append(scopes, "")
	}

	for _, scope := range scopes {
		var c SigningCondition
		var maxUsage sql.NullInt64
		err := tx.QueryRow(
			`SELECT id, key_user_id, method, scope, allowed, max_usage_count, current_usage_count
			 FROM signing_conditions WHERE key_user_id = ? AND method = ? AND scope = ?`,
			keyUserID, method, scope,
		).Scan(&c.ID, &c.KeyUserID, &c.Method, &c.Scope, &c.Allowed, &maxUsage, &c.CurrentUsageCount)
		if err == nil {
			if maxUsage.Valid {
				v := int(maxUsage.Int64)
				c.MaxUsageCount = &v
			}
			return c, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return SigningCondition{}, false, err
		}
	}
	return SigningCondition{}, false, nil
}

func consumeUsage(tx *sql.Tx, cond SigningCondition) error {
	if cond.CurrentUsageCount >= *cond.MaxUsageCount {
		return errUsageExhausted
	}
	_, err := tx.Exec(
		`UPDATE signing_conditions SET current_usage_count = current_usage_count + 1 WHERE id = ?`,
		cond.ID,
	)
	return err
}
