package aclstore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Grant upserts the KeyUser, then inserts a SigningCondition with
// allowed=true and the mapped scope, per spec.md §4.3.
func (s *Store) Grant(keyName, remotePubkey, method, description, scope string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("aclstore: begin grant tx: %w", err)
	}
	defer tx.Rollback()

	keyUserID, err := upsertKeyUser(tx, keyName, remotePubkey, description)
	if err != nil {
		return fmt.Errorf("aclstore: upserting key user: %w", err)
	}
	if err := upsertCondition(tx, keyUserID, method, scope, true, nil); err != nil {
		return fmt.Errorf("aclstore: inserting signing condition: %w", err)
	}
	return tx.Commit()
}

// Deny upserts the KeyUser, then inserts a hard SigningCondition
// (method='*', allowed=false), per spec.md §4.3.
func (s *Store) Deny(keyName, remotePubkey string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("aclstore: begin deny tx: %w", err)
	}
	defer tx.Rollback()

	keyUserID, err := upsertKeyUser(tx, keyName, remotePubkey, "")
	if err != nil {
		return fmt.Errorf("aclstore: upserting key user: %w", err)
	}
	if err := upsertCondition(tx, keyUserID, MethodWildcard, "", false, nil); err != nil {
		return fmt.Errorf("aclstore: inserting signing condition: %w", err)
	}
	return tx.Commit()
}

// RevokeUser soft-revokes a KeyUser by id. Existing sessions are not torn
// down, per spec.md §9 "Revocation semantics" — only future Lookup calls
// observe the revocation.
func (s *Store) RevokeUser(keyUserID string) error {
	res, err := s.db.Exec(`UPDATE key_users SET revoked_at = ? WHERE id = ?`, time.Now().UTC(), keyUserID)
	if err != nil {
		return fmt.Errorf("aclstore: revoking key user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// RenameKeyUser updates a KeyUser's human description.
func (s *Store) RenameKeyUser(keyUserID, description string) error {
	res, err := s.db.Exec(`UPDATE key_users SET description = ? WHERE id = ?`, description, keyUserID)
	if err != nil {
		return fmt.Errorf("aclstore: renaming key user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func upsertKeyUser(tx *sql.Tx, keyName, remotePubkey, description string) (string, error) {
	var id string
	err := tx.QueryRow(`SELECT id FROM key_users WHERE key_name = ? AND remote_pubkey = ?`, keyName, remotePubkey).Scan(&id)
	if err == nil {
		if description != "" {
			if _, err := tx.Exec(`UPDATE key_users SET description = ? WHERE id = ?`, description, id); err != nil {
				return "", err
			}
		}
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", err
	}

	id = uuid.NewString()
	_, err = tx.Exec(
		`INSERT INTO key_users (id, key_name, remote_pubkey, description, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, keyName, remotePubkey, description, time.Now().UTC(),
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

func upsertCondition(tx *sql.Tx, keyUserID, method, scope string, allowed bool, maxUsage *int) error {
	var maxUsageArg any
	if maxUsage != nil {
		maxUsageArg = *maxUsage
	}
	_, err := tx.Exec(
		`INSERT INTO signing_conditions (id, key_user_id, method, scope, allowed, max_usage_count, current_usage_count)
		 VALUES (?, ?, ?, ?, ?, ?, 0)
		 ON CONFLICT (key_user_id, method, scope) DO UPDATE SET allowed = excluded.allowed, max_usage_count = excluded.max_usage_count`,
		uuid.NewString(), keyUserID, method, scope, allowed, maxUsageArg,
	)
	return err
}
