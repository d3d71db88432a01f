package aclstore

import (
	"database/sql"
	"fmt"
)

// GetKeyUsers lists every KeyUser bound to keyName, for the admin
// get_key_users command.
func (s *Store) GetKeyUsers(keyName string) ([]KeyUser, error) {
	rows, err := s.db.Query(
		`SELECT id, key_name, remote_pubkey, description, revoked_at, created_at FROM key_users WHERE key_name = ? ORDER BY created_at`,
		keyName,
	)
	if err != nil {
		return nil, fmt.Errorf("aclstore: querying key users: %w", err)
	}
	defer rows.Close()

	var out []KeyUser
	for rows.Next() {
		var ku KeyUser
		var revokedAt sql.NullTime
		if err := rows.Scan(&ku.ID, &ku.KeyName, &ku.RemotePubkey, &ku.Description, &revokedAt, &ku.CreatedAt); err != nil {
			return nil, fmt.Errorf("aclstore: scanning key user: %w", err)
		}
		if revokedAt.Valid {
			ku.RevokedAt = &revokedAt.Time
		}
		out = append(out, ku)
	}
	return out, rows.Err()
}

// GetKeyTokens lists every token issued for keyName, for the admin
// get_key_tokens command.
func (s *Store) GetKeyTokens(keyName string) ([]Token, error) {
	rows, err := s.db.Query(
		`SELECT token, key_name, client_name, policy_id, created_by, created_at, expires_at, redeemed_at, redeemed_by_key_user_id
		 FROM tokens WHERE key_name = ? ORDER BY created_at`,
		keyName,
	)
	if err != nil {
		return nil, fmt.Errorf("aclstore: querying tokens: %w", err)
	}
	defer rows.Close()

	var out []Token
	for rows.Next() {
		var tok Token
		var expiresAt, redeemedAt sql.NullTime
		var redeemedBy sql.NullString
		if err := rows.Scan(&tok.Token, &tok.KeyName, &tok.ClientName, &tok.PolicyID, &tok.CreatedBy, &tok.CreatedAt, &expiresAt, &redeemedAt, &redeemedBy); err != nil {
			return nil, fmt.Errorf("aclstore: scanning token: %w", err)
		}
		if expiresAt.Valid {
			tok.ExpiresAt = &expiresAt.Time
		}
		if redeemedAt.Valid {
			tok.RedeemedAt = &redeemedAt.Time
		}
		if redeemedBy.Valid {
			tok.RedeemedByKeyUserID = &redeemedBy.String
		}
		out = append(out, tok)
	}
	return out, rows.Err()
}

// GetPolicies lists every policy and its rules, for the admin
// get_policies command.
func (s *Store) GetPolicies() ([]Policy, error) {
	rows, err := s.db.Query(`SELECT id, name, expires_at FROM policies ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("aclstore: querying policies: %w", err)
	}
	defer rows.Close()

	var policies []Policy
	for rows.Next() {
		var p Policy
		var expiresAt sql.NullTime
		if err := rows.Scan(&p.ID, &p.Name, &expiresAt); err != nil {
			return nil, fmt.Errorf("aclstore: scanning policy: %w", err)
		}
		if expiresAt.Valid {
			p.ExpiresAt = &expiresAt.Time
		}
		policies = append(policies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range policies {
		tx, err := s.db.Begin()
		if err != nil {
			return nil, fmt.Errorf("aclstore: begin load rules tx: %w", err)
		}
		rules, err := loadPolicyRules(tx, policies[i].ID)
		tx.Rollback()
		if err != nil {
			return nil, fmt.Errorf("aclstore: loading policy rules: %w", err)
		}
		policies[i].Rules = rules
	}
	return policies, nil
}

// FindKeyUserByID loads a single KeyUser, for rename_key_user and
// revoke_user admin commands that address KeyUser rows by id.
func (s *Store) FindKeyUserByID(id string) (KeyUser, error) {
	var ku KeyUser
	var revokedAt sql.NullTime
	err := s.db.QueryRow(
		`SELECT id, key_name, remote_pubkey, description, revoked_at, created_at FROM key_users WHERE id = ?`, id,
	).Scan(&ku.ID, &ku.KeyName, &ku.RemotePubkey, &ku.Description, &revokedAt, &ku.CreatedAt)
	if err != nil {
		return KeyUser{}, err
	}
	if revokedAt.Valid {
		ku.RevokedAt = &revokedAt.Time
	}
	return ku, nil
}
