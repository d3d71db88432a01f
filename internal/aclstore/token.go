package aclstore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTokenNotFound    = errors.New("aclstore: token not found")
	ErrTokenRedeemed    = errors.New("aclstore: token already redeemed")
	ErrTokenExpired     = errors.New("aclstore: token expired")
	ErrPolicyNotFound   = errors.New("aclstore: policy not found")
)

// CreatePolicy inserts a named policy and its rules.
func (s *Store) CreatePolicy(name string, expiresAt *time.Time, rules []PolicyRule) (Policy, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return Policy{}, fmt.Errorf("aclstore: begin create policy tx: %w", err)
	}
	defer tx.Rollback()

	policy := Policy{ID: uuid.NewString(), Name: name, ExpiresAt: expiresAt}
	if _, err := tx.Exec(`INSERT INTO policies (id, name, expires_at) VALUES (?, ?, ?)`, policy.ID, name, expiresAt); err != nil {
		return Policy{}, fmt.Errorf("aclstore: inserting policy: %w", err)
	}
	for _, rule := range rules {
		rule.ID = uuid.NewString()
		rule.PolicyID = policy.ID
		var maxUsage any
		if rule.MaxUsageCount != nil {
			maxUsage = *rule.MaxUsageCount
		}
		var kind any
		if rule.Kind != "" {
			kind = rule.Kind
		}
		if _, err := tx.Exec(
			`INSERT INTO policy_rules (id, policy_id, method, kind, max_usage_count) VALUES (?, ?, ?, ?, ?)`,
			rule.ID, rule.PolicyID, rule.Method, kind, maxUsage,
		); err != nil {
			return Policy{}, fmt.Errorf("aclstore: inserting policy rule: %w", err)
		}
		policy.Rules = append(policy.Rules, rule)
	}
	if err := tx.Commit(); err != nil {
		return Policy{}, fmt.Errorf("aclstore: commit create policy tx: %w", err)
	}
	return policy, nil
}

// CreateToken issues a one-shot token bound to keyName/policyID.
func (s *Store) CreateToken(keyName, clientName, policyID, createdBy string, expiresAt *time.Time) (Token, error) {
	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM policies WHERE id = ?`, policyID).Scan(&exists); err != nil {
		return Token{}, fmt.Errorf("aclstore: checking policy existence: %w", err)
	}
	if exists == 0 {
		return Token{}, ErrPolicyNotFound
	}

	tok := Token{
		Token:      uuid.NewString(),
		KeyName:    keyName,
		ClientName: clientName,
		PolicyID:   policyID,
		CreatedBy:  createdBy,
		CreatedAt:  time.Now().UTC(),
		ExpiresAt:  expiresAt,
	}
	_, err := s.db.Exec(
		`INSERT INTO tokens (token, key_name, client_name, policy_id, created_by, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tok.Token, tok.KeyName, tok.ClientName, tok.PolicyID, tok.CreatedBy, tok.CreatedAt, tok.ExpiresAt,
	)
	if err != nil {
		return Token{}, fmt.Errorf("aclstore: inserting token: %w", err)
	}
	return tok, nil
}

// ApplyToken implements spec.md §4.3's applyToken: validate, upsert the
// KeyUser, grant a baseline connect allow, materialize every policy rule
// into a SigningCondition, then mark the token redeemed and attach it to
// the KeyUser. All of this happens in one transaction — either every row
// lands or none does.
func (s *Store) ApplyToken(userPubkey, token string) (KeyUser, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return KeyUser{}, fmt.Errorf("aclstore: begin apply token tx: %w", err)
	}
	defer tx.Rollback()

	var (
		keyName   string
		policyID  string
		expiresAt sql.NullTime
		redeemed  sql.NullTime
	)
	err = tx.QueryRow(
		`SELECT key_name, policy_id, expires_at, redeemed_at FROM tokens WHERE token = ?`, token,
	).Scan(&keyName, &policyID, &expiresAt, &redeemed)
	if errors.Is(err, sql.ErrNoRows) {
		return KeyUser{}, ErrTokenNotFound
	}
	if err != nil {
		return KeyUser{}, fmt.Errorf("aclstore: loading token: %w", err)
	}
	if redeemed.Valid {
		return KeyUser{}, ErrTokenRedeemed
	}
	if expiresAt.Valid && time.Now().UTC().After(expiresAt.Time) {
		return KeyUser{}, ErrTokenExpired
	}

	rules, err := loadPolicyRules(tx, policyID)
	if err != nil {
		return KeyUser{}, fmt.Errorf("aclstore: loading policy rules: %w", err)
	}

	keyUserID, err := upsertKeyUser(tx, keyName, userPubkey, "")
	if err != nil {
		return KeyUser{}, fmt.Errorf("aclstore: upserting key user: %w", err)
	}
	if err := upsertCondition(tx, keyUserID, MethodConnect, "", true, nil); err != nil {
		return KeyUser{}, fmt.Errorf("aclstore: granting baseline connect: %w", err)
	}
	for _, rule := range rules {
		scope := ""
		if rule.Method == MethodSignEvent {
			if rule.Kind == "" {
				scope = ScopeAll
			} else {
				scope = rule.Kind
			}
		}
		if err := upsertCondition(tx, keyUserID, rule.Method, scope, true, rule.MaxUsageCount); err != nil {
			return KeyUser{}, fmt.Errorf("aclstore: materializing policy rule: %w", err)
		}
	}

	if _, err := tx.Exec(
		`UPDATE tokens SET redeemed_at = ?, redeemed_by_key_user_id = ? WHERE token = ?`,
		time.Now().UTC(), keyUserID, token,
	); err != nil {
		return KeyUser{}, fmt.Errorf("aclstore: marking token redeemed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return KeyUser{}, fmt.Errorf("aclstore: commit apply token tx: %w", err)
	}
	return KeyUser{ID: keyUserID, KeyName: keyName, RemotePubkey: userPubkey}, nil
}

func loadPolicyRules(tx *sql.Tx, policyID string) ([]PolicyRule, error) {
	rows, err := tx.Query(`SELECT id, policy_id, method, kind, max_usage_count FROM policy_rules WHERE policy_id = ?`, policyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []PolicyRule
	for rows.Next() {
		var r PolicyRule
		var kind sql.NullString
		var maxUsage sql.NullInt64
		if err := rows.Scan(&r.ID, &r.PolicyID, &r.Method, &kind, &maxUsage); err != nil {
			return nil, err
		}
		r.Kind = kind.String
		if maxUsage.Valid {
			v := int(maxUsage.Int64)
			r.MaxUsageCount = &v
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}
