package auth

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TokenStore manages gateway_tokens rows. Issue returns the plaintext
// exactly once; afterwards only the hash exists anywhere.
type TokenStore struct {
	DB *sql.DB
}

// IssuedToken is the one-time response to minting a token.
type IssuedToken struct {
	ID         int64  `json:"id"`
	Token      string `json:"token"`
	Name       string `json:"name"`
	TenantID   string `json:"tenant_id"`
	InstanceID string `json:"instance_id,omitempty"`
}

// TokenInfo describes a stored token without revealing it.
type TokenInfo struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	InstanceID string     `json:"instance_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// Issue mints a token scoped to the tenant, or to a single instance when
// instanceID is non-empty.
func (s *TokenStore) Issue(ctx context.Context, tenantID, instanceID, name string) (*IssuedToken, error) {
	plaintext, hash, err := NewGatewayToken()
	if err != nil {
		return nil, err
	}

	var instance any
	if instanceID != "" {
		instance = instanceID
	}

	var id int64
	err = s.DB.QueryRowContext(ctx, `
		INSERT INTO gateway_tokens (token_hash, tenant_id, instance_id, name)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, hash, tenantID, instance, name).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("failed to store gateway token: %w", err)
	}

	return &IssuedToken{
		ID:         id,
		Token:      plaintext,
		Name:       name,
		TenantID:   tenantID,
		InstanceID: instanceID,
	}, nil
}

// List returns every token for a tenant, revoked ones included.
func (s *TokenStore) List(ctx context.Context, tenantID string) ([]TokenInfo, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, name, instance_id, created_at, last_used_at, revoked_at
		FROM gateway_tokens
		WHERE tenant_id = $1
		ORDER BY created_at DESC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list gateway tokens: %w", err)
	}
	defer rows.Close()

	var tokens []TokenInfo
	for rows.Next() {
		var t TokenInfo
		var instanceID sql.NullString
		if err := rows.Scan(&t.ID, &t.Name, &instanceID, &t.CreatedAt, &t.LastUsedAt, &t.RevokedAt); err != nil {
			return nil, fmt.Errorf("failed to scan gateway token: %w", err)
		}
		if instanceID.Valid {
			t.InstanceID = instanceID.String
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// Resolve looks a presented bearer token up, touching last_used_at.
// Satisfies the gateway's token resolver.
func (s *TokenStore) Resolve(ctx context.Context, plaintext string) (*GatewayPrincipal, error) {
	return ResolveGatewayToken(ctx, s.DB, plaintext)
}

// Revoke marks a token unusable. Returns false when the id does not
// belong to the tenant or is already revoked.
func (s *TokenStore) Revoke(ctx context.Context, tenantID string, id int64) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE gateway_tokens
		SET revoked_at = now()
		WHERE id = $1 AND tenant_id = $2 AND revoked_at IS NULL
	`, id, tenantID)
	if err != nil {
		return false, fmt.Errorf("failed to revoke gateway token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}
