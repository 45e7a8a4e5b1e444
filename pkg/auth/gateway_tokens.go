package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
)

var ErrInvalidGatewayToken = errors.New("invalid gateway token")

// TokenPrefix marks platform-issued gateway tokens so leaked values are
// recognisable in scanners.
const TokenPrefix = "wopr_"

// GatewayPrincipal is the resolved identity behind a gateway bearer token.
type GatewayPrincipal struct {
	TenantID   string
	InstanceID string // empty when the token is tenant-wide
}

// NewGatewayToken mints a random bearer token. Only the SHA-256 hex digest
// is stored; the plaintext is shown to the caller once.
func NewGatewayToken() (plaintext, hash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generate token: %w", err)
	}
	plaintext = TokenPrefix + hex.EncodeToString(raw)
	return plaintext, HashGatewayToken(plaintext), nil
}

// HashGatewayToken returns the stored form of a token.
func HashGatewayToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// ResolveGatewayToken looks a presented token up by hash. Revoked and
// unknown tokens are indistinguishable to the caller.
func ResolveGatewayToken(ctx context.Context, db *sql.DB, plaintext string) (*GatewayPrincipal, error) {
	var p GatewayPrincipal
	var instanceID sql.NullString

	err := db.QueryRowContext(ctx, `
		UPDATE gateway_tokens
		SET last_used_at = now()
		WHERE token_hash = $1 AND revoked_at IS NULL
		RETURNING tenant_id, instance_id
	`, HashGatewayToken(plaintext)).Scan(&p.TenantID, &instanceID)

	if err == sql.ErrNoRows {
		return nil, ErrInvalidGatewayToken
	}
	if err != nil {
		return nil, err
	}

	if instanceID.Valid {
		p.InstanceID = instanceID.String
	}
	return &p, nil
}
