// Package auth carries the two credential schemes the platform accepts:
// HS256 JWTs for node agents and hashed opaque bearer tokens for gateway
// callers.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidAgentToken = errors.New("invalid agent token")
	ErrExpiredAgentToken = errors.New("agent token expired")
)

// AgentClaims identifies a node agent. Tokens are provisioned when a node
// is enrolled and presented on registration and on the WebSocket connect.
type AgentClaims struct {
	NodeID string `json:"node_id"`
	jwt.RegisteredClaims
}

// GenerateAgentToken signs a token for a node agent. Used by the enrollment
// endpoint and by tests.
func GenerateAgentToken(nodeID string, secret []byte, ttl time.Duration) (string, error) {
	claims := &AgentClaims{
		NodeID: nodeID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ValidateAgentToken validates an agent JWT and returns its claims.
func ValidateAgentToken(tokenString string, secret []byte) (*AgentClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AgentClaims{}, func(token *jwt.Token) (interface{}, error) {
		// Pin the signing method to prevent algorithm confusion attacks
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredAgentToken
		}
		return nil, ErrInvalidAgentToken
	}

	claims, ok := token.Claims.(*AgentClaims)
	if !ok || !token.Valid || claims.NodeID == "" {
		return nil, ErrInvalidAgentToken
	}

	return claims, nil
}
