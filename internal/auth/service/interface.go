// Package service provides technical services for authentication operations.
//
// Token minting proper is delegated to the identity service; this package
// verifies bearer tokens presented to the gate and exposes issuance only so
// tests and the demo binary can produce valid tokens.
package service

import (
	"time"

	"github.com/google/uuid"
)

// Payload is the decoded claim set of a verified token.
type Payload map[string]any

// TokenService defines bearer-token verification for the access gate.
type TokenService interface {
	// Verify validates the token signature and expiry and returns the
	// decoded payload. Failures map to ErrUnauthorized with the
	// invalid-credentials code.
	Verify(tokenString string) (Payload, error)

	// Issue creates a signed token for the given user carrying the
	// revocation counter. Exists for tests and local development; real
	// deployments mint tokens elsewhere.
	Issue(userID uuid.UUID, tokenVersion int64, ttl time.Duration) (string, error)
}
