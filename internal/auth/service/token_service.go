package service

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	apperrors "github.com/allisson/gatekeeper/internal/errors"
)

// tokenService implements TokenService with HMAC-signed JWTs.
// The revocation counter claim name is configurable so the gate can match
// whatever field the identity service embeds.
type tokenService struct {
	secret          []byte
	revocationClaim string
}

// Verify parses and validates the token. Only HMAC signing methods are
// accepted; asymmetric tokens are rejected before signature verification.
func (t *tokenService) Verify(tokenString string) (Payload, error) {
	claims := jwt.MapClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperrors.New("unexpected signing method")
		}
		return t.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, apperrors.Unauthorized(
			apperrors.CodeInvalidCredentials, "invalid credentials", nil)
	}

	return Payload(claims), nil
}

// Issue creates a signed HS256 token for the given user.
func (t *tokenService) Issue(userID uuid.UUID, tokenVersion int64, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub":             userID.String(),
		"iat":             jwt.NewNumericDate(now),
		"exp":             jwt.NewNumericDate(now.Add(ttl)),
		t.revocationClaim: tokenVersion,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// UserID extracts the subject claim as a user ID.
func (p Payload) UserID() (uuid.UUID, error) {
	sub, _ := p["sub"].(string)
	id, err := uuid.Parse(sub)
	if err != nil {
		return uuid.Nil, apperrors.Unauthorized(
			apperrors.CodeInvalidCredentials, "invalid credentials", nil)
	}
	return id, nil
}

// RevocationCounter extracts the named revocation claim. JSON numbers decode
// as float64; tokens issued in-process may carry int64.
func (p Payload) RevocationCounter(claim string) int64 {
	switch v := p[claim].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}

// NewTokenService creates a TokenService verifying HMAC-signed tokens with
// the given secret and revocation claim name.
func NewTokenService(secret string, revocationClaim string) TokenService {
	return &tokenService{
		secret:          []byte(secret),
		revocationClaim: revocationClaim,
	}
}
