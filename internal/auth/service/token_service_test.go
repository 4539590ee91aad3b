package service

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/allisson/gatekeeper/internal/errors"
)

func TestNewTokenService(t *testing.T) {
	service := NewTokenService("secret", "tokenVersion")
	assert.NotNil(t, service)
	assert.IsType(t, &tokenService{}, service)
}

func TestTokenService_IssueAndVerify(t *testing.T) {
	service := NewTokenService("secret", "tokenVersion")
	userID := uuid.Must(uuid.NewV7())

	t.Run("Success_RoundTrip", func(t *testing.T) {
		tokenString, err := service.Issue(userID, 3, time.Hour)
		require.NoError(t, err)
		assert.NotEmpty(t, tokenString)

		payload, err := service.Verify(tokenString)
		require.NoError(t, err)

		gotID, err := payload.UserID()
		require.NoError(t, err)
		assert.Equal(t, userID, gotID)
		assert.Equal(t, int64(3), payload.RevocationCounter("tokenVersion"))
	})

	t.Run("Error_ExpiredToken", func(t *testing.T) {
		tokenString, err := service.Issue(userID, 1, -time.Minute)
		require.NoError(t, err)

		_, err = service.Verify(tokenString)
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.ErrUnauthorized))
	})

	t.Run("Error_WrongSecret", func(t *testing.T) {
		other := NewTokenService("other-secret", "tokenVersion")
		tokenString, err := other.Issue(userID, 1, time.Hour)
		require.NoError(t, err)

		_, err = service.Verify(tokenString)
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.ErrUnauthorized))
	})

	t.Run("Error_MalformedToken", func(t *testing.T) {
		_, err := service.Verify("not.a.token")
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.ErrUnauthorized))
	})

	t.Run("Error_NonHMACSigningMethod", func(t *testing.T) {
		// alg=none tokens must never verify
		token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
			"sub": userID.String(),
		})
		tokenString, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = service.Verify(tokenString)
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.ErrUnauthorized))
	})
}

func TestPayload_RevocationCounter(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		want    int64
	}{
		{"float64 from JSON decoding", Payload{"tokenVersion": float64(7)}, 7},
		{"int64 from in-process issuance", Payload{"tokenVersion": int64(5)}, 5},
		{"missing claim", Payload{}, 0},
		{"wrong type", Payload{"tokenVersion": "7"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.payload.RevocationCounter("tokenVersion"))
		})
	}
}

func TestPayload_UserID(t *testing.T) {
	t.Run("invalid subject", func(t *testing.T) {
		_, err := Payload{"sub": "garbage"}.UserID()
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.ErrUnauthorized))
	})

	t.Run("missing subject", func(t *testing.T) {
		_, err := Payload{}.UserID()
		require.Error(t, err)
	})
}
