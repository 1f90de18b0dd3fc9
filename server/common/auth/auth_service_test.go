package auth

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndParseToken(t *testing.T) {
	svc := NewService("secret", 10)

	token, err := svc.GenerateToken("u1", "citizen")
	require.NoError(t, err)

	userID, role, err := svc.ParseAuthContext(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)
	assert.Equal(t, "citizen", role)
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	token, err := NewService("secret", 10).GenerateToken("u1", "citizen")
	require.NoError(t, err)

	_, _, err = NewService("other", 10).ParseAuthContext(token)
	assert.Error(t, err)
}

func TestParseTokenRejectsOtherAlgorithms(t *testing.T) {
	claims := Claims{UserID: "u1", Role: "citizen"}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = NewService("secret", 10).ParseToken(token)
	assert.Error(t, err)
}

func TestServiceKey(t *testing.T) {
	hash, err := HashServiceKey("function-key")
	require.NoError(t, err)

	svc := NewService("secret", 10).WithServiceKeyHash(hash)
	assert.NoError(t, svc.VerifyServiceKey("function-key"))
	assert.ErrorIs(t, svc.VerifyServiceKey("wrong"), ErrInvalidServiceKey)
	assert.ErrorIs(t, NewService("secret", 10).VerifyServiceKey("function-key"), ErrInvalidServiceKey)
}
