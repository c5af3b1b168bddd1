package jwttoken

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "impactledger/pkg/domain"
	dErrors "impactledger/pkg/domain-errors"
)

var jwtService = NewJWTService("test-signing-key", "test-issuer")

var caller = id.MustParseIdentity("0x2000000000000000000000000000000000000001")

const expiresIn = time.Hour

func Test_GenerateAccessToken(t *testing.T) {
	token, err := jwtService.GenerateAccessToken(caller, expiresIn)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := jwtService.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, caller.String(), claims.Subject)
	assert.NotEmpty(t, claims.ID)
	assert.WithinDuration(t, time.Now().Add(expiresIn), claims.ExpiresAt.Time, time.Minute)
}

func Test_GenerateAccessToken_NullSubject(t *testing.T) {
	_, err := jwtService.GenerateAccessToken(id.NullIdentity, expiresIn)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
}

func Test_ValidateToken_InvalidToken(t *testing.T) {
	_, err := jwtService.ValidateToken("invalid-token-string")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func Test_ValidateToken_ExpiredToken(t *testing.T) {
	token, err := jwtService.GenerateAccessToken(caller, -time.Hour)
	require.NoError(t, err)

	_, err = jwtService.ValidateToken(token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token has expired")
}

func Test_ValidateToken_WrongKeyOrIssuer(t *testing.T) {
	token, err := NewJWTService("other-key", "test-issuer").GenerateAccessToken(caller, expiresIn)
	require.NoError(t, err)
	_, err = jwtService.ValidateToken(token)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))

	token, err = NewJWTService("test-signing-key", "someone-else").GenerateAccessToken(caller, expiresIn)
	require.NoError(t, err)
	_, err = jwtService.ValidateToken(token)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func Test_ValidateCaller(t *testing.T) {
	token, err := jwtService.GenerateAccessToken(caller, expiresIn)
	require.NoError(t, err)
	got, err := jwtService.ValidateCaller(token)
	require.NoError(t, err)
	assert.Equal(t, caller, got)

	bogus := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject: "not-an-address", Issuer: "test-issuer",
	}})
	raw, err := bogus.SignedString([]byte("test-signing-key"))
	require.NoError(t, err)
	_, err = jwtService.ValidateCaller(raw)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
}
