package authtoken

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_IssueAndVerifyRoundTrip(t *testing.T) {
	m := NewManagerWithSecret([]byte("test-secret-at-least-this-long"))

	token, err := m.Issue(time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, m.Verify(token))
}

func TestManager_VerifyRejectsEmptyToken(t *testing.T) {
	m := NewManagerWithSecret([]byte("secret"))
	assert.False(t, m.Verify(""))
}

func TestManager_VerifyRejectsExpiredToken(t *testing.T) {
	m := NewManagerWithSecret([]byte("secret"))

	token, err := m.Issue(-time.Minute)
	require.NoError(t, err)
	assert.False(t, m.Verify(token))
}

func TestManager_VerifyRejectsTokenFromDifferentSecret(t *testing.T) {
	issuer := NewManagerWithSecret([]byte("secret-a"))
	verifier := NewManagerWithSecret([]byte("secret-b"))

	token, err := issuer.Issue(time.Hour)
	require.NoError(t, err)
	assert.False(t, verifier.Verify(token))
}

func TestManager_VerifyRejectsUnexpectedSigningMethod(t *testing.T) {
	m := NewManagerWithSecret([]byte("secret"))

	claims := jwt.RegisteredClaims{
		Issuer:    "cdp-relay",
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	assert.False(t, m.Verify(signed))
}

func TestManager_VerifyRejectsGarbageToken(t *testing.T) {
	m := NewManagerWithSecret([]byte("secret"))
	assert.False(t, m.Verify("not.a.jwt"))
}
