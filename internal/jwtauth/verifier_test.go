package jwtauth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func generateTestKeyPair(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pubBytes, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})

	dir := t.TempDir()
	path := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(path, pubPEM, 0o644))
	return priv, path
}

func signTestToken(t *testing.T, key *rsa.PrivateKey, mutate func(*jwt.MapClaims)) string {
	t.Helper()
	c := jwt.MapClaims{
		"iss":          issuer,
		"aud":          audience,
		"sub":          "alice",
		"exp":          time.Now().Add(time.Hour).Unix(),
		"iat":          time.Now().Unix(),
		"allowed_tags": []string{"team-a"},
	}
	if mutate != nil {
		mutate(&c)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, c)
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestVerifier_AcceptsValidToken(t *testing.T) {
	priv, pubPath := generateTestKeyPair(t)
	v, err := NewVerifier(pubPath)
	require.NoError(t, err)

	token := signTestToken(t, priv, nil)
	ctx, err := v.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "alice", ctx.Subject)
	require.Equal(t, []string{"team-a"}, ctx.AllowedTags)
}

func TestVerifier_RejectsWrongIssuer(t *testing.T) {
	priv, pubPath := generateTestKeyPair(t)
	v, err := NewVerifier(pubPath)
	require.NoError(t, err)

	token := signTestToken(t, priv, func(c *jwt.MapClaims) { (*c)["iss"] = "someone-else" })
	_, err = v.Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifier_RejectsExpiredToken(t *testing.T) {
	priv, pubPath := generateTestKeyPair(t)
	v, err := NewVerifier(pubPath)
	require.NoError(t, err)

	token := signTestToken(t, priv, func(c *jwt.MapClaims) { (*c)["exp"] = time.Now().Add(-time.Hour).Unix() })
	_, err = v.Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifier_RejectsMissingAllowedTags(t *testing.T) {
	priv, pubPath := generateTestKeyPair(t)
	v, err := NewVerifier(pubPath)
	require.NoError(t, err)

	token := signTestToken(t, priv, func(c *jwt.MapClaims) { delete(*c, "allowed_tags") })
	_, err = v.Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifier_RejectsWrongSigningMethod(t *testing.T) {
	_, pubPath := generateTestKeyPair(t)
	v, err := NewVerifier(pubPath)
	require.NoError(t, err)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": issuer, "aud": audience, "sub": "alice",
		"exp": time.Now().Add(time.Hour).Unix(), "allowed_tags": []string{"team-a"},
	})
	signed, err := token.SignedString([]byte("not-the-real-key"))
	require.NoError(t, err)

	_, err = v.Verify(signed)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifier_RejectsGarbageToken(t *testing.T) {
	_, pubPath := generateTestKeyPair(t)
	v, err := NewVerifier(pubPath)
	require.NoError(t, err)

	_, err = v.Verify("not.a.jwt")
	require.ErrorIs(t, err, ErrInvalidToken)
}
