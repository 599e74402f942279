// Package jwtauth verifies the RS256 bearer tokens sessions present to the
// broker's authenticate verb.
package jwtauth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/kagenti/mcp-broker/internal/access"
)

const (
	issuer   = "mcp-broker"
	audience = "mcp-broker"
)

// ErrInvalidToken is the sole error Verify ever returns, by design: the
// failure reason (bad signature, wrong issuer, expired, malformed claim) is
// never surfaced to the caller.
var ErrInvalidToken = fmt.Errorf("invalid_token")

// claims mirrors the wire-level JWT claims an issued token carries.
type claims struct {
	jwt.RegisteredClaims
	AllowedTags []string `json:"allowed_tags"`
}

// Verifier checks bearer tokens against a single RS256 public key loaded at
// startup.
type Verifier struct {
	publicKey *rsa.PublicKey
}

// NewVerifier loads an RSA public key from a PEM file at keyPath.
func NewVerifier(keyPath string) (*Verifier, error) {
	raw, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", keyPath)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key in %s is not RSA", keyPath)
	}
	return &Verifier{publicKey: key}, nil
}

// Verify parses and validates tokenString, returning the ClientContext it
// authorizes. Any structural, signature, issuer/audience, expiry, or
// allowed_tags defect collapses to ErrInvalidToken.
func (v *Verifier) Verify(tokenString string) (*access.ClientContext, error) {
	var c claims
	_, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (any, error) {
		return v.publicKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}

	if c.Subject == "" {
		return nil, ErrInvalidToken
	}
	if len(c.AllowedTags) == 0 {
		return nil, ErrInvalidToken
	}

	return &access.ClientContext{
		Subject:         c.Subject,
		AllowedTags:     c.AllowedTags,
		AuthenticatedAt: time.Now().Unix(),
	}, nil
}
