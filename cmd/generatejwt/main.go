// main implements generate_jwt, a standalone utility for issuing client
// bearer tokens. It is explicitly out of the broker's runtime core: the
// daemon only ever verifies tokens, never signs them.
package main

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	issuer   = "mcp-broker"
	audience = "mcp-broker"

	envPrivateKeyPath = "MCP_JWT_PRIVATE_KEY_PATH"
)

func main() {
	var (
		subject string
		tagsCSV string
		ttl     time.Duration
		keyPath string
	)
	flag.StringVar(&subject, "subject", "", "subject claim for the issued token (required)")
	flag.StringVar(&tagsCSV, "tags", "", "comma-separated allowed_tags, \"*\" for all")
	flag.DurationVar(&ttl, "ttl", 720*time.Hour, "token lifetime")
	flag.StringVar(&keyPath, "key", "", "RSA private key path (falls back to "+envPrivateKeyPath+")")
	flag.Parse()

	if subject == "" {
		log.Fatal("-subject is required")
	}
	if keyPath == "" {
		keyPath = os.Getenv(envPrivateKeyPath)
	}
	if keyPath == "" {
		log.Fatal("no private key path given: pass -key or set " + envPrivateKeyPath)
	}

	tags := splitTags(tagsCSV)
	if len(tags) == 0 {
		log.Fatal("-tags must name at least one tag (or \"*\")")
	}

	key, err := loadPrivateKey(keyPath)
	if err != nil {
		log.Fatalf("load private key: %v", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":          issuer,
		"aud":          audience,
		"sub":          subject,
		"iat":          now.Unix(),
		"exp":          now.Add(ttl).Unix(),
		"allowed_tags": tags,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		log.Fatalf("sign token: %v", err)
	}

	fmt.Println(signed)
}

func splitTags(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			tags = append(tags, p)
		}
	}
	return tags
}

// loadPrivateKey enforces the §4.5 permission requirement on the issuer's
// private-key file before parsing it, since this key authorizes anyone who
// can read it to mint tokens for any tag.
func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	mode := info.Mode().Perm()
	if mode != 0o600 && mode != 0o400 {
		return nil, fmt.Errorf("refusing to use private key %s: mode %o is not 0600 or 0400", path, mode)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", path)
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key in %s is not RSA", path)
	}
	return key, nil
}
