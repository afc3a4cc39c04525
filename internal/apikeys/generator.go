// internal/apikeys/generator.go
package apikeys

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// Key layout: ORC_<key id><secret>. The key id is the public lookup
// handle; only a salted hash of the secret is ever stored.
const (
	Prefix    = "ORC"
	keyIDLen  = 8
	secretLen = 40
	saltLen   = 16
)

// Key is a freshly generated API key. Plaintext is handed to the caller
// exactly once; persist only KeyID, Salt and Hash.
type Key struct {
	KeyID     string
	Plaintext string
	Salt      []byte
	Hash      string
}

type Generator struct {
	prefix string
}

func NewGenerator() *Generator {
	return &Generator{prefix: Prefix}
}

func (g *Generator) Generate() (*Key, error) {
	keyID, err := generateKeyID()
	if err != nil {
		return nil, fmt.Errorf("generate key id: %w", err)
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	return &Key{
		KeyID:     keyID,
		Plaintext: fmt.Sprintf("%s_%s%s", g.prefix, keyID, secret),
		Salt:      salt,
		Hash:      HashSecret(secret, salt),
	}, nil
}

func generateKeyID() (string, error) {
	// 5 random bytes encode to exactly 8 base32 chars
	b := make([]byte, 5)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return strings.ToUpper(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b)), nil
}

func generateSecret() (string, error) {
	// 30 random bytes encode to exactly 40 base64url chars
	b := make([]byte, 30)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Parse splits a presented key into its lookup id and secret. ok is
// false for anything that does not match the ORC_ layout.
func Parse(presented string) (keyID, secret string, ok bool) {
	rest, found := strings.CutPrefix(presented, Prefix+"_")
	if !found || len(rest) != keyIDLen+secretLen {
		return "", "", false
	}
	return rest[:keyIDLen], rest[keyIDLen:], true
}

// HashSecret returns the hex salted SHA-256 digest of secret.
func HashSecret(secret string, salt []byte) string {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(secret))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify compares secret against a stored salt+hash in time independent
// of how much of the digest matches.
func Verify(secret string, salt []byte, storedHash string) bool {
	want, err := hex.DecodeString(storedHash)
	if err != nil {
		return false
	}
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(secret))
	return subtle.ConstantTimeCompare(h.Sum(nil), want) == 1
}
