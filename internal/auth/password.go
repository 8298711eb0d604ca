// Package auth hashes credentials, issues opaque session tokens and turns a
// presented token into a Principal.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const legacyHashLen = sha256.Size * 2

// Hasher produces bcrypt hashes and verifies both bcrypt and legacy
// unsalted SHA-256 hex digests.
type Hasher struct {
	cost int
}

// NewHasher returns a Hasher using the given bcrypt cost.
func NewHasher(cost int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Hasher{cost: cost}
}

// Hash returns a bcrypt hash of password.
func (h *Hasher) Hash(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("bcrypt: %w", err)
	}
	return string(b), nil
}

// Verify checks password against stored using the scheme the stored value's
// shape indicates. Unrecognised or malformed hashes never verify.
func (h *Hasher) Verify(password, stored string) bool {
	switch {
	case isBcrypt(stored):
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil
	case isLegacy(stored):
		want := LegacyHash(password)
		return subtle.ConstantTimeCompare([]byte(want), []byte(stored)) == 1
	default:
		return false
	}
}

// NeedsMigration reports whether stored uses the legacy scheme.
func (h *Hasher) NeedsMigration(stored string) bool {
	return isLegacy(stored)
}

// LegacyHash is the unsalted SHA-256 hex digest older clients stored.
func LegacyHash(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

func isBcrypt(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

func isLegacy(s string) bool {
	if len(s) != legacyHashLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
