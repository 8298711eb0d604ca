package auth_test

import (
	"strings"
	"testing"

	"github.com/d9705996/fleetd/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestHasher_BcryptRoundTrip(t *testing.T) {
	h := auth.NewHasher(bcrypt.MinCost)
	stored, err := h.Hash("correct horse")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(stored, "$2"))
	assert.True(t, h.Verify("correct horse", stored))
	assert.False(t, h.Verify("wrong horse", stored))
	assert.False(t, h.NeedsMigration(stored))
}

func TestHasher_LegacyDigest(t *testing.T) {
	h := auth.NewHasher(bcrypt.MinCost)
	for _, p := range []string{"password1", "ünïcödé", ""} {
		legacy := auth.LegacyHash(p)
		assert.Len(t, legacy, 64)
		assert.True(t, h.Verify(p, legacy), p)
		assert.True(t, h.NeedsMigration(legacy), p)
		assert.False(t, h.Verify(p+"x", legacy), p)
	}
}

func TestHasher_MalformedHashNeverVerifies(t *testing.T) {
	h := auth.NewHasher(bcrypt.MinCost)
	legacy := auth.LegacyHash("pw")
	for _, stored := range []string{
		"",
		"plaintext",
		strings.ToUpper(legacy), // legacy digests are lowercase only
		legacy[:63],
		"$2a$10$tooshort",
		"$argon2id$v=19$m=65536,t=3,p=4$abc$def",
	} {
		assert.False(t, h.Verify("pw", stored), stored)
		assert.False(t, h.NeedsMigration(stored), stored)
	}
}

func TestHasher_OnlyIndicatedSchemeIsTried(t *testing.T) {
	// A bcrypt hash whose plaintext happens to be a legacy digest must not
	// verify against the original password.
	h := auth.NewHasher(bcrypt.MinCost)
	stored, err := h.Hash(auth.LegacyHash("pw"))
	require.NoError(t, err)
	assert.False(t, h.Verify("pw", stored))
}

func TestNewHasher_ClampsCost(t *testing.T) {
	h := auth.NewHasher(99)
	stored, err := h.Hash("pw")
	require.NoError(t, err)
	cost, err := bcrypt.Cost([]byte(stored))
	require.NoError(t, err)
	assert.Equal(t, bcrypt.DefaultCost, cost)
}
