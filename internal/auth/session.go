package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/d9705996/fleetd/internal/model"
	"github.com/d9705996/fleetd/internal/store"
	"gorm.io/gorm"
)

// SessionMeta is optional client information stored with a session.
type SessionMeta struct {
	DeviceInfo string
	IPAddress  string
}

// SessionStore manages login sessions via GORM. Tokens are returned to the
// caller once; only their SHA-256 is stored.
type SessionStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewSessionStore creates a SessionStore. now is the clock used for
// issuance and expiry.
func NewSessionStore(db *gorm.DB, now func() time.Time) *SessionStore {
	return &SessionStore{db: db, now: now}
}

// Create issues a session for userID valid for ttl.
func (s *SessionStore) Create(ctx context.Context, userID string, ttl time.Duration, meta SessionMeta) (string, time.Time, error) {
	raw, err := NewToken()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate session token: %w", err)
	}
	now := s.now()
	sess := &model.Session{
		UserID:     userID,
		TokenHash:  HashToken(raw),
		DeviceInfo: meta.DeviceInfo,
		IPAddress:  meta.IPAddress,
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
	}
	if err := s.db.WithContext(ctx).Create(sess).Error; err != nil {
		return "", time.Time{}, fmt.Errorf("store session: %w", err)
	}
	return raw, sess.ExpiresAt, nil
}

// Lookup returns the session for raw, or nil when none exists. Expired
// sessions are returned as-is; expiry is the caller's decision.
func (s *SessionStore) Lookup(ctx context.Context, raw string) (*model.Session, error) {
	var sess model.Session
	err := s.db.WithContext(ctx).Where("token_hash = ?", HashToken(raw)).First(&sess).Error
	if store.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	return &sess, nil
}

// Delete removes the session for raw. Deleting an unknown token is not an
// error.
func (s *SessionStore) Delete(ctx context.Context, raw string) error {
	if err := s.db.WithContext(ctx).Where("token_hash = ?", HashToken(raw)).Delete(&model.Session{}).Error; err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteExpired removes sessions whose expiry has passed and reports how
// many were removed. It is only called by the maintenance sweep.
func (s *SessionStore) DeleteExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", s.now()).Delete(&model.Session{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// NewToken returns 32 random bytes as 64 hex characters.
func NewToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// HashToken is the storage form of a session token or single-use code.
func HashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// NewNumericCode returns a uniformly random decimal code of n digits.
func NewNumericCode(n int) (string, error) {
	out := make([]byte, n)
	ten := big.NewInt(10)
	for i := range out {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		out[i] = byte('0' + d.Int64())
	}
	return string(out), nil
}
