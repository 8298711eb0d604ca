package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/d9705996/fleetd/internal/apperr"
	"github.com/d9705996/fleetd/internal/auth"
	"github.com/d9705996/fleetd/internal/model"
	"github.com/d9705996/fleetd/internal/store"
	"gorm.io/gorm"
)

// TokenState is the state of a single-use token. Expired is derived from
// the clock and never stored.
type TokenState string

const (
	TokenIssued   TokenState = "issued"
	TokenConsumed TokenState = "consumed"
	TokenExpired  TokenState = "expired"
)

// TokenStateOf derives the state of t at now.
func TokenStateOf(t *model.UserToken, now time.Time) TokenState {
	switch {
	case t.UsedAt != nil:
		return TokenConsumed
	case !now.Before(t.ExpiresAt):
		return TokenExpired
	default:
		return TokenIssued
	}
}

// InvalidToken is the single error for unknown, consumed and expired
// tokens so callers cannot tell them apart.
func InvalidToken() *apperr.Error {
	return apperr.Validation("invalid or expired token")
}

// Tokens issues and consumes single-use tokens.
type Tokens struct {
	db  *gorm.DB
	now func() time.Time
}

// NewTokens creates a token manager.
func NewTokens(db *gorm.DB, now func() time.Time) *Tokens {
	return &Tokens{db: db, now: now}
}

// Issue stores the hash of secret for userID. newEmail is only set for
// email-change codes.
func (t *Tokens) Issue(ctx context.Context, userID, purpose, secret string, ttl time.Duration, newEmail *string) (*model.UserToken, error) {
	return t.issue(ctx, &model.UserToken{UserID: userID, Purpose: purpose, NewEmail: newEmail}, secret, ttl)
}

// IssueForScooter is Issue for a token that only acts on one scooter.
func (t *Tokens) IssueForScooter(ctx context.Context, userID, scooterID, purpose, secret string, ttl time.Duration) (*model.UserToken, error) {
	return t.issue(ctx, &model.UserToken{UserID: userID, Purpose: purpose, ScooterID: &scooterID}, secret, ttl)
}

func (t *Tokens) issue(ctx context.Context, tok *model.UserToken, secret string, ttl time.Duration) (*model.UserToken, error) {
	now := t.now()
	tok.TokenHash = auth.HashToken(secret)
	tok.ExpiresAt = now.Add(ttl)
	tok.CreatedAt = now
	if err := t.db.WithContext(ctx).Create(tok).Error; err != nil {
		return nil, fmt.Errorf("store %s token: %w", tok.Purpose, err)
	}
	return tok, nil
}

// Consume finds an issued token of purpose matching secret (narrowed
// further by match when non-nil), runs effect and marks the token used, all
// in one transaction. If effect fails the token stays issued.
func (t *Tokens) Consume(
	ctx context.Context,
	purpose, secret string,
	match func(*gorm.DB) *gorm.DB,
	effect func(tx *gorm.DB, tok *model.UserToken) error,
) (*model.UserToken, error) {
	now := t.now()
	var tok model.UserToken
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("purpose = ? AND token_hash = ? AND used_at IS NULL AND expires_at > ?",
			purpose, auth.HashToken(secret), now)
		if match != nil {
			q = q.Scopes(match)
		}
		err := q.Order("created_at DESC").First(&tok).Error
		if store.IsNotFound(err) {
			return InvalidToken()
		}
		if err != nil {
			return fmt.Errorf("find token: %w", err)
		}

		if err := effect(tx, &tok); err != nil {
			return err
		}

		res := tx.Model(&model.UserToken{}).
			Where("id = ? AND used_at IS NULL", tok.ID).
			Update("used_at", now)
		if res.Error != nil {
			return fmt.Errorf("mark token used: %w", res.Error)
		}
		if res.RowsAffected != 1 {
			return InvalidToken()
		}
		tok.UsedAt = &now
		return nil
	})
	if err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return nil, ae
		}
		return nil, apperr.Internal(err)
	}
	return &tok, nil
}
