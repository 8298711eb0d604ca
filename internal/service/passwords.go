package service

import (
	"context"
	"fmt"
	"time"

	"github.com/d9705996/fleetd/internal/apperr"
	"github.com/d9705996/fleetd/internal/auth"
	"github.com/d9705996/fleetd/internal/authz"
	"github.com/d9705996/fleetd/internal/lifecycle"
	"github.com/d9705996/fleetd/internal/mail"
	"github.com/d9705996/fleetd/internal/model"
	"github.com/d9705996/fleetd/internal/outbox"
	"github.com/d9705996/fleetd/internal/store"
	"gorm.io/gorm"
)

// Credentials covers password reset, password change and email change.
type Credentials struct {
	d Deps
}

func NewCredentials(d Deps) *Credentials {
	return &Credentials{d: d}
}

// RequestReset issues a reset token and mails it. Unknown or disabled
// addresses succeed silently. The email is required: a failed send is
// DownstreamUnavailable.
func (c *Credentials) RequestReset(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if email == "" {
		return apperr.Validation("email is required")
	}
	lim := lifecycle.Limit{Kind: limitKindReset, Max: c.d.Limits.ResetPerHour, Window: time.Hour}
	if err := c.d.Limiter.Allow(ctx, lim, email); err != nil {
		return err
	}

	var u model.User
	err := c.d.DB.WithContext(ctx).First(&u, "email = ?", email).Error
	if store.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return apperr.Internal(fmt.Errorf("find user: %w", err))
	}
	if !u.IsActive {
		return nil
	}

	secret, err := auth.NewToken()
	if err != nil {
		return apperr.Internal(err)
	}
	if _, err := c.d.Tokens.Issue(ctx, u.ID, model.PurposePasswordReset, secret, c.d.Auth.ResetTTL, nil); err != nil {
		return apperr.Internal(err)
	}
	if err := c.d.Mailer.Send(ctx, mail.PasswordReset(u.Email, c.d.AppURL, secret)); err != nil {
		return apperr.DownstreamUnavailable("could not send password reset email", err)
	}
	return nil
}

// ResetPassword consumes a reset token, sets the new password and ends
// every session of the account in one transaction.
func (c *Credentials) ResetPassword(ctx context.Context, token, password string) error {
	if token == "" {
		return lifecycle.InvalidToken()
	}
	if err := checkPassword(password); err != nil {
		return err
	}
	hash, err := c.d.Hasher.Hash(password)
	if err != nil {
		return apperr.Internal(err)
	}
	_, err = c.d.Tokens.Consume(ctx, model.PurposePasswordReset, token, nil,
		func(tx *gorm.DB, tok *model.UserToken) error {
			if err := tx.Model(&model.User{}).Where("id = ?", tok.UserID).
				Updates(map[string]any{"password_hash": hash, "updated_at": c.d.Now()}).Error; err != nil {
				return fmt.Errorf("update password: %w", err)
			}
			if err := tx.Where("user_id = ?", tok.UserID).Delete(&model.Session{}).Error; err != nil {
				return fmt.Errorf("revoke sessions: %w", err)
			}
			return nil
		})
	transitionOutcome(limitKindReset, string(lifecycle.TokenConsumed), err)
	return err
}

// ChangePassword replaces the caller's password after checking the
// current one.
func (c *Credentials) ChangePassword(ctx context.Context, p *authz.Principal, current, next string) error {
	if current == "" {
		return apperr.Validation("current password is required")
	}
	if err := checkPassword(next); err != nil {
		return err
	}
	var u model.User
	if err := c.d.DB.WithContext(ctx).First(&u, "id = ?", p.ID).Error; err != nil {
		return apperr.Internal(fmt.Errorf("find user: %w", err))
	}
	if !c.d.Hasher.Verify(current, u.PasswordHash) {
		return apperr.Validation("current password is incorrect")
	}
	hash, err := c.d.Hasher.Hash(next)
	if err != nil {
		return apperr.Internal(err)
	}
	if err := c.d.DB.WithContext(ctx).Model(&model.User{}).Where("id = ?", u.ID).
		Updates(map[string]any{"password_hash": hash, "updated_at": c.d.Now()}).Error; err != nil {
		return apperr.Internal(fmt.Errorf("update password: %w", err))
	}
	return nil
}

const emailChangeCodeLen = 6

// RequestEmailChange mails a short code to the caller's current address.
// Only one code may be requested per window.
func (c *Credentials) RequestEmailChange(ctx context.Context, p *authz.Principal, newEmail string) error {
	newEmail = normalizeEmail(newEmail)
	if !validEmail(newEmail) {
		return apperr.Validation("a valid new email address is required")
	}
	if newEmail == normalizeEmail(p.Email) {
		return apperr.Validation("new email matches the current one")
	}
	var n int64
	if err := c.d.DB.WithContext(ctx).Model(&model.User{}).Where("email = ?", newEmail).Count(&n).Error; err != nil {
		return apperr.Internal(fmt.Errorf("check email: %w", err))
	}
	if n > 0 {
		return apperr.Conflict("email address is already in use")
	}

	lim := lifecycle.Limit{Kind: limitKindEmailChange, Max: 1, Window: c.d.Limits.EmailChangeWindow}
	if err := c.d.Limiter.Allow(ctx, lim, p.ID); err != nil {
		return err
	}
	code, err := auth.NewNumericCode(emailChangeCodeLen)
	if err != nil {
		return apperr.Internal(err)
	}
	if _, err := c.d.Tokens.Issue(ctx, p.ID, model.PurposeEmailChange, code, c.d.Auth.EmailChangeTTL, &newEmail); err != nil {
		return apperr.Internal(err)
	}
	if err := c.d.Mailer.Send(ctx, mail.EmailChangeCode(p.Email, newEmail, code)); err != nil {
		return apperr.DownstreamUnavailable("could not send verification code", err)
	}
	return nil
}

// VerifyEmailChange consumes the caller's code and moves the account to
// the new address. The old address is told afterwards, best effort.
func (c *Credentials) VerifyEmailChange(ctx context.Context, p *authz.Principal, code string) (string, error) {
	if code == "" {
		return "", apperr.Validation("code is required")
	}
	tok, err := c.d.Tokens.Consume(ctx, model.PurposeEmailChange, code,
		func(db *gorm.DB) *gorm.DB { return db.Where("user_id = ?", p.ID) },
		func(tx *gorm.DB, tok *model.UserToken) error {
			if tok.NewEmail == nil {
				return apperr.Validation("token carries no email address")
			}
			err := tx.Model(&model.User{}).Where("id = ?", p.ID).
				Updates(map[string]any{"email": *tok.NewEmail, "updated_at": c.d.Now()}).Error
			if store.IsUniqueViolation(err) {
				return apperr.Conflict("email address is already in use")
			}
			return err
		})
	transitionOutcome(limitKindEmailChange, string(lifecycle.TokenConsumed), err)
	if err != nil {
		return "", err
	}

	c.d.Notifier.Send(ctx, outbox.EmailMessage("account.email_changed", mail.Email{
		To:      p.Email,
		Subject: "Your email address was changed",
		Text:    fmt.Sprintf("The email address on your account was changed to %s. If this was not you, contact support.\n", *tok.NewEmail),
	}))
	return *tok.NewEmail, nil
}
