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
	"github.com/d9705996/fleetd/internal/metrics"
	"github.com/d9705996/fleetd/internal/model"
	"github.com/d9705996/fleetd/internal/store"
	"gorm.io/gorm"
)

const (
	limitKindVerification = "email_verification"
	limitKindReset        = "password_reset"
	limitKindEmailChange  = "email_change"
)

// Accounts covers login, logout, registration and email verification.
type Accounts struct {
	d Deps
}

func NewAccounts(d Deps) *Accounts {
	return &Accounts{d: d}
}

// LoginResult is returned by a successful Login.
type LoginResult struct {
	Token     string          `json:"session_token"`
	ExpiresAt time.Time       `json:"expires_at"`
	User      *model.User     `json:"user"`
	Scooters  []model.Scooter `json:"scooters"`
}

var errBadCredentials = apperr.Unauthenticated("invalid email or password")

// Login verifies credentials and opens a session. Legacy hashes are
// upgraded and the last-login time stamped, both best effort.
func (a *Accounts) Login(ctx context.Context, email, password string, meta auth.SessionMeta) (*LoginResult, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, apperr.Validation("email and password are required")
	}

	var u model.User
	err := a.d.DB.WithContext(ctx).First(&u, "email = ?", email).Error
	if store.IsNotFound(err) {
		return nil, errBadCredentials
	}
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("find user: %w", err))
	}
	if !a.d.Hasher.Verify(password, u.PasswordHash) {
		return nil, errBadCredentials
	}
	if !u.IsActive {
		return nil, apperr.AccountDisabled()
	}
	if !u.IsVerified {
		return nil, apperr.Forbidden("email address not verified")
	}

	token, expires, err := a.d.Sessions.Create(ctx, u.ID, a.d.Auth.SessionTTL, meta)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	if a.d.Hasher.NeedsMigration(u.PasswordHash) {
		a.migrateHash(ctx, &u, password)
	}
	now := a.d.Now()
	if err := a.d.DB.WithContext(ctx).Model(&model.User{}).Where("id = ?", u.ID).
		Update("last_login", now).Error; err != nil {
		a.d.Log.Warn("stamp last login failed", "user_id", u.ID, "error", err)
	} else {
		u.LastLogin = &now
	}

	scooters, err := ownedScooters(ctx, a.d.DB, u.ID)
	if err != nil {
		a.d.Log.Warn("load scooters at login failed", "user_id", u.ID, "error", err)
		scooters = []model.Scooter{}
	}
	return &LoginResult{Token: token, ExpiresAt: expires, User: &u, Scooters: scooters}, nil
}

// migrateHash replaces a legacy digest with a bcrypt hash. The update is
// conditional on the old hash so a concurrent password change wins.
func (a *Accounts) migrateHash(ctx context.Context, u *model.User, password string) {
	outcome := "ok"
	defer func() { metrics.CredentialMigrations.WithLabelValues(outcome).Inc() }()

	hash, err := a.d.Hasher.Hash(password)
	if err != nil {
		outcome = "failed"
		a.d.Log.Warn("rehash legacy password failed", "user_id", u.ID, "error", err)
		return
	}
	err = a.d.DB.WithContext(ctx).Model(&model.User{}).
		Where("id = ? AND password_hash = ?", u.ID, u.PasswordHash).
		Updates(map[string]any{"password_hash": hash, "updated_at": a.d.Now()}).Error
	if err != nil {
		outcome = "failed"
		a.d.Log.Warn("store migrated password failed", "user_id", u.ID, "error", err)
		return
	}
	u.PasswordHash = hash
}

func ownedScooters(ctx context.Context, db *gorm.DB, userID string) ([]model.Scooter, error) {
	scooters := []model.Scooter{}
	err := db.WithContext(ctx).
		Where("id IN (?)", db.Model(&model.UserScooter{}).Select("scooter_id").
			Where("user_id = ? AND unregistered_at IS NULL", userID)).
		Order("zyd_serial").
		Find(&scooters).Error
	if err != nil {
		return nil, fmt.Errorf("list owned scooters: %w", err)
	}
	return scooters, nil
}

// Logout ends the presented session.
func (a *Accounts) Logout(ctx context.Context, token string) error {
	if err := a.d.Sessions.Delete(ctx, token); err != nil {
		return apperr.Internal(err)
	}
	return nil
}

// RegisterInput is the body of a registration.
type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// RegisterResult reports the new account and whether the verification
// email went out.
type RegisterResult struct {
	User      *model.User `json:"user"`
	EmailSent bool        `json:"email_sent"`
}

// Register creates an unverified customer account and sends a
// verification link. A failed send does not undo the registration.
func (a *Accounts) Register(ctx context.Context, in RegisterInput) (*RegisterResult, error) {
	email := normalizeEmail(in.Email)
	if !validEmail(email) {
		return nil, apperr.Validation("a valid email address is required")
	}
	if err := checkPassword(in.Password); err != nil {
		return nil, err
	}
	hash, err := a.d.Hasher.Hash(in.Password)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	u := &model.User{
		Email:        email,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		PasswordHash: hash,
		UserLevel:    authz.LegacyLevel(authz.Customer),
		Roles:        model.StringSlice{string(authz.Customer)},
		IsActive:     true,
	}
	if err := a.d.DB.WithContext(ctx).Create(u).Error; err != nil {
		if store.IsUniqueViolation(err) {
			return nil, apperr.Conflict("an account with this email already exists")
		}
		return nil, apperr.Internal(fmt.Errorf("create user: %w", err))
	}

	sent := true
	if err := a.sendVerification(ctx, u); err != nil {
		sent = false
		a.d.Log.Warn("verification email failed", "user_id", u.ID, "error", err)
	}
	return &RegisterResult{User: u, EmailSent: sent}, nil
}

func (a *Accounts) sendVerification(ctx context.Context, u *model.User) error {
	secret, err := auth.NewToken()
	if err != nil {
		return fmt.Errorf("generate verification token: %w", err)
	}
	if _, err := a.d.Tokens.Issue(ctx, u.ID, model.PurposeEmailVerification, secret, a.d.Auth.VerifyTTL, nil); err != nil {
		return err
	}
	return a.d.Mailer.Send(ctx, mail.Verification(u.Email, a.d.AppURL, secret))
}

// Verify consumes an email-verification token and marks its user verified.
func (a *Accounts) Verify(ctx context.Context, token string) error {
	_, err := a.d.Tokens.Consume(ctx, model.PurposeEmailVerification, token, nil,
		func(tx *gorm.DB, tok *model.UserToken) error {
			return tx.Model(&model.User{}).Where("id = ?", tok.UserID).
				Updates(map[string]any{"is_verified": true, "updated_at": a.d.Now()}).Error
		})
	transitionOutcome("email_verification", string(lifecycle.TokenConsumed), err)
	return err
}

// ResendVerification sends a fresh link. Unknown and already verified
// addresses get the same answer as a real resend.
func (a *Accounts) ResendVerification(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if email == "" {
		return apperr.Validation("email is required")
	}
	lim := lifecycle.Limit{Kind: limitKindVerification, Max: a.d.Limits.VerifyPerHour, Window: time.Hour}
	if err := a.d.Limiter.Allow(ctx, lim, email); err != nil {
		return err
	}

	var u model.User
	err := a.d.DB.WithContext(ctx).First(&u, "email = ?", email).Error
	if store.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return apperr.Internal(fmt.Errorf("find user: %w", err))
	}
	if u.IsVerified || !u.IsActive {
		return nil
	}
	if err := a.sendVerification(ctx, &u); err != nil {
		return apperr.DownstreamUnavailable("could not send verification email", err)
	}
	return nil
}
