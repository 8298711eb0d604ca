package auth

import (
	"context"
	"strings"
	"time"

	"github.com/d9705996/fleetd/internal/apperr"
	"github.com/d9705996/fleetd/internal/authz"
	"github.com/d9705996/fleetd/internal/metrics"
	"github.com/d9705996/fleetd/internal/model"
	"github.com/d9705996/fleetd/internal/store"
	"gorm.io/gorm"
)

// Validator turns a presented session token into a Principal.
type Validator struct {
	db       *gorm.DB
	sessions *SessionStore
	now      func() time.Time
}

// NewValidator creates a Validator.
func NewValidator(db *gorm.DB, sessions *SessionStore, now func() time.Time) *Validator {
	return &Validator{db: db, sessions: sessions, now: now}
}

// Validate checks, in order: token present, session exists, session not
// expired, owner active. It never extends or deletes the session.
func (v *Validator) Validate(ctx context.Context, token string) (*authz.Principal, error) {
	p, err := v.validate(ctx, token)
	outcome := "ok"
	if err != nil {
		outcome = apperr.KindOf(err).String()
	}
	metrics.SessionValidations.WithLabelValues(outcome).Inc()
	return p, err
}

func (v *Validator) validate(ctx context.Context, token string) (*authz.Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, apperr.Unauthenticated("session token required")
	}

	sess, err := v.sessions.Lookup(ctx, token)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if sess == nil {
		return nil, apperr.Unauthenticated("invalid session")
	}
	now := v.now()
	if now.Before(sess.CreatedAt) {
		return nil, apperr.Unauthenticated("invalid session")
	}
	if !now.Before(sess.ExpiresAt) {
		return nil, apperr.SessionExpired()
	}

	var u model.User
	err = v.db.WithContext(ctx).First(&u, "id = ?", sess.UserID).Error
	if store.IsNotFound(err) {
		return nil, apperr.Unauthenticated("invalid session")
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if !u.IsActive {
		return nil, apperr.AccountDisabled()
	}
	return PrincipalFor(&u), nil
}

// PrincipalFor builds the Principal for a loaded user record.
func PrincipalFor(u *model.User) *authz.Principal {
	return &authz.Principal{
		ID:            u.ID,
		Email:         u.Email,
		Roles:         authz.Resolve(u.Roles, u.UserLevel),
		Active:        u.IsActive,
		DistributorID: u.DistributorID,
		WorkshopID:    u.WorkshopID,
	}
}
