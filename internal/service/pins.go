package service

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/d9705996/fleetd/internal/apperr"
	"github.com/d9705996/fleetd/internal/auth"
	"github.com/d9705996/fleetd/internal/authz"
	"github.com/d9705996/fleetd/internal/lifecycle"
	"github.com/d9705996/fleetd/internal/mail"
	"github.com/d9705996/fleetd/internal/model"
	"github.com/d9705996/fleetd/internal/store"
	"gorm.io/gorm"
)

const (
	limitKindPinFailure  = "pin_verify"
	limitKindPinRecovery = "pin_recovery"

	maxPinFailures   = 5
	pinFailureWindow = 15 * time.Minute
)

var pinPattern = regexp.MustCompile(`^\d{6}$`)

// Pins manages the unlock PIN of an owned scooter.
type Pins struct {
	d Deps
}

func NewPins(d Deps) *Pins {
	return &Pins{d: d}
}

// PinStatus says whether a scooter has a PIN, never what it is.
type PinStatus struct {
	ScooterID string     `json:"scooter_id"`
	HasPin    bool       `json:"has_pin"`
	PinSetAt  *time.Time `json:"pin_set_at"`
}

func (p *Pins) load(ctx context.Context, pr *authz.Principal, scooterID string) (*model.Scooter, error) {
	scope, err := p.d.scope(ctx, pr, authz.Scooters)
	if err != nil {
		return nil, err
	}
	var sc model.Scooter
	if err := loadForWrite(ctx, p.d.DB, scope, resScooter, scooterID, &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (p *Pins) Check(ctx context.Context, pr *authz.Principal, scooterID string) (*PinStatus, error) {
	scope, err := p.d.scope(ctx, pr, authz.Scooters)
	if err != nil {
		return nil, err
	}
	var sc model.Scooter
	if err := readScoped(ctx, p.d.DB, scope, resScooter, scooterID, &sc); err != nil {
		return nil, err
	}
	return &PinStatus{ScooterID: sc.ID, HasPin: sc.PinHash != "", PinSetAt: sc.PinSetAt}, nil
}

// Set replaces the scooter's PIN. Only the current owner may choose it.
func (p *Pins) Set(ctx context.Context, pr *authz.Principal, scooterID, pin string) (*PinStatus, error) {
	if !pinPattern.MatchString(pin) {
		return nil, apperr.Validation("pin must be exactly 6 digits")
	}
	sc, err := p.load(ctx, pr, scooterID)
	if err != nil {
		return nil, err
	}
	owner, err := currentOwner(ctx, p.d.DB, sc.ID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if owner != pr.ID {
		return nil, apperr.Forbidden("only the scooter's owner can set its pin")
	}
	now := p.d.Now()
	if err := p.storePin(p.d.DB.WithContext(ctx), sc.ID, pin, now); err != nil {
		return nil, err
	}
	return &PinStatus{ScooterID: sc.ID, HasPin: true, PinSetAt: &now}, nil
}

func (p *Pins) storePin(db *gorm.DB, scooterID, pin string, now time.Time) error {
	hash, err := p.d.Hasher.Hash(pin)
	if err != nil {
		return apperr.Internal(err)
	}
	if err := db.Model(&model.Scooter{}).Where("id = ?", scooterID).
		Updates(map[string]any{"pin_hash": hash, "pin_set_at": now, "updated_at": now}).Error; err != nil {
		return apperr.Internal(fmt.Errorf("store pin: %w", err))
	}
	return nil
}

// Verify compares pin with the stored one. Failed attempts per scooter
// are limited; successful ones do not count.
func (p *Pins) Verify(ctx context.Context, pr *authz.Principal, scooterID, pin string) (bool, error) {
	if pin == "" {
		return false, apperr.Validation("pin is required")
	}
	sc, err := p.load(ctx, pr, scooterID)
	if err != nil {
		return false, err
	}
	if sc.PinHash == "" {
		return false, apperr.NotFound("pin")
	}
	lim := lifecycle.Limit{Kind: limitKindPinFailure, Max: maxPinFailures, Window: pinFailureWindow}
	if err := p.d.Limiter.Check(ctx, lim, sc.ID); err != nil {
		return false, err
	}
	if p.d.Hasher.Verify(pin, sc.PinHash) {
		return true, nil
	}
	if err := p.d.Limiter.Record(ctx, lim, sc.ID); err != nil {
		return false, err
	}
	return false, nil
}

// Clear removes the PIN. Used by support staff when an owner is locked out.
func (p *Pins) Clear(ctx context.Context, pr *authz.Principal, scooterID string) error {
	if !authz.HasAny(pr, authz.ManufacturerAdmin, authz.DistributorStaff) {
		return apperr.Forbidden("only administrators and distributor staff can clear a pin")
	}
	sc, err := p.load(ctx, pr, scooterID)
	if err != nil {
		return err
	}
	if err := p.d.DB.WithContext(ctx).Model(&model.Scooter{}).Where("id = ?", sc.ID).
		Updates(map[string]any{"pin_hash": "", "pin_set_at": nil, "updated_at": p.d.Now()}).Error; err != nil {
		return apperr.Internal(fmt.Errorf("clear pin: %w", err))
	}
	return nil
}

// RequestRecovery mails a PIN reset link to the scooter's current owner.
// Any mismatch between email and scooter succeeds silently, as does a
// failed send, so the answer never reveals who owns what.
func (p *Pins) RequestRecovery(ctx context.Context, email, scooterID string) error {
	email = normalizeEmail(email)
	if email == "" || scooterID == "" {
		return apperr.Validation("email and scooter_id are required")
	}
	lim := lifecycle.Limit{Kind: limitKindPinRecovery, Max: p.d.Limits.ResetPerHour, Window: time.Hour}
	if err := p.d.Limiter.Allow(ctx, lim, email); err != nil {
		return err
	}

	var u model.User
	err := p.d.DB.WithContext(ctx).First(&u, "email = ?", email).Error
	if store.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return apperr.Internal(fmt.Errorf("find user: %w", err))
	}
	if !u.IsActive {
		return nil
	}
	owner, err := currentOwner(ctx, p.d.DB, scooterID)
	if err != nil {
		return apperr.Internal(err)
	}
	if owner != u.ID {
		return nil
	}
	var sc model.Scooter
	if err := p.d.DB.WithContext(ctx).Select("id", "zyd_serial").First(&sc, "id = ?", scooterID).Error; err != nil {
		return apperr.Internal(fmt.Errorf("find scooter: %w", err))
	}

	secret, err := auth.NewToken()
	if err != nil {
		return apperr.Internal(err)
	}
	if _, err := p.d.Tokens.IssueForScooter(ctx, u.ID, sc.ID, model.PurposePinReset, secret, p.d.Auth.ResetTTL); err != nil {
		return apperr.Internal(err)
	}
	if err := p.d.Mailer.Send(ctx, mail.PinReset(u.Email, p.d.AppURL, sc.ZydSerial, secret)); err != nil {
		p.d.Log.WarnContext(ctx, "pin recovery email failed", "user_id", u.ID, "scooter_id", sc.ID, "error", err)
	}
	return nil
}

// Reset consumes a recovery token and sets a new PIN. The token dies with
// the ownership it was issued for.
func (p *Pins) Reset(ctx context.Context, token, pin string) error {
	if token == "" {
		return lifecycle.InvalidToken()
	}
	if !pinPattern.MatchString(pin) {
		return apperr.Validation("pin must be exactly 6 digits")
	}
	_, err := p.d.Tokens.Consume(ctx, model.PurposePinReset, token, nil,
		func(tx *gorm.DB, tok *model.UserToken) error {
			if tok.ScooterID == nil {
				return lifecycle.InvalidToken()
			}
			owner, err := currentOwner(ctx, tx, *tok.ScooterID)
			if err != nil {
				return err
			}
			if owner != tok.UserID {
				return lifecycle.InvalidToken()
			}
			return p.storePin(tx, *tok.ScooterID, pin, p.d.Now())
		})
	transitionOutcome("pin_reset", string(lifecycle.TokenConsumed), err)
	return err
}
