package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/d9705996/fleetd/internal/apperr"
	"github.com/d9705996/fleetd/internal/authz"
	"github.com/d9705996/fleetd/internal/lifecycle"
	"github.com/d9705996/fleetd/internal/model"
	"github.com/d9705996/fleetd/internal/store"
	"gorm.io/gorm"
)

const (
	resScooter         = "scooter"
	diagnosticResource = "diagnostic"

	// TriggerDiagnostic marks a ride recording made for a diagnostic request.
	TriggerDiagnostic = "diagnostic"
)

// Scooters manages vehicles, their diagnostic requests and ride uploads.
type Scooters struct {
	d Deps
}

func NewScooters(d Deps) *Scooters {
	return &Scooters{d: d}
}

// GetOrCreate returns the id of the scooter with serial, creating it on
// first sight. Two concurrent first sightings converge on one row. The
// caller may be outside the scooter's territory, so nothing but the id is
// returned.
func (s *Scooters) GetOrCreate(ctx context.Context, p *authz.Principal, serial, modelName string) (string, bool, error) {
	serial = strings.ToUpper(strings.TrimSpace(serial))
	if serial == "" {
		return "", false, apperr.Validation("zyd_serial is required")
	}
	now := s.d.Now()
	sc := &model.Scooter{
		ZydSerial:     serial,
		Model:         modelName,
		DistributorID: p.DistributorID,
		Status:        model.ScooterActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	created, err := store.InsertOrFetch(ctx, s.d.DB, sc, map[string]any{"zyd_serial": serial})
	if err != nil {
		return "", false, apperr.Internal(err)
	}
	return sc.ID, created, nil
}

func (s *Scooters) Get(ctx context.Context, p *authz.Principal, id string) (*model.Scooter, error) {
	scope, err := s.d.scope(ctx, p, authz.Scooters)
	if err != nil {
		return nil, err
	}
	var sc model.Scooter
	if err := readScoped(ctx, s.d.DB, scope, resScooter, id, &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *Scooters) List(ctx context.Context, p *authz.Principal, page Page) ([]model.Scooter, error) {
	scope, err := s.d.listScope(ctx, p, authz.Scooters)
	if err != nil {
		return nil, err
	}
	out := []model.Scooter{}
	if scope.Empty() {
		return out, nil
	}
	if err := s.d.DB.WithContext(ctx).Scopes(scope.Apply, page.apply).
		Order("zyd_serial").Find(&out).Error; err != nil {
		return nil, apperr.Internal(fmt.Errorf("list scooters: %w", err))
	}
	return out, nil
}

// LinkUser makes userID the owner of an unowned scooter. Only
// administrators and distributor staff inside the scooter's territory may
// link; a scooter with an owner must be unlinked first.
func (s *Scooters) LinkUser(ctx context.Context, p *authz.Principal, scooterID, userID, nickname string) (*model.UserScooter, error) {
	sc, err := s.loadForOwnership(ctx, p, scooterID)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, apperr.Validation("user_id is required")
	}
	var u model.User
	err = s.d.DB.WithContext(ctx).Select("id", "is_active").First(&u, "id = ?", userID).Error
	if store.IsNotFound(err) {
		return nil, apperr.NotFound("user")
	}
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("find user: %w", err))
	}
	if !u.IsActive {
		return nil, apperr.Validation("cannot link a disabled account")
	}

	owner, err := currentOwner(ctx, s.d.DB, sc.ID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if owner != "" {
		return nil, apperr.Conflict("scooter already has an owner, unlink it first")
	}
	us := &model.UserScooter{UserID: u.ID, ScooterID: sc.ID, Nickname: strings.TrimSpace(nickname), RegisteredAt: s.d.Now()}
	err = s.d.DB.WithContext(ctx).Create(us).Error
	if store.IsUniqueViolation(err) {
		return nil, apperr.Conflict("scooter already has an owner, unlink it first")
	}
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("link scooter: %w", err))
	}
	return us, nil
}

// UnlinkUser ends the scooter's current ownership. The owner's PIN goes
// with it.
func (s *Scooters) UnlinkUser(ctx context.Context, p *authz.Principal, scooterID string) error {
	sc, err := s.loadForOwnership(ctx, p, scooterID)
	if err != nil {
		return err
	}
	now := s.d.Now()
	return s.d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.UserScooter{}).
			Where("scooter_id = ? AND unregistered_at IS NULL", sc.ID).
			Update("unregistered_at", now)
		if res.Error != nil {
			return apperr.Internal(fmt.Errorf("unlink scooter: %w", res.Error))
		}
		if res.RowsAffected == 0 {
			return apperr.NotFound("scooter owner")
		}
		if err := tx.Model(&model.Scooter{}).Where("id = ?", sc.ID).
			Updates(map[string]any{"pin_hash": "", "pin_set_at": nil, "updated_at": now}).Error; err != nil {
			return apperr.Internal(fmt.Errorf("clear pin: %w", err))
		}
		return nil
	})
}

func (s *Scooters) loadForOwnership(ctx context.Context, p *authz.Principal, scooterID string) (*model.Scooter, error) {
	if !authz.HasAny(p, authz.ManufacturerAdmin, authz.DistributorStaff) {
		return nil, apperr.Forbidden("only administrators and distributor staff can change scooter ownership")
	}
	scope, err := s.d.scope(ctx, p, authz.Scooters)
	if err != nil {
		return nil, err
	}
	var sc model.Scooter
	if err := loadForWrite(ctx, s.d.DB, scope, resScooter, scooterID, &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Versions are firmware and hardware versions reported by a connected
// scooter. Empty fields are left unchanged.
type Versions struct {
	ControllerHW string
	ControllerSW string
	BMSSW        string
}

// UpdateVersion stores reported versions and the connection time.
func (s *Scooters) UpdateVersion(ctx context.Context, p *authz.Principal, id string, v Versions) (*model.Scooter, error) {
	scope, err := s.d.scope(ctx, p, authz.Scooters)
	if err != nil {
		return nil, err
	}
	var sc model.Scooter
	if err := loadForWrite(ctx, s.d.DB, scope, resScooter, id, &sc); err != nil {
		return nil, err
	}
	now := s.d.Now()
	cols := map[string]any{"last_connected_at": now, "updated_at": now}
	if v.ControllerHW != "" {
		cols["controller_hw_version"] = v.ControllerHW
	}
	if v.ControllerSW != "" {
		cols["controller_sw_version"] = v.ControllerSW
	}
	if v.BMSSW != "" {
		cols["bms_sw_version"] = v.BMSSW
	}
	db := s.d.DB.WithContext(ctx)
	if err := db.Model(&model.Scooter{}).Where("id = ?", sc.ID).Updates(cols).Error; err != nil {
		return nil, apperr.Internal(fmt.Errorf("update versions: %w", err))
	}
	if err := db.First(&sc, "id = ?", sc.ID).Error; err != nil {
		return nil, apperr.Internal(fmt.Errorf("reload scooter: %w", err))
	}
	return &sc, nil
}

// RequestDiagnostic asks the scooter's owner to record a diagnostic ride.
func (s *Scooters) RequestDiagnostic(ctx context.Context, p *authz.Principal, id, reason string, constraints map[string]any) (*model.Scooter, error) {
	if !authz.HasAny(p, authz.ManufacturerAdmin) {
		return nil, apperr.Forbidden("only administrators can request diagnostics")
	}
	scope, err := s.d.scope(ctx, p, authz.Scooters)
	if err != nil {
		return nil, err
	}
	var sc model.Scooter
	if err := loadForWrite(ctx, s.d.DB, scope, resScooter, id, &sc); err != nil {
		return nil, err
	}
	cols, err := lifecycle.RequestDiagnostic(sc.Diagnostic, p, reason, constraints, s.d.Now())
	if err == nil {
		err = s.writeDiagnostic(s.d.DB.WithContext(ctx), sc.ID, false, cols)
	}
	transitionOutcome(diagnosticResource, string(lifecycle.DiagnosticRequested), err)
	if err != nil {
		return nil, err
	}

	s.notifyOwner(ctx, sc.ID, "diagnostic.requested", map[string]any{
		"scooter_id": sc.ID, "reason": strings.TrimSpace(reason),
	})
	return s.reload(ctx, sc.ID)
}

// ClearDiagnostic ends an active request. With declined set the caller
// must be the current owner; otherwise only an administrator may cancel,
// and the owner is told.
func (s *Scooters) ClearDiagnostic(ctx context.Context, p *authz.Principal, id string, declined bool) (*model.Scooter, error) {
	why := lifecycle.ClearCancelled
	if declined {
		why = lifecycle.ClearDeclined
	} else if !authz.HasAny(p, authz.ManufacturerAdmin) {
		return nil, apperr.Forbidden("only administrators can cancel diagnostic requests")
	}

	scope, err := s.d.scope(ctx, p, authz.Scooters)
	if err != nil {
		return nil, err
	}
	var sc model.Scooter
	if err := loadForWrite(ctx, s.d.DB, scope, resScooter, id, &sc); err != nil {
		return nil, err
	}
	owner, err := currentOwner(ctx, s.d.DB, sc.ID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if declined && owner != p.ID {
		return nil, apperr.Forbidden("only the scooter's owner can decline a diagnostic request")
	}

	cols, err := lifecycle.ClearDiagnostic(sc.Diagnostic, why, s.d.Now())
	if err == nil {
		err = s.writeDiagnostic(s.d.DB.WithContext(ctx), sc.ID, true, cols)
	}
	transitionOutcome(diagnosticResource, string(lifecycle.DiagnosticNone), err)
	if err != nil {
		return nil, err
	}
	if why.Notifies() {
		s.d.notifyUser(ctx, owner, "diagnostic.cancelled", map[string]any{"scooter_id": sc.ID})
	}
	return s.reload(ctx, sc.ID)
}

// writeDiagnostic applies cols only if the stored flag still equals
// requested, so two concurrent transitions cannot both succeed.
func (s *Scooters) writeDiagnostic(db *gorm.DB, id string, requested bool, cols map[string]any) error {
	cols["updated_at"] = s.d.Now()
	res := db.Model(&model.Scooter{}).
		Where("id = ? AND diagnostic_requested = ?", id, requested).
		Updates(cols)
	if res.Error != nil {
		return apperr.Internal(fmt.Errorf("update diagnostic: %w", res.Error))
	}
	if res.RowsAffected == 0 {
		return apperr.Conflict("diagnostic request was changed by another request, reload and retry")
	}
	return nil
}

func (s *Scooters) notifyOwner(ctx context.Context, scooterID, event string, payload map[string]any) {
	owner, err := currentOwner(ctx, s.d.DB, scooterID)
	if err != nil {
		s.d.Log.Warn("find scooter owner for notification failed", "scooter_id", scooterID, "error", err)
		return
	}
	s.d.notifyUser(ctx, owner, event, payload)
}

func (s *Scooters) reload(ctx context.Context, id string) (*model.Scooter, error) {
	var sc model.Scooter
	if err := s.d.DB.WithContext(ctx).First(&sc, "id = ?", id).Error; err != nil {
		return nil, apperr.Internal(fmt.Errorf("reload scooter: %w", err))
	}
	return &sc, nil
}

// Sample is one telemetry reading in an upload.
type Sample struct {
	RecordedAt     time.Time
	SpeedKmh       float64
	BatteryPercent int
	MotorTempC     float64
	FaultCode      string
}

// RideInput is an uploaded recording.
type RideInput struct {
	TriggerType string
	StartedAt   time.Time
	EndedAt     *time.Time
	Samples     []Sample
}

const maxSamples = 10000

// CreateRideSession stores a recording and its samples. A diagnostic
// recording clears an active diagnostic request in the same transaction,
// without a decline stamp or notification.
func (s *Scooters) CreateRideSession(ctx context.Context, p *authz.Principal, scooterID string, in RideInput) (*model.RideSession, error) {
	in.TriggerType = strings.TrimSpace(in.TriggerType)
	if in.TriggerType == "" {
		return nil, apperr.Validation("trigger_type is required")
	}
	if in.StartedAt.IsZero() {
		return nil, apperr.Validation("started_at is required")
	}
	if len(in.Samples) > maxSamples {
		return nil, apperr.Validation(fmt.Sprintf("at most %d samples per upload", maxSamples))
	}
	scope, err := s.d.scope(ctx, p, authz.Scooters)
	if err != nil {
		return nil, err
	}
	var sc model.Scooter
	if err := loadForWrite(ctx, s.d.DB, scope, resScooter, scooterID, &sc); err != nil {
		return nil, err
	}

	rs := &model.RideSession{
		ScooterID:   sc.ID,
		UserID:      p.ID,
		TriggerType: in.TriggerType,
		StartedAt:   in.StartedAt.UTC(),
		EndedAt:     in.EndedAt,
		SampleCount: len(in.Samples),
		CreatedAt:   s.d.Now(),
	}
	clearDiag := in.TriggerType == TriggerDiagnostic &&
		lifecycle.DiagnosticStateOf(sc.Diagnostic) == lifecycle.DiagnosticRequested

	err = s.d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(rs).Error; err != nil {
			return apperr.Internal(fmt.Errorf("create ride session: %w", err))
		}
		if len(in.Samples) > 0 {
			rows := make([]model.RideSample, len(in.Samples))
			for i, smp := range in.Samples {
				rows[i] = model.RideSample{
					RideSessionID:  rs.ID,
					Seq:            i,
					RecordedAt:     smp.RecordedAt.UTC(),
					SpeedKmh:       smp.SpeedKmh,
					BatteryPercent: smp.BatteryPercent,
					MotorTempC:     smp.MotorTempC,
					FaultCode:      smp.FaultCode,
				}
			}
			if err := tx.CreateInBatches(rows, 500).Error; err != nil {
				return apperr.Internal(fmt.Errorf("store samples: %w", err))
			}
		}
		if !clearDiag {
			return nil
		}
		cols, err := lifecycle.ClearDiagnostic(sc.Diagnostic, lifecycle.ClearCompleted, s.d.Now())
		if err != nil {
			return err
		}
		cols["updated_at"] = s.d.Now()
		// A request cancelled meanwhile leaves nothing to clear; the upload
		// still stands.
		if err := tx.Model(&model.Scooter{}).
			Where("id = ? AND diagnostic_requested = ?", sc.ID, true).
			Updates(cols).Error; err != nil {
			return apperr.Internal(fmt.Errorf("clear diagnostic: %w", err))
		}
		return nil
	})
	if clearDiag {
		transitionOutcome(diagnosticResource, string(lifecycle.DiagnosticNone), err)
	}
	if err != nil {
		return nil, apperr.As(err)
	}
	return rs, nil
}
