package service

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/d9705996/fleetd/internal/apperr"
	"github.com/d9705996/fleetd/internal/authz"
	"github.com/d9705996/fleetd/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var platforms = []string{"android", "ios", "web"}

// Devices keeps the push registrations of users' phones.
type Devices struct {
	d Deps
}

func NewDevices(d Deps) *Devices {
	return &Devices{d: d}
}

// DeviceInput is one device's registration.
type DeviceInput struct {
	Fingerprint string
	FCMToken    string
	Name        string
	Platform    string
	AppVersion  string
}

// Register stores or refreshes the caller's registration for a device. A
// push token can belong to one account only: signing in on a phone takes
// it from whoever used the phone before.
func (dv *Devices) Register(ctx context.Context, p *authz.Principal, in DeviceInput) (*model.DeviceToken, error) {
	in.Fingerprint = strings.TrimSpace(in.Fingerprint)
	in.FCMToken = strings.TrimSpace(in.FCMToken)
	in.Platform = strings.ToLower(strings.TrimSpace(in.Platform))
	if in.Fingerprint == "" || in.FCMToken == "" {
		return nil, apperr.Validation("device_fingerprint and fcm_token are required")
	}
	if in.Platform != "" && !slices.Contains(platforms, in.Platform) {
		return nil, apperr.Validation("platform must be one of " + strings.Join(platforms, ", "))
	}

	now := dv.d.Now()
	row := &model.DeviceToken{
		UserID:            p.ID,
		DeviceFingerprint: in.Fingerprint,
		FCMToken:          in.FCMToken,
		DeviceName:        strings.TrimSpace(in.Name),
		Platform:          in.Platform,
		AppVersion:        strings.TrimSpace(in.AppVersion),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	var out model.DeviceToken
	err := dv.d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("fcm_token = ? AND user_id <> ?", in.FCMToken, p.ID).
			Delete(&model.DeviceToken{}).Error; err != nil {
			return fmt.Errorf("release push token: %w", err)
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "device_fingerprint"}},
			DoUpdates: clause.AssignmentColumns([]string{"fcm_token", "device_name", "platform", "app_version", "updated_at"}),
		}).Create(row).Error; err != nil {
			return fmt.Errorf("upsert device: %w", err)
		}
		// On conflict the generated id is not the stored one.
		return tx.First(&out, "user_id = ? AND device_fingerprint = ?", p.ID, in.Fingerprint).Error
	})
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return &out, nil
}

func (dv *Devices) List(ctx context.Context, p *authz.Principal) ([]model.DeviceToken, error) {
	out := []model.DeviceToken{}
	if err := dv.d.DB.WithContext(ctx).Where("user_id = ?", p.ID).
		Order("updated_at DESC").Find(&out).Error; err != nil {
		return nil, apperr.Internal(fmt.Errorf("list devices: %w", err))
	}
	return out, nil
}

// Unregister forgets one of the caller's devices, typically at logout.
func (dv *Devices) Unregister(ctx context.Context, p *authz.Principal, fingerprint string) error {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return apperr.Validation("device_fingerprint is required")
	}
	res := dv.d.DB.WithContext(ctx).
		Where("user_id = ? AND device_fingerprint = ?", p.ID, fingerprint).
		Delete(&model.DeviceToken{})
	if res.Error != nil {
		return apperr.Internal(fmt.Errorf("delete device: %w", res.Error))
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("device")
	}
	return nil
}

// DeviceDirectory answers push token lookups for outbound notifications.
// It only needs the database, so it can be built before Deps.
type DeviceDirectory struct {
	db *gorm.DB
}

func NewDeviceDirectory(db *gorm.DB) *DeviceDirectory {
	return &DeviceDirectory{db: db}
}

// PushTokens returns the push tokens registered for userID.
func (dd *DeviceDirectory) PushTokens(ctx context.Context, userID string) ([]string, error) {
	var out []string
	if err := dd.db.WithContext(ctx).Model(&model.DeviceToken{}).
		Where("user_id = ?", userID).Pluck("fcm_token", &out).Error; err != nil {
		return nil, fmt.Errorf("list push tokens: %w", err)
	}
	return out, nil
}
