package authz

import (
	"context"
	"fmt"

	"github.com/d9705996/fleetd/internal/model"
	"github.com/d9705996/fleetd/internal/store"
	"gorm.io/gorm"
)

// GormDirectory implements Directory over the record store.
type GormDirectory struct {
	db *gorm.DB
}

// NewDirectory returns a Directory backed by db.
func NewDirectory(db *gorm.DB) *GormDirectory {
	return &GormDirectory{db: db}
}

func (d *GormDirectory) ActiveWorkshopIDs(ctx context.Context, distributorID string) ([]string, error) {
	ids := []string{}
	err := d.db.WithContext(ctx).Model(&model.Workshop{}).
		Where("parent_distributor_id = ? AND is_active = ?", distributorID, true).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list workshops: %w", err)
	}
	return ids, nil
}

func (d *GormDirectory) Workshop(ctx context.Context, workshopID string) (*WorkshopRef, error) {
	var w model.Workshop
	err := d.db.WithContext(ctx).Select("id", "is_active", "parent_distributor_id").
		First(&w, "id = ?", workshopID).Error
	if store.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workshop: %w", err)
	}
	return &WorkshopRef{Active: w.IsActive, ParentDistributorID: w.ParentDistributorID}, nil
}

// OwnedScooterIDs lists scooters userID currently owns. Ended links do not
// count.
func (d *GormDirectory) OwnedScooterIDs(ctx context.Context, userID string) ([]string, error) {
	ids := []string{}
	err := d.db.WithContext(ctx).Model(&model.UserScooter{}).
		Where("user_id = ? AND unregistered_at IS NULL", userID).
		Pluck("scooter_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list owned scooters: %w", err)
	}
	return ids, nil
}
