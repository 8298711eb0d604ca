package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/d9705996/fleetd/internal/apperr"
	"github.com/d9705996/fleetd/internal/authz"
	"github.com/d9705996/fleetd/internal/model"
)

const resWorkshop = "workshop"

// Workshops manages service locations.
type Workshops struct {
	d Deps
}

func NewWorkshops(d Deps) *Workshops {
	return &Workshops{d: d}
}

// List returns the active workshops in the caller's territory.
func (w *Workshops) List(ctx context.Context, p *authz.Principal, page Page) ([]model.Workshop, error) {
	scope, err := w.d.listScope(ctx, p, authz.Workshops)
	if err != nil {
		return nil, err
	}
	out := []model.Workshop{}
	if scope.Empty() {
		return out, nil
	}
	err = w.d.DB.WithContext(ctx).Scopes(scope.Apply, page.apply).
		Where("is_active = ?", true).
		Order("name").
		Find(&out).Error
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("list workshops: %w", err))
	}
	return out, nil
}

func (w *Workshops) Get(ctx context.Context, p *authz.Principal, id string) (*model.Workshop, error) {
	scope, err := w.d.scope(ctx, p, authz.Workshops)
	if err != nil {
		return nil, err
	}
	var ws model.Workshop
	if err := readScoped(ctx, w.d.DB, scope, resWorkshop, id, &ws); err != nil {
		return nil, err
	}
	return &ws, nil
}

// WorkshopInput is the body of create and update. Nil fields are left
// unchanged on update.
type WorkshopInput struct {
	Name                *string
	Email               *string
	Phone               *string
	Address             *string
	ParentDistributorID *string
}

// Create adds a workshop. Distributor staff always create under their own
// distributor.
func (w *Workshops) Create(ctx context.Context, p *authz.Principal, in WorkshopInput) (*model.Workshop, error) {
	if !authz.HasAny(p, authz.ManufacturerAdmin, authz.DistributorStaff) {
		return nil, apperr.Forbidden("only administrators and distributors can create workshops")
	}
	if in.Name == nil || strings.TrimSpace(*in.Name) == "" {
		return nil, apperr.Validation("name is required")
	}
	parent := in.ParentDistributorID
	if !p.Roles.Has(authz.ManufacturerAdmin) {
		if p.DistributorID == nil {
			return nil, apperr.Forbidden("no distributor affiliation")
		}
		parent = p.DistributorID
	}
	now := w.d.Now()
	ws := &model.Workshop{
		Name:                strings.TrimSpace(*in.Name),
		Email:               deref(in.Email),
		Phone:               deref(in.Phone),
		Address:             deref(in.Address),
		ParentDistributorID: parent,
		IsActive:            true,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := w.d.DB.WithContext(ctx).Create(ws).Error; err != nil {
		return nil, apperr.Internal(fmt.Errorf("create workshop: %w", err))
	}
	return ws, nil
}

// Update edits a workshop in the caller's territory. Only administrators
// may move a workshop to another distributor.
func (w *Workshops) Update(ctx context.Context, p *authz.Principal, id string, in WorkshopInput) (*model.Workshop, error) {
	scope, err := w.d.scope(ctx, p, authz.Workshops)
	if err != nil {
		return nil, err
	}
	var ws model.Workshop
	if err := loadForWrite(ctx, w.d.DB, scope, resWorkshop, id, &ws); err != nil {
		return nil, err
	}

	cols := map[string]any{"updated_at": w.d.Now()}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, apperr.Validation("name cannot be empty")
		}
		cols["name"] = name
	}
	if in.Email != nil {
		cols["email"] = *in.Email
	}
	if in.Phone != nil {
		cols["phone"] = *in.Phone
	}
	if in.Address != nil {
		cols["address"] = *in.Address
	}
	if in.ParentDistributorID != nil && deref(ws.ParentDistributorID) != *in.ParentDistributorID {
		if !p.Roles.Has(authz.ManufacturerAdmin) {
			return nil, apperr.Forbidden("only administrators can change a workshop's distributor")
		}
		if *in.ParentDistributorID == "" {
			cols["parent_distributor_id"] = nil
		} else {
			cols["parent_distributor_id"] = *in.ParentDistributorID
		}
	}

	db := w.d.DB.WithContext(ctx)
	if err := db.Model(&model.Workshop{}).Where("id = ?", ws.ID).Updates(cols).Error; err != nil {
		return nil, apperr.Internal(fmt.Errorf("update workshop: %w", err))
	}
	if err := db.First(&ws, "id = ?", ws.ID).Error; err != nil {
		return nil, apperr.Internal(fmt.Errorf("reload workshop: %w", err))
	}
	return &ws, nil
}

// Delete deactivates a workshop. Rows are never removed.
func (w *Workshops) Delete(ctx context.Context, p *authz.Principal, id string) error {
	if !authz.HasAny(p, authz.ManufacturerAdmin) {
		return apperr.Forbidden("only administrators can delete workshops")
	}
	res := w.d.DB.WithContext(ctx).Model(&model.Workshop{}).Where("id = ?", id).
		Updates(map[string]any{"is_active": false, "updated_at": w.d.Now()})
	if res.Error != nil {
		return apperr.Internal(fmt.Errorf("deactivate workshop: %w", res.Error))
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound(resWorkshop)
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
