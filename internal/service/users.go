package service

import (
	"context"
	"fmt"

	"github.com/d9705996/fleetd/internal/apperr"
	"github.com/d9705996/fleetd/internal/authz"
	"github.com/d9705996/fleetd/internal/model"
)

// Users reads user records within the caller's territory.
type Users struct {
	d Deps
}

func NewUsers(d Deps) *Users {
	return &Users{d: d}
}

func (u *Users) List(ctx context.Context, p *authz.Principal, page Page) ([]model.User, error) {
	scope, err := u.d.listScope(ctx, p, authz.Users)
	if err != nil {
		return nil, err
	}
	out := []model.User{}
	if scope.Empty() {
		return out, nil
	}
	if err := u.d.DB.WithContext(ctx).Scopes(scope.Apply, page.apply).
		Order("email").Find(&out).Error; err != nil {
		return nil, apperr.Internal(fmt.Errorf("list users: %w", err))
	}
	return out, nil
}

func (u *Users) Get(ctx context.Context, p *authz.Principal, id string) (*model.User, error) {
	scope, err := u.d.scope(ctx, p, authz.Users)
	if err != nil {
		return nil, err
	}
	var out model.User
	if err := readScoped(ctx, u.d.DB, scope, "user", id, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
