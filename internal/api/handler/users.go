package handler

import (
	"context"
	"net/http"

	"github.com/d9705996/fleetd/internal/api/action"
	"github.com/d9705996/fleetd/internal/service"
)

// UsersHandler serves the users endpoint.
type UsersHandler struct {
	users *service.Users
}

// NewUsersHandler creates a UsersHandler.
func NewUsersHandler(users *service.Users) *UsersHandler {
	return &UsersHandler{users: users}
}

func (h *UsersHandler) Actions() map[string]action.Action {
	return map[string]action.Action{
		"list": {Handle: h.list},
		"get":  {Handle: h.get},
	}
}

func (h *UsersHandler) list(ctx context.Context, c *action.Call) (int, any, error) {
	var in pageBody
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	users, err := h.users.List(ctx, c.Principal, in.page())
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]any{"users": users}, nil
}

func (h *UsersHandler) get(ctx context.Context, c *action.Call) (int, any, error) {
	var in struct {
		UserID string `json:"user_id"`
	}
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	u, err := h.users.Get(ctx, c.Principal, in.UserID)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]any{"user": u}, nil
}
