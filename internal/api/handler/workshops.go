package handler

import (
	"context"
	"net/http"

	"github.com/d9705996/fleetd/internal/api/action"
	"github.com/d9705996/fleetd/internal/service"
)

// WorkshopsHandler serves the workshops endpoint.
type WorkshopsHandler struct {
	workshops *service.Workshops
}

// NewWorkshopsHandler creates a WorkshopsHandler.
func NewWorkshopsHandler(workshops *service.Workshops) *WorkshopsHandler {
	return &WorkshopsHandler{workshops: workshops}
}

func (h *WorkshopsHandler) Actions() map[string]action.Action {
	return map[string]action.Action{
		"list":   {Handle: h.list},
		"get":    {Handle: h.get},
		"create": {Handle: h.create},
		"update": {Handle: h.update},
		"delete": {Handle: h.delete},
	}
}

type workshopBody struct {
	WorkshopID          string  `json:"workshop_id"`
	Name                *string `json:"name"`
	Email               *string `json:"email"`
	Phone               *string `json:"phone"`
	Address             *string `json:"address"`
	ParentDistributorID *string `json:"parent_distributor_id"`
}

func (b workshopBody) input() service.WorkshopInput {
	return service.WorkshopInput{
		Name:                b.Name,
		Email:               b.Email,
		Phone:               b.Phone,
		Address:             b.Address,
		ParentDistributorID: b.ParentDistributorID,
	}
}

func (h *WorkshopsHandler) list(ctx context.Context, c *action.Call) (int, any, error) {
	var in pageBody
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	ws, err := h.workshops.List(ctx, c.Principal, in.page())
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]any{"workshops": ws}, nil
}

func (h *WorkshopsHandler) get(ctx context.Context, c *action.Call) (int, any, error) {
	var in workshopBody
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	ws, err := h.workshops.Get(ctx, c.Principal, in.WorkshopID)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]any{"workshop": ws}, nil
}

func (h *WorkshopsHandler) create(ctx context.Context, c *action.Call) (int, any, error) {
	var in workshopBody
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	ws, err := h.workshops.Create(ctx, c.Principal, in.input())
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, map[string]any{"workshop": ws}, nil
}

func (h *WorkshopsHandler) update(ctx context.Context, c *action.Call) (int, any, error) {
	var in workshopBody
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	ws, err := h.workshops.Update(ctx, c.Principal, in.WorkshopID, in.input())
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]any{"workshop": ws}, nil
}

func (h *WorkshopsHandler) delete(ctx context.Context, c *action.Call) (int, any, error) {
	var in workshopBody
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	if err := h.workshops.Delete(ctx, c.Principal, in.WorkshopID); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, message("workshop deactivated"), nil
}
