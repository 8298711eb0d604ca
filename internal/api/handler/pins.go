package handler

import (
	"context"
	"net/http"

	"github.com/d9705996/fleetd/internal/api/action"
	"github.com/d9705996/fleetd/internal/service"
)

// PinsHandler serves the user-pin endpoint.
type PinsHandler struct {
	pins *service.Pins
}

// NewPinsHandler creates a PinsHandler.
func NewPinsHandler(pins *service.Pins) *PinsHandler {
	return &PinsHandler{pins: pins}
}

func (h *PinsHandler) Actions() map[string]action.Action {
	return map[string]action.Action{
		"check-pin":        {Handle: h.check},
		"set-pin":          {Handle: h.set},
		"verify-pin":       {Handle: h.verify},
		"clear-pin":        {Handle: h.clear},
		"request-recovery": {Public: true, Handle: h.requestRecovery},
		"reset-pin":        {Public: true, Handle: h.reset},
	}
}

type pinBody struct {
	ScooterID string `json:"scooter_id"`
	Pin       string `json:"pin"`
	Email     string `json:"email"`
	Token     string `json:"token"`
}

func (h *PinsHandler) check(ctx context.Context, c *action.Call) (int, any, error) {
	var in pinBody
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	st, err := h.pins.Check(ctx, c.Principal, in.ScooterID)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, st, nil
}

func (h *PinsHandler) set(ctx context.Context, c *action.Call) (int, any, error) {
	var in pinBody
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	st, err := h.pins.Set(ctx, c.Principal, in.ScooterID, in.Pin)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, st, nil
}

func (h *PinsHandler) verify(ctx context.Context, c *action.Call) (int, any, error) {
	var in pinBody
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	ok, err := h.pins.Verify(ctx, c.Principal, in.ScooterID, in.Pin)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]any{"valid": ok}, nil
}

func (h *PinsHandler) clear(ctx context.Context, c *action.Call) (int, any, error) {
	var in pinBody
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	if err := h.pins.Clear(ctx, c.Principal, in.ScooterID); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, message("pin cleared"), nil
}

func (h *PinsHandler) requestRecovery(ctx context.Context, c *action.Call) (int, any, error) {
	var in pinBody
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	if err := h.pins.RequestRecovery(ctx, in.Email, in.ScooterID); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, message("if the scooter is registered to that address, a recovery link has been sent"), nil
}

func (h *PinsHandler) reset(ctx context.Context, c *action.Call) (int, any, error) {
	var in pinBody
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	if err := h.pins.Reset(ctx, in.Token, in.Pin); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, message("pin updated"), nil
}
