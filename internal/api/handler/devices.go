package handler

import (
	"context"
	"net/http"

	"github.com/d9705996/fleetd/internal/api/action"
	"github.com/d9705996/fleetd/internal/service"
)

// DevicesHandler serves the register-device endpoint.
type DevicesHandler struct {
	devices *service.Devices
}

// NewDevicesHandler creates a DevicesHandler.
func NewDevicesHandler(devices *service.Devices) *DevicesHandler {
	return &DevicesHandler{devices: devices}
}

func (h *DevicesHandler) Actions() map[string]action.Action {
	return map[string]action.Action{
		"register":   {Handle: h.register},
		"unregister": {Handle: h.unregister},
		"list":       {Handle: h.list},
	}
}

type deviceBody struct {
	Fingerprint string `json:"device_fingerprint"`
	FCMToken    string `json:"fcm_token"`
	Name        string `json:"device_name"`
	Platform    string `json:"platform"`
	AppVersion  string `json:"app_version"`
}

func (h *DevicesHandler) register(ctx context.Context, c *action.Call) (int, any, error) {
	var in deviceBody
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	dev, err := h.devices.Register(ctx, c.Principal, service.DeviceInput{
		Fingerprint: in.Fingerprint,
		FCMToken:    in.FCMToken,
		Name:        in.Name,
		Platform:    in.Platform,
		AppVersion:  in.AppVersion,
	})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]any{"device": dev}, nil
}

func (h *DevicesHandler) unregister(ctx context.Context, c *action.Call) (int, any, error) {
	var in deviceBody
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	if err := h.devices.Unregister(ctx, c.Principal, in.Fingerprint); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, message("device unregistered"), nil
}

func (h *DevicesHandler) list(ctx context.Context, c *action.Call) (int, any, error) {
	devs, err := h.devices.List(ctx, c.Principal)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]any{"devices": devs}, nil
}
