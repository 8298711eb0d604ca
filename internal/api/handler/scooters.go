package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/d9705996/fleetd/internal/api/action"
	"github.com/d9705996/fleetd/internal/service"
)

// ScootersHandler serves the scooters endpoint.
type ScootersHandler struct {
	scooters *service.Scooters
}

// NewScootersHandler creates a ScootersHandler.
func NewScootersHandler(scooters *service.Scooters) *ScootersHandler {
	return &ScootersHandler{scooters: scooters}
}

func (h *ScootersHandler) Actions() map[string]action.Action {
	return map[string]action.Action{
		"get-or-create":       {Handle: h.getOrCreate},
		"get":                 {Handle: h.get},
		"list":                {Handle: h.list},
		"link-user":           {Handle: h.linkUser},
		"unlink-user":         {Handle: h.unlinkUser},
		"update-version":      {Handle: h.updateVersion},
		"request-diagnostic":  {Handle: h.requestDiagnostic},
		"clear-diagnostic":    {Handle: h.clearDiagnostic},
		"create-ride-session": {Handle: h.createRideSession},
	}
}

type scooterBody struct {
	ScooterID string `json:"scooter_id"`
	UserID    string `json:"user_id"`
	ZydSerial string `json:"zyd_serial"`
	Model     string `json:"model"`
	Nickname  string `json:"nickname"`

	ControllerHW string `json:"controller_hw_version"`
	ControllerSW string `json:"controller_sw_version"`
	BMSSW        string `json:"bms_sw_version"`

	Reason      string         `json:"reason"`
	Constraints map[string]any `json:"constraints"`
	Declined    bool           `json:"declined"`
}

func (h *ScootersHandler) getOrCreate(ctx context.Context, c *action.Call) (int, any, error) {
	var in scooterBody
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	id, created, err := h.scooters.GetOrCreate(ctx, c.Principal, in.ZydSerial, in.Model)
	if err != nil {
		return 0, nil, err
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return status, map[string]any{"id": id}, nil
}

func (h *ScootersHandler) get(ctx context.Context, c *action.Call) (int, any, error) {
	var in scooterBody
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	sc, err := h.scooters.Get(ctx, c.Principal, in.ScooterID)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]any{"scooter": sc}, nil
}

func (h *ScootersHandler) list(ctx context.Context, c *action.Call) (int, any, error) {
	var in pageBody
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	scs, err := h.scooters.List(ctx, c.Principal, in.page())
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]any{"scooters": scs}, nil
}

func (h *ScootersHandler) linkUser(ctx context.Context, c *action.Call) (int, any, error) {
	var in scooterBody
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	us, err := h.scooters.LinkUser(ctx, c.Principal, in.ScooterID, in.UserID, in.Nickname)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, map[string]any{"link": us}, nil
}

func (h *ScootersHandler) unlinkUser(ctx context.Context, c *action.Call) (int, any, error) {
	var in scooterBody
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	if err := h.scooters.UnlinkUser(ctx, c.Principal, in.ScooterID); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, message("scooter unlinked"), nil
}

func (h *ScootersHandler) updateVersion(ctx context.Context, c *action.Call) (int, any, error) {
	var in scooterBody
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	sc, err := h.scooters.UpdateVersion(ctx, c.Principal, in.ScooterID, service.Versions{
		ControllerHW: in.ControllerHW,
		ControllerSW: in.ControllerSW,
		BMSSW:        in.BMSSW,
	})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]any{"scooter": sc}, nil
}

func (h *ScootersHandler) requestDiagnostic(ctx context.Context, c *action.Call) (int, any, error) {
	var in scooterBody
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	sc, err := h.scooters.RequestDiagnostic(ctx, c.Principal, in.ScooterID, in.Reason, in.Constraints)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]any{"scooter": sc}, nil
}

func (h *ScootersHandler) clearDiagnostic(ctx context.Context, c *action.Call) (int, any, error) {
	var in scooterBody
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	sc, err := h.scooters.ClearDiagnostic(ctx, c.Principal, in.ScooterID, in.Declined)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]any{"scooter": sc}, nil
}

type sampleBody struct {
	RecordedAt     time.Time `json:"recorded_at"`
	SpeedKmh       float64   `json:"speed_kmh"`
	BatteryPercent int       `json:"battery_percent"`
	MotorTempC     float64   `json:"motor_temp_c"`
	FaultCode      string    `json:"fault_code"`
}

type rideBody struct {
	ScooterID   string       `json:"scooter_id"`
	TriggerType string       `json:"trigger_type"`
	StartedAt   time.Time    `json:"started_at"`
	EndedAt     *time.Time   `json:"ended_at"`
	Samples     []sampleBody `json:"samples"`
}

func (h *ScootersHandler) createRideSession(ctx context.Context, c *action.Call) (int, any, error) {
	var in rideBody
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	samples := make([]service.Sample, len(in.Samples))
	for i, s := range in.Samples {
		samples[i] = service.Sample(s)
	}
	rs, err := h.scooters.CreateRideSession(ctx, c.Principal, in.ScooterID, service.RideInput{
		TriggerType: in.TriggerType,
		StartedAt:   in.StartedAt,
		EndedAt:     in.EndedAt,
		Samples:     samples,
	})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, map[string]any{"ride_session": rs}, nil
}
