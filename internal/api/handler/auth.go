// Package handler contains the per-endpoint action tables.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/d9705996/fleetd/internal/api/action"
	"github.com/d9705996/fleetd/internal/api/respond"
	"github.com/d9705996/fleetd/internal/auth"
	"github.com/d9705996/fleetd/internal/service"
)

// AuthHandler serves login, logout, session validation, registration and
// email verification.
type AuthHandler struct {
	accounts *service.Accounts
	log      *slog.Logger
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(accounts *service.Accounts, log *slog.Logger) *AuthHandler {
	return &AuthHandler{accounts: accounts, log: log}
}

// credentials holds an email and password from a request body. The
// password field is unexported and decoded by hand to keep secrets out of
// exported struct fields.
type credentials struct {
	Email      string
	DeviceInfo string
	FirstName  string
	LastName   string
	pass       string
}

func (c *credentials) UnmarshalJSON(data []byte) error {
	obj := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	fields := map[string]*string{
		"email":       &c.Email,
		"password":    &c.pass,
		"device_info": &c.DeviceInfo,
		"first_name":  &c.FirstName,
		"last_name":   &c.LastName,
	}
	for k, dst := range fields {
		if v, ok := obj[k]; ok {
			if err := json.Unmarshal(v, dst); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *AuthHandler) Login() map[string]action.Action {
	return map[string]action.Action{"": {Public: true, Handle: h.login}}
}

func (h *AuthHandler) Logout() map[string]action.Action {
	return map[string]action.Action{"": {Handle: h.logout}}
}

func (h *AuthHandler) ValidateSession() map[string]action.Action {
	return map[string]action.Action{"": {Handle: h.validateSession}}
}

func (h *AuthHandler) Register() map[string]action.Action {
	return map[string]action.Action{"": {Public: true, Handle: h.register}}
}

func (h *AuthHandler) Verify() map[string]action.Action {
	return map[string]action.Action{"": {Public: true, Handle: h.verify}}
}

func (h *AuthHandler) ResendVerification() map[string]action.Action {
	return map[string]action.Action{"": {Public: true, Handle: h.resend}}
}

func (h *AuthHandler) login(ctx context.Context, c *action.Call) (int, any, error) {
	var in credentials
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	res, err := h.accounts.Login(ctx, in.Email, in.pass, auth.SessionMeta{
		DeviceInfo: in.DeviceInfo,
		IPAddress:  clientIP(c.Request),
	})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, res, nil
}

func (h *AuthHandler) logout(ctx context.Context, c *action.Call) (int, any, error) {
	if err := h.accounts.Logout(ctx, c.Token); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, message("logged out"), nil
}

func (h *AuthHandler) validateSession(_ context.Context, c *action.Call) (int, any, error) {
	return http.StatusOK, map[string]any{"valid": true, "user": c.Principal.View()}, nil
}

func (h *AuthHandler) register(ctx context.Context, c *action.Call) (int, any, error) {
	var in credentials
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	res, err := h.accounts.Register(ctx, service.RegisterInput{
		Email:     in.Email,
		Password:  in.pass,
		FirstName: in.FirstName,
		LastName:  in.LastName,
	})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, res, nil
}

type tokenBody struct {
	Token string `json:"token"`
}

func (h *AuthHandler) verify(ctx context.Context, c *action.Call) (int, any, error) {
	var in tokenBody
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	if err := h.accounts.Verify(ctx, in.Token); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, message("email verified"), nil
}

// VerifyLink handles GET /api/v1/verify?token=..., the link mailed on
// registration.
func (h *AuthHandler) VerifyLink(w http.ResponseWriter, r *http.Request) {
	if err := h.accounts.Verify(r.Context(), r.URL.Query().Get("token")); err != nil {
		respond.Error(w, r, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, message("email verified"))
}

type emailBody struct {
	Email string `json:"email"`
}

func (h *AuthHandler) resend(ctx context.Context, c *action.Call) (int, any, error) {
	var in emailBody
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	if err := h.accounts.ResendVerification(ctx, in.Email); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, message("if the account exists and is unverified, a new link has been sent"), nil
}
