package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/d9705996/fleetd/internal/api/action"
	"github.com/d9705996/fleetd/internal/service"
)

// CredentialsHandler serves password reset, password change and email
// change.
type CredentialsHandler struct {
	creds *service.Credentials
}

// NewCredentialsHandler creates a CredentialsHandler.
func NewCredentialsHandler(creds *service.Credentials) *CredentialsHandler {
	return &CredentialsHandler{creds: creds}
}

func (h *CredentialsHandler) PasswordReset() map[string]action.Action {
	return map[string]action.Action{
		"request": {Public: true, Handle: h.requestReset},
		"reset":   {Public: true, Handle: h.reset},
		"change":  {Handle: h.change},
	}
}

func (h *CredentialsHandler) ChangeEmail() map[string]action.Action {
	return map[string]action.Action{
		"request": {Handle: h.requestEmailChange},
		"verify":  {Handle: h.verifyEmailChange},
	}
}

// passwordBody is decoded by hand for the same reason as credentials.
type passwordBody struct {
	Token   string
	current string
	next    string
}

func (b *passwordBody) UnmarshalJSON(data []byte) error {
	obj := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	fields := map[string]*string{
		"token":            &b.Token,
		"current_password": &b.current,
		"new_password":     &b.next,
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

func (h *CredentialsHandler) requestReset(ctx context.Context, c *action.Call) (int, any, error) {
	var in emailBody
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	if err := h.creds.RequestReset(ctx, in.Email); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, message("if the account exists, a reset link has been sent"), nil
}

func (h *CredentialsHandler) reset(ctx context.Context, c *action.Call) (int, any, error) {
	var in passwordBody
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	if err := h.creds.ResetPassword(ctx, in.Token, in.next); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, message("password updated"), nil
}

func (h *CredentialsHandler) change(ctx context.Context, c *action.Call) (int, any, error) {
	var in passwordBody
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	if err := h.creds.ChangePassword(ctx, c.Principal, in.current, in.next); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, message("password updated"), nil
}

type emailChangeBody struct {
	NewEmail string `json:"new_email"`
	Code     string `json:"code"`
}

func (h *CredentialsHandler) requestEmailChange(ctx context.Context, c *action.Call) (int, any, error) {
	var in emailChangeBody
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	if err := h.creds.RequestEmailChange(ctx, c.Principal, in.NewEmail); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, message("verification code sent to your current email address"), nil
}

func (h *CredentialsHandler) verifyEmailChange(ctx context.Context, c *action.Call) (int, any, error) {
	var in emailChangeBody
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	email, err := h.creds.VerifyEmailChange(ctx, c.Principal, in.Code)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]string{"email": email}, nil
}
