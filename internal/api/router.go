// Package api wires all API routes onto the provided ServeMux.
package api

import (
	"log/slog"
	"net/http"

	"github.com/d9705996/fleetd/internal/api/action"
	"github.com/d9705996/fleetd/internal/api/handler"
	"github.com/d9705996/fleetd/internal/api/respond"
	"github.com/d9705996/fleetd/internal/apperr"
	"github.com/d9705996/fleetd/internal/health"
)

// Handlers groups everything RegisterRoutes mounts.
type Handlers struct {
	Health      *health.Handler
	Auth        *handler.AuthHandler
	Credentials *handler.CredentialsHandler
	Jobs        *handler.JobsHandler
	Workshops   *handler.WorkshopsHandler
	Scooters    *handler.ScootersHandler
	Users       *handler.UsersHandler
	Pins        *handler.PinsHandler
	Terms       *handler.TermsHandler
	Devices     *handler.DevicesHandler
}

// RegisterRoutes registers all application routes on mux. Every resource
// endpoint is POST /api/v1/{endpoint} with an action envelope.
func RegisterRoutes(mux *http.ServeMux, h Handlers, auth action.Authenticator, maxBody int64, log *slog.Logger) {
	// Public health endpoints (no auth required)
	mux.HandleFunc("GET /api/v1/health", h.Health.ServeHealth)
	mux.HandleFunc("GET /api/v1/ready", h.Health.ServeReady)

	// Emailed verification link
	mux.HandleFunc("GET /api/v1/verify", h.Auth.VerifyLink)

	endpoints := map[string]map[string]action.Action{
		"login":               h.Auth.Login(),
		"logout":              h.Auth.Logout(),
		"validate-session":    h.Auth.ValidateSession(),
		"register":            h.Auth.Register(),
		"verify":              h.Auth.Verify(),
		"resend-verification": h.Auth.ResendVerification(),
		"password-reset":      h.Credentials.PasswordReset(),
		"change-email":        h.Credentials.ChangeEmail(),
		"service-jobs":        h.Jobs.Actions(),
		"workshops":           h.Workshops.Actions(),
		"scooters":            h.Scooters.Actions(),
		"users":               h.Users.Actions(),
		"user-pin":            h.Pins.Actions(),
		"terms":               h.Terms.Actions(),
		"register-device":     h.Devices.Actions(),
	}
	for name, actions := range endpoints {
		mux.Handle("POST /api/v1/"+name, action.NewEndpoint(name, actions, auth, maxBody, log))
	}

	// Catch-all 404
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		respond.Error(w, r, log, apperr.NotFound("route"))
	})
}

// Chain wraps h so that the first middleware is outermost.
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
