// Package health exposes the /api/v1/health and /api/v1/ready HTTP handlers.
package health

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/d9705996/fleetd/internal/api/respond"
	"github.com/d9705996/fleetd/internal/version"
)

// Pinger is implemented by anything that can check a downstream dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Check is one named readiness dependency. A nil Pinger always fails.
type Check struct {
	Name   string
	Pinger Pinger
}

// Handler holds dependencies for the health and ready endpoints.
type Handler struct {
	checks    []Check
	log       *slog.Logger
	startTime time.Time
}

// New creates a Handler reporting ready only while every check passes.
func New(log *slog.Logger, checks ...Check) *Handler {
	return &Handler{checks: checks, log: log, startTime: time.Now()}
}

type healthBody struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Commit        string `json:"commit"`
	BuildDate     string `json:"build_date"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ServeHealth handles GET /api/v1/health.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	respond.JSON(w, http.StatusOK, healthBody{
		Status:        "ok",
		Version:       version.Version,
		Commit:        version.Commit,
		BuildDate:     version.Date,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	})
}

type readyBody struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// ServeReady handles GET /api/v1/ready.
func (h *Handler) ServeReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	body := readyBody{Status: "ok", Checks: make(map[string]string, len(h.checks))}
	for _, c := range h.checks {
		if c.Pinger == nil {
			body.Checks[c.Name] = "not initialised"
			body.Status = "unavailable"
			continue
		}
		if err := c.Pinger.Ping(ctx); err != nil {
			h.log.Warn("readiness check failed", "check", c.Name, "error", err)
			body.Checks[c.Name] = "unreachable"
			body.Status = "unavailable"
			continue
		}
		body.Checks[c.Name] = "ok"
	}

	status := http.StatusOK
	if body.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	respond.JSON(w, status, body)
}
