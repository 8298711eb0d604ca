package lifecycle

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/d9705996/fleetd/internal/apperr"
	"github.com/d9705996/fleetd/internal/authz"
	"github.com/d9705996/fleetd/internal/model"
)

// DiagnosticState is the state of a scooter's diagnostic request.
type DiagnosticState string

const (
	DiagnosticNone      DiagnosticState = "none"
	DiagnosticRequested DiagnosticState = "requested"
)

// DiagnosticStateOf derives the state from the stored field group.
func DiagnosticStateOf(d model.Diagnostic) DiagnosticState {
	if d.Requested {
		return DiagnosticRequested
	}
	return DiagnosticNone
}

// ClearReason says how a diagnostic request ended.
type ClearReason int

const (
	ClearCancelled ClearReason = iota // by an admin; owner is notified
	ClearDeclined                     // by the owner; decline is stamped
	ClearCompleted                    // by a diagnostic ride session; silent
)

// Notifies reports whether the owner is told about the clear.
func (r ClearReason) Notifies() bool { return r == ClearCancelled }

// RequestDiagnostic validates none -> requested and returns the column
// updates for the whole diagnostic field group.
func RequestDiagnostic(cur model.Diagnostic, p *authz.Principal, reason string, constraints map[string]any, now time.Time) (map[string]any, error) {
	if !authz.HasAny(p, authz.ManufacturerAdmin) {
		return nil, apperr.Forbidden("only administrators can request diagnostics")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Validation("reason is required")
	}
	if DiagnosticStateOf(cur) == DiagnosticRequested {
		return nil, apperr.InvalidTransition(string(DiagnosticRequested), []string{string(DiagnosticNone)})
	}
	cfg, err := json.Marshal(model.DiagnosticConfig{Reason: reason, Constraints: constraints})
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("encode diagnostic config: %w", err))
	}
	return map[string]any{
		"diagnostic_requested":    true,
		"diagnostic_config":       string(cfg),
		"diagnostic_requested_by": p.ID,
		"diagnostic_requested_at": now,
		"diagnostic_declined_at":  nil,
	}, nil
}

// ClearDiagnostic validates requested -> none and returns updates zeroing
// the full field group. Only a decline leaves a timestamp behind.
func ClearDiagnostic(cur model.Diagnostic, why ClearReason, now time.Time) (map[string]any, error) {
	if DiagnosticStateOf(cur) != DiagnosticRequested {
		return nil, apperr.InvalidTransition(string(DiagnosticNone), []string{string(DiagnosticRequested)})
	}
	cols := map[string]any{
		"diagnostic_requested":    false,
		"diagnostic_config":       nil,
		"diagnostic_requested_by": nil,
		"diagnostic_requested_at": nil,
		"diagnostic_declined_at":  nil,
	}
	if why == ClearDeclined {
		cols["diagnostic_declined_at"] = now
	}
	return cols, nil
}
