package lifecycle_test

import (
	"testing"
	"time"

	"github.com/d9705996/fleetd/internal/apperr"
	"github.com/d9705996/fleetd/internal/authz"
	"github.com/d9705996/fleetd/internal/lifecycle"
	"github.com/d9705996/fleetd/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var diagnosticColumns = []string{
	"diagnostic_requested",
	"diagnostic_config",
	"diagnostic_requested_by",
	"diagnostic_requested_at",
	"diagnostic_declined_at",
}

func admin() *authz.Principal {
	return &authz.Principal{ID: "admin-1", Roles: authz.RoleSet{authz.ManufacturerAdmin}, Active: true}
}

func TestRequestDiagnostic(t *testing.T) {
	now := time.Now()
	cols, err := lifecycle.RequestDiagnostic(model.Diagnostic{}, admin(), "  battery drain ", nil, now)
	require.NoError(t, err)
	assert.Equal(t, true, cols["diagnostic_requested"])
	assert.JSONEq(t, `{"reason":"battery drain"}`, cols["diagnostic_config"].(string))
	assert.Equal(t, "admin-1", cols["diagnostic_requested_by"])
	assert.Nil(t, cols["diagnostic_declined_at"])
	for _, c := range diagnosticColumns {
		assert.Contains(t, cols, c)
	}
}

func TestRequestDiagnostic_Rejections(t *testing.T) {
	now := time.Now()
	staff := &authz.Principal{ID: "w", Roles: authz.RoleSet{authz.WorkshopStaff, authz.DistributorStaff}}

	_, err := lifecycle.RequestDiagnostic(model.Diagnostic{}, staff, "x", nil, now)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	_, err = lifecycle.RequestDiagnostic(model.Diagnostic{}, admin(), "   ", nil, now)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = lifecycle.RequestDiagnostic(model.Diagnostic{Requested: true}, admin(), "again", nil, now)
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))
}

func TestClearDiagnostic_ZeroesWholeGroup(t *testing.T) {
	now := time.Now()
	active := model.Diagnostic{Requested: true, Config: &model.DiagnosticConfig{Reason: "x"}}

	for _, why := range []lifecycle.ClearReason{lifecycle.ClearCancelled, lifecycle.ClearDeclined, lifecycle.ClearCompleted} {
		cols, err := lifecycle.ClearDiagnostic(active, why, now)
		require.NoError(t, err)
		require.Len(t, cols, len(diagnosticColumns))
		assert.Equal(t, false, cols["diagnostic_requested"])
		assert.Nil(t, cols["diagnostic_config"])
		assert.Nil(t, cols["diagnostic_requested_by"])
		assert.Nil(t, cols["diagnostic_requested_at"])
		if why == lifecycle.ClearDeclined {
			assert.Equal(t, now, cols["diagnostic_declined_at"])
		} else {
			assert.Nil(t, cols["diagnostic_declined_at"])
		}
	}
}

func TestClearDiagnostic_NothingToClear(t *testing.T) {
	_, err := lifecycle.ClearDiagnostic(model.Diagnostic{}, lifecycle.ClearDeclined, time.Now())
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))
}

func TestClearReason_Notifies(t *testing.T) {
	assert.True(t, lifecycle.ClearCancelled.Notifies())
	assert.False(t, lifecycle.ClearDeclined.Notifies())
	assert.False(t, lifecycle.ClearCompleted.Notifies())
}
