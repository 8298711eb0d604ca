package apperr_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/d9705996/fleetd/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAs_ForeignErrorIsInternal(t *testing.T) {
	cause := errors.New("disk on fire")
	ae := apperr.As(cause)
	require.NotNil(t, ae)
	assert.Equal(t, apperr.KindInternal, ae.Kind)
	assert.Equal(t, "internal error", ae.Message)
	assert.ErrorIs(t, ae, cause)
}

func TestAs_WrappedTypedError(t *testing.T) {
	err := fmt.Errorf("load job: %w", apperr.NotFound("service job"))
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	assert.Equal(t, "service job not found", apperr.As(err).Message)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	assert.False(t, apperr.Is(nil, apperr.KindNotFound))
}

func TestInvalidTransition_CarriesStates(t *testing.T) {
	err := apperr.InvalidTransition("completed", nil)
	assert.Equal(t, "completed", err.Current)
	assert.Empty(t, err.Allowed)
	assert.Contains(t, err.Error(), "invalid_transition")
}

func TestRateLimited_RetryAfter(t *testing.T) {
	err := apperr.RateLimited("slow down", 42*time.Second)
	assert.Equal(t, 42*time.Second, err.RetryAfter)
	assert.Equal(t, "rate_limited", err.Kind.String())
}

func TestAs_Nil(t *testing.T) {
	assert.Nil(t, apperr.As(nil))
}
