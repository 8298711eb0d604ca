package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/d9705996/fleetd/internal/apperr"
	"github.com/d9705996/fleetd/internal/dbtest"
	"github.com/d9705996/fleetd/internal/model"
	"github.com/d9705996/fleetd/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPins_OwnerSetsAndVerifies(t *testing.T) {
	e := newEnv(t)
	_, owner, sc := diagnosticSetup(t, e)
	pins := service.NewPins(e.deps)
	ctx := context.Background()

	st, err := pins.Check(ctx, principal(owner), sc.ID)
	require.NoError(t, err)
	assert.False(t, st.HasPin)

	_, err = pins.Verify(ctx, principal(owner), sc.ID, "123456")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	_, err = pins.Set(ctx, principal(owner), sc.ID, "12345")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	_, err = pins.Set(ctx, principal(owner), sc.ID, "12a456")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	st, err = pins.Set(ctx, principal(owner), sc.ID, "482913")
	require.NoError(t, err)
	assert.True(t, st.HasPin)
	assert.Equal(t, e.clock.Now(), *st.PinSetAt)

	var stored model.Scooter
	require.NoError(t, e.db.First(&stored, "id = ?", sc.ID).Error)
	assert.NotContains(t, stored.PinHash, "482913")

	ok, err := pins.Verify(ctx, principal(owner), sc.ID, "482913")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = pins.Verify(ctx, principal(owner), sc.ID, "000000")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPins_OutsideTerritory(t *testing.T) {
	e := newEnv(t)
	adm, owner, sc := diagnosticSetup(t, e)
	stranger := dbtest.User(t, e.db, "stranger@example.com", nil)
	pins := service.NewPins(e.deps)
	ctx := context.Background()
	_, err := pins.Set(ctx, principal(owner), sc.ID, "482913")
	require.NoError(t, err)

	_, err = pins.Check(ctx, principal(stranger), sc.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	_, err = pins.Verify(ctx, principal(stranger), sc.ID, "482913")
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
	_, err = pins.Set(ctx, principal(stranger), sc.ID, "111111")
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	// Staff can see and clear a PIN but not choose one.
	_, err = pins.Set(ctx, principal(adm), sc.ID, "111111")
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(pins.Clear(ctx, principal(owner), sc.ID)))
	require.NoError(t, pins.Clear(ctx, principal(adm), sc.ID))

	st, err := pins.Check(ctx, principal(owner), sc.ID)
	require.NoError(t, err)
	assert.False(t, st.HasPin)
	assert.Nil(t, st.PinSetAt)
}

func TestPins_FailedAttemptsAreLimited(t *testing.T) {
	e := newEnv(t)
	_, owner, sc := diagnosticSetup(t, e)
	pins := service.NewPins(e.deps)
	ctx := context.Background()
	_, err := pins.Set(ctx, principal(owner), sc.ID, "482913")
	require.NoError(t, err)

	// Successes never count toward the limit.
	for range 10 {
		ok, err := pins.Verify(ctx, principal(owner), sc.ID, "482913")
		require.NoError(t, err)
		require.True(t, ok)
	}
	for range 5 {
		ok, err := pins.Verify(ctx, principal(owner), sc.ID, "000000")
		require.NoError(t, err)
		require.False(t, ok)
	}
	_, err = pins.Verify(ctx, principal(owner), sc.ID, "482913")
	require.Equal(t, apperr.KindRateLimited, apperr.KindOf(err))
	assert.Positive(t, apperr.As(err).RetryAfter)

	e.clock.Advance(16 * time.Minute)
	ok, err := pins.Verify(ctx, principal(owner), sc.ID, "482913")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPins_RecoveryResetsPin(t *testing.T) {
	e := newEnv(t)
	_, owner, sc := diagnosticSetup(t, e)
	pins := service.NewPins(e.deps)
	ctx := context.Background()
	_, err := pins.Set(ctx, principal(owner), sc.ID, "482913")
	require.NoError(t, err)

	require.NoError(t, pins.RequestRecovery(ctx, " Owner@Example.com ", sc.ID))
	msg := e.mailer.last(t)
	assert.Equal(t, "owner@example.com", msg.To)
	assert.Contains(t, msg.Text, "ZYD42")
	assert.Contains(t, msg.Text, "https://app.test/pin-recovery?token=")
	token := tokenFrom(t, msg)

	assert.Equal(t, apperr.KindValidation, apperr.KindOf(pins.Reset(ctx, token, "12")))
	require.NoError(t, pins.Reset(ctx, token, "135790"))
	assert.ErrorContains(t, pins.Reset(ctx, token, "135790"), "invalid or expired token")

	ok, err := pins.Verify(ctx, principal(owner), sc.ID, "135790")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPins_RecoveryRevealsNothing(t *testing.T) {
	e := newEnv(t)
	_, _, sc := diagnosticSetup(t, e)
	dbtest.User(t, e.db, "stranger@example.com", nil)
	pins := service.NewPins(e.deps)
	ctx := context.Background()

	require.NoError(t, pins.RequestRecovery(ctx, "nobody@example.com", sc.ID))
	require.NoError(t, pins.RequestRecovery(ctx, "stranger@example.com", sc.ID))
	assert.Empty(t, e.mailer.sent)

	e.mailer.fail = errors.New("smtp down")
	require.NoError(t, pins.RequestRecovery(ctx, "owner@example.com", sc.ID))

	err := pins.RequestRecovery(ctx, "owner@example.com", "")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestPins_RecoveryTokenDiesWithOwnership(t *testing.T) {
	e := newEnv(t)
	adm, owner, sc := diagnosticSetup(t, e)
	pins := service.NewPins(e.deps)
	scooters := service.NewScooters(e.deps)
	ctx := context.Background()

	require.NoError(t, pins.RequestRecovery(ctx, owner.Email, sc.ID))
	token := tokenFrom(t, e.mailer.last(t))

	require.NoError(t, scooters.UnlinkUser(ctx, principal(adm), sc.ID))
	buyer := dbtest.User(t, e.db, "buyer@example.com", nil)
	_, err := scooters.LinkUser(ctx, principal(adm), sc.ID, buyer.ID, "")
	require.NoError(t, err)

	assert.ErrorContains(t, pins.Reset(ctx, token, "135790"), "invalid or expired token")
	var stored model.Scooter
	require.NoError(t, e.db.First(&stored, "id = ?", sc.ID).Error)
	assert.Empty(t, stored.PinHash)
}

func TestPins_RecoveryIsRateLimited(t *testing.T) {
	e := newEnv(t)
	_, owner, sc := diagnosticSetup(t, e)
	pins := service.NewPins(e.deps)
	ctx := context.Background()

	for range 3 {
		require.NoError(t, pins.RequestRecovery(ctx, owner.Email, sc.ID))
	}
	err := pins.RequestRecovery(ctx, owner.Email, sc.ID)
	assert.Equal(t, apperr.KindRateLimited, apperr.KindOf(err))
}
