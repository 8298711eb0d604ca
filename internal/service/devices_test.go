package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/d9705996/fleetd/internal/apperr"
	"github.com/d9705996/fleetd/internal/dbtest"
	"github.com/d9705996/fleetd/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDevices_RegisterUpsertsPerFingerprint(t *testing.T) {
	e := newEnv(t)
	rider := dbtest.User(t, e.db, "rider@example.com", nil)
	devices := service.NewDevices(e.deps)
	ctx := context.Background()

	first, err := devices.Register(ctx, principal(rider), service.DeviceInput{
		Fingerprint: "phone-1", FCMToken: "fcm-a", Platform: "iOS", Name: "Pixel", AppVersion: "3.2.0",
	})
	require.NoError(t, err)
	assert.Equal(t, "ios", first.Platform)

	e.clock.Advance(time.Minute)
	again, err := devices.Register(ctx, principal(rider), service.DeviceInput{Fingerprint: "phone-1", FCMToken: "fcm-b", Platform: "ios"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.WithinDuration(t, e.clock.Now(), again.UpdatedAt, 0)

	tokens, err := service.NewDeviceDirectory(e.db).PushTokens(ctx, rider.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"fcm-b"}, tokens)

	_, err = devices.Register(ctx, principal(rider), service.DeviceInput{Fingerprint: "phone-2"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	_, err = devices.Register(ctx, principal(rider), service.DeviceInput{Fingerprint: "phone-2", FCMToken: "x", Platform: "symbian"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestDevices_TokenMovesToNewAccount(t *testing.T) {
	e := newEnv(t)
	alice := dbtest.User(t, e.db, "alice@example.com", nil)
	bob := dbtest.User(t, e.db, "bob@example.com", nil)
	devices := service.NewDevices(e.deps)
	ctx := context.Background()

	_, err := devices.Register(ctx, principal(alice), service.DeviceInput{Fingerprint: "shared", FCMToken: "fcm-shared"})
	require.NoError(t, err)
	_, err = devices.Register(ctx, principal(bob), service.DeviceInput{Fingerprint: "shared", FCMToken: "fcm-shared"})
	require.NoError(t, err)

	tokens, err := service.NewDeviceDirectory(e.db).PushTokens(ctx, alice.ID)
	require.NoError(t, err)
	assert.Empty(t, tokens)
	tokens, err = service.NewDeviceDirectory(e.db).PushTokens(ctx, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"fcm-shared"}, tokens)
}

func TestDevices_UnregisterOwnDeviceOnly(t *testing.T) {
	e := newEnv(t)
	alice := dbtest.User(t, e.db, "alice@example.com", nil)
	bob := dbtest.User(t, e.db, "bob@example.com", nil)
	devices := service.NewDevices(e.deps)
	ctx := context.Background()
	_, err := devices.Register(ctx, principal(alice), service.DeviceInput{Fingerprint: "phone-1", FCMToken: "fcm-a"})
	require.NoError(t, err)

	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(devices.Unregister(ctx, principal(bob), "phone-1")))
	require.NoError(t, devices.Unregister(ctx, principal(alice), "phone-1"))

	list, err := devices.List(ctx, principal(alice))
	require.NoError(t, err)
	assert.Empty(t, list)
}
