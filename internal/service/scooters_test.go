package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/d9705996/fleetd/internal/apperr"
	"github.com/d9705996/fleetd/internal/dbtest"
	"github.com/d9705996/fleetd/internal/model"
	"github.com/d9705996/fleetd/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScooters_GetOrCreateBySerial(t *testing.T) {
	e := newEnv(t)
	u := dbtest.User(t, e.db, "rider@example.com", nil)
	scooters := service.NewScooters(e.deps)
	ctx := context.Background()

	first, created, err := scooters.GetOrCreate(ctx, principal(u), " zyd777 ", "M1")
	require.NoError(t, err)
	assert.True(t, created)
	var stored model.Scooter
	require.NoError(t, e.db.First(&stored, "id = ?", first).Error)
	assert.Equal(t, "ZYD777", stored.ZydSerial)

	again, created, err := scooters.GetOrCreate(ctx, principal(u), "ZYD777", "M1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, again)

	_, _, err = scooters.GetOrCreate(ctx, principal(u), "  ", "")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestScooters_StrangerCannotReadOrClaim(t *testing.T) {
	e := newEnv(t)
	adm, owner, sc := diagnosticSetup(t, e)
	stranger := dbtest.User(t, e.db, "stranger@example.com", nil)
	scooters := service.NewScooters(e.deps)
	ctx := context.Background()
	_, err := scooters.RequestDiagnostic(ctx, principal(adm), sc.ID, "battery", nil)
	require.NoError(t, err)

	// Only the id comes back for a serial the caller does not own.
	id, created, err := scooters.GetOrCreate(ctx, principal(stranger), sc.ZydSerial, "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, sc.ID, id)

	_, err = scooters.Get(ctx, principal(stranger), sc.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	_, err = scooters.LinkUser(ctx, principal(stranger), sc.ID, stranger.ID, "mine")
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	_, err = scooters.ClearDiagnostic(ctx, principal(stranger), sc.ID, true)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	var stored model.Scooter
	require.NoError(t, e.db.First(&stored, "id = ?", sc.ID).Error)
	assert.True(t, stored.Diagnostic.Requested)

	got, err := scooters.Get(ctx, principal(owner), sc.ID)
	require.NoError(t, err)
	assert.Equal(t, sc.ID, got.ID)
}

func TestScooters_LinkRequiresUnownedScooter(t *testing.T) {
	e := newEnv(t)
	adm, _, sc := diagnosticSetup(t, e)
	other := dbtest.User(t, e.db, "other@example.com", nil)
	scooters := service.NewScooters(e.deps)
	ctx := context.Background()

	_, err := scooters.LinkUser(ctx, principal(adm), sc.ID, other.ID, "")
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	_, err = scooters.LinkUser(ctx, principal(adm), sc.ID, "missing-user", "")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestScooters_DistributorStaffLinkInsideTerritory(t *testing.T) {
	e := newEnv(t)
	north := dbtest.Distributor(t, e.db, "North")
	south := dbtest.Distributor(t, e.db, "South")
	staff := dbtest.User(t, e.db, "north@example.com", distributorStaff(north.ID))
	rider := dbtest.User(t, e.db, "rider@example.com", nil)
	own := dbtest.Scooter(t, e.db, "ZYD10", &north.ID)
	foreign := dbtest.Scooter(t, e.db, "ZYD11", &south.ID)
	scooters := service.NewScooters(e.deps)
	ctx := context.Background()

	link, err := scooters.LinkUser(ctx, principal(staff), own.ID, rider.ID, " Zippy ")
	require.NoError(t, err)
	assert.Equal(t, "Zippy", link.Nickname)

	_, err = scooters.LinkUser(ctx, principal(staff), foreign.ID, rider.ID, "")
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	list, err := scooters.List(ctx, principal(rider), service.Page{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, own.ID, list[0].ID)
}

func TestScooters_SupersededOwnerLosesAccess(t *testing.T) {
	e := newEnv(t)
	adm, owner, sc := diagnosticSetup(t, e)
	buyer := dbtest.User(t, e.db, "buyer@example.com", nil)
	scooters := service.NewScooters(e.deps)
	ctx := context.Background()

	require.NoError(t, e.db.Model(&model.Scooter{}).Where("id = ?", sc.ID).
		Updates(map[string]any{"pin_hash": "x", "pin_set_at": e.clock.Now()}).Error)

	require.NoError(t, scooters.UnlinkUser(ctx, principal(adm), sc.ID))
	e.clock.Advance(time.Minute)
	_, err := scooters.LinkUser(ctx, principal(adm), sc.ID, buyer.ID, "")
	require.NoError(t, err)

	_, err = scooters.Get(ctx, principal(owner), sc.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	_, err = scooters.UpdateVersion(ctx, principal(owner), sc.ID, service.Versions{ControllerSW: "9"})
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
	list, err := scooters.List(ctx, principal(owner), service.Page{})
	require.NoError(t, err)
	assert.Empty(t, list)

	got, err := scooters.Get(ctx, principal(buyer), sc.ID)
	require.NoError(t, err)
	assert.Empty(t, got.PinHash)
	assert.Nil(t, got.PinSetAt)

	err = scooters.UnlinkUser(ctx, principal(buyer), sc.ID)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	var history []model.UserScooter
	require.NoError(t, e.db.Where("scooter_id = ?", sc.ID).Order("registered_at").Find(&history).Error)
	require.Len(t, history, 2)
	assert.NotNil(t, history[0].UnregisteredAt)
	assert.Nil(t, history[1].UnregisteredAt)
}

func TestScooters_UnlinkWithoutOwner(t *testing.T) {
	e := newEnv(t)
	adm := dbtest.User(t, e.db, "admin@example.com", admin)
	sc := dbtest.Scooter(t, e.db, "ZYD5", nil)

	err := service.NewScooters(e.deps).UnlinkUser(context.Background(), principal(adm), sc.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestScooters_UpdateVersion(t *testing.T) {
	e := newEnv(t)
	d := dbtest.Distributor(t, e.db, "North")
	w := dbtest.Workshop(t, e.db, "North A", &d.ID, true)
	tech := dbtest.User(t, e.db, "tech@example.com", workshopStaff(w.ID))
	sc := dbtest.Scooter(t, e.db, "ZYD1", &d.ID)
	foreign := dbtest.Scooter(t, e.db, "ZYD2", nil)
	scooters := service.NewScooters(e.deps)
	ctx := context.Background()

	got, err := scooters.UpdateVersion(ctx, principal(tech), sc.ID, service.Versions{ControllerSW: "2.1.0", BMSSW: "1.4"})
	require.NoError(t, err)
	assert.Equal(t, "2.1.0", got.ControllerSWVersion)
	assert.Equal(t, "1.4", got.BMSSWVersion)
	require.NotNil(t, got.LastConnectedAt)

	_, err = scooters.UpdateVersion(ctx, principal(tech), foreign.ID, service.Versions{ControllerSW: "x"})
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

// diagnosticSetup returns an admin, an owning customer and their scooter.
func diagnosticSetup(t *testing.T, e *env) (*model.User, *model.User, *model.Scooter) {
	adm := dbtest.User(t, e.db, "admin@example.com", admin)
	owner := dbtest.User(t, e.db, "owner@example.com", nil)
	sc := dbtest.Scooter(t, e.db, "ZYD42", nil)
	dbtest.Own(t, e.db, owner.ID, sc.ID, e.clock.Now())
	return adm, owner, sc
}

func TestDiagnostic_RequestThenDiagnosticRideClears(t *testing.T) {
	e := newEnv(t)
	adm, owner, sc := diagnosticSetup(t, e)
	scooters := service.NewScooters(e.deps)
	ctx := context.Background()

	got, err := scooters.RequestDiagnostic(ctx, principal(adm), sc.ID, "battery drain", map[string]any{"min_speed_kmh": 10})
	require.NoError(t, err)
	assert.True(t, got.Diagnostic.Requested)
	require.NotNil(t, got.Diagnostic.Config)
	assert.Equal(t, "battery drain", got.Diagnostic.Config.Reason)
	assert.Equal(t, adm.ID, *got.Diagnostic.RequestedBy)
	require.Len(t, e.notes.msgs, 1)
	assert.Equal(t, "diagnostic.requested", e.notes.msgs[0].Event)
	assert.Equal(t, owner.ID, e.notes.msgs[0].Recipient)

	_, err = scooters.RequestDiagnostic(ctx, principal(adm), sc.ID, "again", nil)
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))

	start := e.clock.Now().Add(-10 * time.Minute)
	rs, err := scooters.CreateRideSession(ctx, principal(owner), sc.ID, service.RideInput{
		TriggerType: service.TriggerDiagnostic,
		StartedAt:   start,
		Samples: []service.Sample{
			{RecordedAt: start, SpeedKmh: 12.5, BatteryPercent: 80},
			{RecordedAt: start.Add(time.Second), SpeedKmh: 13, BatteryPercent: 80},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, rs.SampleCount)

	var stored model.Scooter
	require.NoError(t, e.db.First(&stored, "id = ?", sc.ID).Error)
	assert.Equal(t, model.Diagnostic{}, stored.Diagnostic)

	var samples int64
	require.NoError(t, e.db.Model(&model.RideSample{}).Where("ride_session_id = ?", rs.ID).Count(&samples).Error)
	assert.EqualValues(t, 2, samples)
	assert.Len(t, e.notes.msgs, 1)
}

func TestDiagnostic_OwnerDeclineStampsSilently(t *testing.T) {
	e := newEnv(t)
	adm, owner, sc := diagnosticSetup(t, e)
	scooters := service.NewScooters(e.deps)
	ctx := context.Background()

	_, err := scooters.RequestDiagnostic(ctx, principal(adm), sc.ID, "noise", nil)
	require.NoError(t, err)

	got, err := scooters.ClearDiagnostic(ctx, principal(owner), sc.ID, true)
	require.NoError(t, err)
	assert.False(t, got.Diagnostic.Requested)
	assert.Nil(t, got.Diagnostic.Config)
	assert.Nil(t, got.Diagnostic.RequestedBy)
	require.NotNil(t, got.Diagnostic.DeclinedAt)
	assert.Len(t, e.notes.msgs, 1)

	_, err = scooters.ClearDiagnostic(ctx, principal(owner), sc.ID, true)
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))
}

func TestDiagnostic_AdminCancelNotifiesOwner(t *testing.T) {
	e := newEnv(t)
	adm, owner, sc := diagnosticSetup(t, e)
	scooters := service.NewScooters(e.deps)
	ctx := context.Background()

	_, err := scooters.RequestDiagnostic(ctx, principal(adm), sc.ID, "noise", nil)
	require.NoError(t, err)

	_, err = scooters.ClearDiagnostic(ctx, principal(owner), sc.ID, false)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	got, err := scooters.ClearDiagnostic(ctx, principal(adm), sc.ID, false)
	require.NoError(t, err)
	assert.Nil(t, got.Diagnostic.DeclinedAt)
	assert.Equal(t, []string{"diagnostic.requested", "diagnostic.cancelled"}, e.notes.events())
	assert.Equal(t, owner.ID, e.notes.msgs[1].Recipient)
}

func TestDiagnostic_Rejections(t *testing.T) {
	e := newEnv(t)
	adm, _, sc := diagnosticSetup(t, e)
	stranger := dbtest.User(t, e.db, "stranger@example.com", nil)
	d := dbtest.Distributor(t, e.db, "North")
	dist := dbtest.User(t, e.db, "dist@example.com", distributorStaff(d.ID))
	scooters := service.NewScooters(e.deps)
	ctx := context.Background()

	_, err := scooters.RequestDiagnostic(ctx, principal(dist), sc.ID, "why", nil)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
	_, err = scooters.RequestDiagnostic(ctx, principal(adm), sc.ID, "   ", nil)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = scooters.RequestDiagnostic(ctx, principal(adm), sc.ID, "ok", nil)
	require.NoError(t, err)
	_, err = scooters.ClearDiagnostic(ctx, principal(stranger), sc.ID, true)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func TestRideSession_NormalTriggerKeepsRequest(t *testing.T) {
	e := newEnv(t)
	adm, owner, sc := diagnosticSetup(t, e)
	scooters := service.NewScooters(e.deps)
	ctx := context.Background()

	_, err := scooters.RequestDiagnostic(ctx, principal(adm), sc.ID, "noise", nil)
	require.NoError(t, err)
	_, err = scooters.CreateRideSession(ctx, principal(owner), sc.ID, service.RideInput{TriggerType: "manual", StartedAt: e.clock.Now()})
	require.NoError(t, err)

	var stored model.Scooter
	require.NoError(t, e.db.First(&stored, "id = ?", sc.ID).Error)
	assert.True(t, stored.Diagnostic.Requested)

	_, err = scooters.CreateRideSession(ctx, principal(owner), sc.ID, service.RideInput{StartedAt: e.clock.Now()})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}
