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

func publish(t *testing.T, terms *service.Terms, by *model.User, in service.PublishInput) *model.TermsVersion {
	t.Helper()
	if in.Title == "" {
		in.Title = "Terms of Service"
	}
	if in.PublicURL == "" {
		in.PublicURL = "https://cdn.test/terms/" + in.Version + ".html"
	}
	tv, err := terms.Publish(context.Background(), principal(by), in)
	require.NoError(t, err)
	return tv
}

func TestTerms_LatestPrefersStateThenRegionThenEnglish(t *testing.T) {
	e := newEnv(t)
	adm := dbtest.User(t, e.db, "admin@example.com", admin)
	terms := service.NewTerms(e.deps)
	ctx := context.Background()

	region := publish(t, terms, adm, service.PublishInput{TermsQuery: service.TermsQuery{Region: "us"}, Version: "1.0"})
	state := publish(t, terms, adm, service.PublishInput{TermsQuery: service.TermsQuery{Region: "US", State: "ca"}, Version: "1.0-ca"})
	spanish := publish(t, terms, adm, service.PublishInput{TermsQuery: service.TermsQuery{Region: "US", Language: "ES"}, Version: "1.0-es"})
	publish(t, terms, adm, service.PublishInput{
		TermsQuery:    service.TermsQuery{Region: "US"},
		Version:       "2.0",
		EffectiveDate: e.clock.Now().Add(24 * time.Hour),
	})

	got, err := terms.Latest(ctx, service.TermsQuery{Region: "US", State: "CA"})
	require.NoError(t, err)
	assert.Equal(t, state.ID, got.ID)

	got, err = terms.Latest(ctx, service.TermsQuery{Region: "US", State: "NY"})
	require.NoError(t, err)
	assert.Equal(t, region.ID, got.ID, "future versions are not yet effective")

	got, err = terms.Latest(ctx, service.TermsQuery{Region: "US", Language: "es"})
	require.NoError(t, err)
	assert.Equal(t, spanish.ID, got.ID)

	got, err = terms.Latest(ctx, service.TermsQuery{Region: "US", Language: "de"})
	require.NoError(t, err)
	assert.Equal(t, region.ID, got.ID)

	_, err = terms.Latest(ctx, service.TermsQuery{Region: "GB"})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	_, err = terms.Latest(ctx, service.TermsQuery{})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	e.clock.Advance(25 * time.Hour)
	got, err = terms.Latest(ctx, service.TermsQuery{Region: "US"})
	require.NoError(t, err)
	assert.Equal(t, "2.0", got.Version)
}

func TestTerms_AcceptanceFollowsNewVersions(t *testing.T) {
	e := newEnv(t)
	adm := dbtest.User(t, e.db, "admin@example.com", admin)
	rider := dbtest.User(t, e.db, "rider@example.com", nil)
	terms := service.NewTerms(e.deps)
	ctx := context.Background()

	acc, err := terms.CheckAcceptance(ctx, principal(rider), "")
	require.NoError(t, err)
	assert.False(t, acc.NeedsAcceptance, "nothing published")

	v1 := publish(t, terms, adm, service.PublishInput{TermsQuery: service.TermsQuery{Region: "US"}, Version: "1.0"})
	acc, err = terms.CheckAcceptance(ctx, principal(rider), "")
	require.NoError(t, err)
	assert.True(t, acc.NeedsAcceptance)
	assert.Nil(t, acc.CurrentVersion)
	assert.Equal(t, "1.0", *acc.LatestVersion)

	_, err = terms.RecordConsent(ctx, principal(rider), service.ConsentInput{TermsID: v1.ID, Accepted: false})
	require.NoError(t, err)
	acc, err = terms.CheckAcceptance(ctx, principal(rider), "")
	require.NoError(t, err)
	assert.True(t, acc.NeedsAcceptance, "a decline is not an acceptance")

	c, err := terms.RecordConsent(ctx, principal(rider), service.ConsentInput{
		TermsID: v1.ID, Accepted: true, ScrolledToBottom: true, TimeToReadSeconds: 42, IPAddress: "203.0.113.9",
	})
	require.NoError(t, err)
	assert.Equal(t, "1.0", c.Version)
	assert.Equal(t, "US", c.RegionCode)
	acc, err = terms.CheckAcceptance(ctx, principal(rider), "terms")
	require.NoError(t, err)
	assert.False(t, acc.NeedsAcceptance)
	assert.Equal(t, "1.0", *acc.CurrentVersion)

	e.clock.Advance(time.Hour)
	publish(t, terms, adm, service.PublishInput{TermsQuery: service.TermsQuery{Region: "US"}, Version: "1.1"})
	acc, err = terms.CheckAcceptance(ctx, principal(rider), "")
	require.NoError(t, err)
	assert.True(t, acc.NeedsAcceptance)
	assert.Equal(t, "1.0", *acc.CurrentVersion)
	assert.Equal(t, "1.1", *acc.LatestVersion)

	history, err := terms.History(ctx, principal(rider), "", service.Page{})
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestTerms_RecordConsentNeedsActiveTerms(t *testing.T) {
	e := newEnv(t)
	adm := dbtest.User(t, e.db, "admin@example.com", admin)
	rider := dbtest.User(t, e.db, "rider@example.com", nil)
	terms := service.NewTerms(e.deps)
	ctx := context.Background()
	v1 := publish(t, terms, adm, service.PublishInput{TermsQuery: service.TermsQuery{Region: "US"}, Version: "1.0"})

	_, err := terms.RecordConsent(ctx, principal(rider), service.ConsentInput{TermsID: "missing", Accepted: true})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	_, err = terms.RecordConsent(ctx, principal(rider), service.ConsentInput{})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	require.NoError(t, terms.Deactivate(ctx, principal(adm), v1.ID))
	_, err = terms.RecordConsent(ctx, principal(rider), service.ConsentInput{TermsID: v1.ID, Accepted: true})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	_, err = terms.Latest(ctx, service.TermsQuery{Region: "US"})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestTerms_PublishPermissions(t *testing.T) {
	e := newEnv(t)
	north := dbtest.Distributor(t, e.db, "North")
	south := dbtest.Distributor(t, e.db, "South")
	adm := dbtest.User(t, e.db, "admin@example.com", admin)
	staff := dbtest.User(t, e.db, "staff@north.example", distributorStaff(north.ID))
	rival := dbtest.User(t, e.db, "staff@south.example", distributorStaff(south.ID))
	rider := dbtest.User(t, e.db, "rider@example.com", nil)
	terms := service.NewTerms(e.deps)
	ctx := context.Background()

	in := service.PublishInput{TermsQuery: service.TermsQuery{Region: "DE"}, Version: "1", Title: "AGB", PublicURL: "https://cdn.test/agb"}
	_, err := terms.Publish(ctx, principal(rider), in)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	// Staff cannot publish on another distributor's behalf.
	in.DistributorID = &south.ID
	own, err := terms.Publish(ctx, principal(staff), in)
	require.NoError(t, err)
	assert.Equal(t, north.ID, *own.DistributorID)

	_, err = terms.Publish(ctx, principal(adm), in)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	in.Version = ""
	_, err = terms.Publish(ctx, principal(adm), in)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	global := publish(t, terms, adm, service.PublishInput{TermsQuery: service.TermsQuery{Region: "US"}, Version: "1.0"})

	list, err := terms.List(ctx, principal(rival), "", service.Page{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, global.ID, list[0].ID)

	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(terms.Deactivate(ctx, principal(rival), own.ID)))
	require.NoError(t, terms.Deactivate(ctx, principal(staff), own.ID))

	list, err = terms.List(ctx, principal(adm), "de", service.Page{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.False(t, list[0].IsActive)

	_, err = terms.List(ctx, principal(rider), "", service.Page{})
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
	_, err = terms.History(ctx, principal(rider), staff.ID, service.Page{})
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
	_, err = terms.History(ctx, principal(adm), rider.ID, service.Page{})
	require.NoError(t, err)
}
