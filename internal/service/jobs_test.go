package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/d9705996/fleetd/internal/apperr"
	"github.com/d9705996/fleetd/internal/dbtest"
	"github.com/d9705996/fleetd/internal/model"
	"github.com/d9705996/fleetd/internal/service"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fleet is two distributors, three workshops and one job per workshop.
type fleet struct {
	d1, d2        *model.Distributor
	w1a, w1b, w2  *model.Workshop
	customer      *model.User
	scooter       *model.Scooter
	job1a, job1b  *model.ServiceJob
	job2          *model.ServiceJob
	staff1a, dist *model.User
}

func newFleet(t *testing.T, e *env) *fleet {
	f := &fleet{}
	f.d1 = dbtest.Distributor(t, e.db, "North")
	f.d2 = dbtest.Distributor(t, e.db, "South")
	f.w1a = dbtest.Workshop(t, e.db, "North A", &f.d1.ID, true)
	f.w1b = dbtest.Workshop(t, e.db, "North B", &f.d1.ID, true)
	f.w2 = dbtest.Workshop(t, e.db, "South A", &f.d2.ID, true)
	f.customer = dbtest.User(t, e.db, "rider@example.com", nil)
	f.scooter = dbtest.Scooter(t, e.db, "ZYD100", &f.d1.ID)
	dbtest.Own(t, e.db, f.customer.ID, f.scooter.ID, e.clock.Now())
	f.job1a = dbtest.Job(t, e.db, f.scooter.ID, f.w1a.ID, f.customer.ID, "booked")
	f.job1b = dbtest.Job(t, e.db, f.scooter.ID, f.w1b.ID, f.customer.ID, "in_progress")
	f.job2 = dbtest.Job(t, e.db, f.scooter.ID, f.w2.ID, f.customer.ID, "booked")
	f.staff1a = dbtest.User(t, e.db, "tech@example.com", workshopStaff(f.w1a.ID))
	f.dist = dbtest.User(t, e.db, "dist@example.com", distributorStaff(f.d1.ID))
	return f
}

func jobIDs(jobs []model.ServiceJob) []string {
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	return ids
}

func TestJobs_DistributorSeesOnlyOwnWorkshops(t *testing.T) {
	e := newEnv(t)
	f := newFleet(t, e)
	jobs := service.NewJobs(e.deps)

	got, err := jobs.List(context.Background(), principal(f.dist), service.JobFilter{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{f.job1a.ID, f.job1b.ID}, jobIDs(got))

	got, err = jobs.List(context.Background(), principal(f.dist), service.JobFilter{Status: "booked"})
	require.NoError(t, err)
	assert.Equal(t, []string{f.job1a.ID}, jobIDs(got))
	require.NotNil(t, got[0].Workshop)
	assert.Equal(t, "North A", got[0].Workshop.Name)

	_, err = jobs.List(context.Background(), principal(f.dist), service.JobFilter{Status: "lost"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestJobs_ListScopes(t *testing.T) {
	e := newEnv(t)
	f := newFleet(t, e)
	jobs := service.NewJobs(e.deps)
	ctx := context.Background()

	got, err := jobs.List(ctx, principal(f.staff1a), service.JobFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{f.job1a.ID}, jobIDs(got))

	got, err = jobs.List(ctx, principal(f.customer), service.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, got, 3)

	nobody := dbtest.User(t, e.db, "odd@example.com", func(u *model.User) {
		u.UserLevel = "manager"
		u.Roles = nil
	})
	_, err = jobs.List(ctx, principal(nobody), service.JobFilter{})
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func TestJobs_GetOutsideTerritoryIsNotFound(t *testing.T) {
	e := newEnv(t)
	f := newFleet(t, e)
	jobs := service.NewJobs(e.deps)

	_, err := jobs.Get(context.Background(), principal(f.staff1a), f.job2.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	_, err = jobs.Get(context.Background(), principal(f.staff1a), "missing")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	got, err := jobs.Get(context.Background(), principal(f.staff1a), f.job1a.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Scooter)
	assert.Equal(t, "ZYD100", got.Scooter.ZydSerial)
}

func TestJobs_CreatePutsScooterInService(t *testing.T) {
	e := newEnv(t)
	f := newFleet(t, e)
	jobs := service.NewJobs(e.deps)

	job, err := jobs.Create(context.Background(), principal(f.staff1a), service.CreateJobInput{
		ScooterID:        f.scooter.ID,
		IssueDescription: "  flat tyre ",
	})
	require.NoError(t, err)
	assert.Equal(t, "booked", job.Status)
	assert.Equal(t, f.w1a.ID, job.WorkshopID)
	assert.Equal(t, f.customer.ID, job.CustomerID)
	assert.Equal(t, "flat tyre", job.IssueDescription)

	var sc model.Scooter
	require.NoError(t, e.db.First(&sc, "id = ?", f.scooter.ID).Error)
	assert.Equal(t, model.ScooterInService, sc.Status)
	assert.Contains(t, e.notes.events(), "service_job.created")
}

func TestJobs_CreateRejections(t *testing.T) {
	e := newEnv(t)
	f := newFleet(t, e)
	jobs := service.NewJobs(e.deps)
	ctx := context.Background()
	in := service.CreateJobInput{ScooterID: f.scooter.ID, IssueDescription: "noise"}

	_, err := jobs.Create(ctx, principal(f.customer), in)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	other := in
	other.WorkshopID = f.w2.ID
	_, err = jobs.Create(ctx, principal(f.staff1a), other)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	closed := dbtest.Workshop(t, e.db, "Closed", &f.d1.ID, false)
	other.WorkshopID = closed.ID
	_, err = jobs.Create(ctx, principal(f.dist), other)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	missing := in
	missing.ScooterID = "nope"
	_, err = jobs.Create(ctx, principal(f.staff1a), missing)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	unowned := dbtest.Scooter(t, e.db, "ZYD999", &f.d1.ID)
	_, err = jobs.Create(ctx, principal(f.staff1a), service.CreateJobInput{ScooterID: unowned.ID, IssueDescription: "x"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestJobs_LifecycleStampsAndRestores(t *testing.T) {
	e := newEnv(t)
	f := newFleet(t, e)
	jobs := service.NewJobs(e.deps)
	ctx := context.Background()
	p := principal(f.staff1a)
	status := func(s string) service.UpdateJobInput { return service.UpdateJobInput{Status: &s} }

	require.NoError(t, e.db.Model(&model.Scooter{}).Where("id = ?", f.scooter.ID).Update("status", model.ScooterInService).Error)

	job, err := jobs.Update(ctx, p, f.job1a.ID, status("in_progress"))
	require.NoError(t, err)
	require.NotNil(t, job.StartedDate)
	started := *job.StartedDate

	e.clock.Advance(time.Hour)
	_, err = jobs.Update(ctx, p, f.job1a.ID, status("awaiting_parts"))
	require.NoError(t, err)
	job, err = jobs.Update(ctx, p, f.job1a.ID, status("in_progress"))
	require.NoError(t, err)
	assert.True(t, started.Equal(*job.StartedDate))

	notes := "replaced brake pads"
	job, err = jobs.Update(ctx, p, f.job1a.ID, service.UpdateJobInput{
		TechnicianNotes: &notes,
		PartsUsed:       []string{"brake-pad"},
	})
	require.NoError(t, err)
	assert.Equal(t, "in_progress", job.Status)
	assert.Equal(t, model.StringSlice{"brake-pad"}, job.PartsUsed)

	job, err = jobs.Update(ctx, p, f.job1a.ID, status("completed"))
	require.NoError(t, err)
	require.NotNil(t, job.CompletedDate)

	var sc model.Scooter
	require.NoError(t, e.db.First(&sc, "id = ?", f.scooter.ID).Error)
	assert.Equal(t, model.ScooterActive, sc.Status)
	assert.Contains(t, e.notes.events(), "service_job.status_changed")

	_, err = jobs.Update(ctx, p, f.job1a.ID, service.UpdateJobInput{TechnicianNotes: &notes})
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))
}

func TestJobs_RejectedTransitionIsIdempotent(t *testing.T) {
	e := newEnv(t)
	f := newFleet(t, e)
	jobs := service.NewJobs(e.deps)
	to := "completed"

	for range 2 {
		_, err := jobs.Update(context.Background(), principal(f.staff1a), f.job1a.ID, service.UpdateJobInput{Status: &to})
		require.Error(t, err)
		ae := apperr.As(err)
		assert.Equal(t, apperr.KindInvalidTransition, ae.Kind)
		assert.Equal(t, "booked", ae.Current)
		assert.Equal(t, []string{"in_progress", "cancelled"}, ae.Allowed)
	}
	var stored model.ServiceJob
	require.NoError(t, e.db.First(&stored, "id = ?", f.job1a.ID).Error)
	assert.Equal(t, "booked", stored.Status)
	assert.Nil(t, stored.CompletedDate)
	assert.Empty(t, e.notes.events())
}

func TestJobs_WorkshopStaffCannotCancelOtherWorkshop(t *testing.T) {
	e := newEnv(t)
	f := newFleet(t, e)

	_, err := service.NewJobs(e.deps).Cancel(context.Background(), principal(f.staff1a), f.job2.ID)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	var stored model.ServiceJob
	require.NoError(t, e.db.First(&stored, "id = ?", f.job2.ID).Error)
	assert.Equal(t, "booked", stored.Status)
}

func TestJobs_CustomerCancelsOwnJob(t *testing.T) {
	e := newEnv(t)
	f := newFleet(t, e)
	jobs := service.NewJobs(e.deps)
	ctx := context.Background()

	job, err := jobs.Cancel(ctx, principal(f.customer), f.job1b.ID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", job.Status)
	assert.NotNil(t, job.CompletedDate)

	_, err = jobs.Cancel(ctx, principal(f.customer), f.job1b.ID)
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))

	status := "in_progress"
	_, err = jobs.Update(ctx, principal(f.customer), f.job1a.ID, service.UpdateJobInput{Status: &status})
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func TestJobs_UpdateCosts(t *testing.T) {
	e := newEnv(t)
	f := newFleet(t, e)
	jobs := service.NewJobs(e.deps)
	ctx := context.Background()
	p := principal(f.staff1a)

	labour := decimal.RequireFromString("45.504")
	job, err := jobs.Update(ctx, p, f.job1a.ID, service.UpdateJobInput{LabourCost: &labour})
	require.NoError(t, err)
	require.True(t, job.LabourCost.Valid)
	assert.True(t, decimal.RequireFromString("45.5").Equal(job.LabourCost.Decimal), job.LabourCost.Decimal.String())
	assert.False(t, job.PartsCost.Valid)

	negative := decimal.NewFromInt(-1)
	_, err = jobs.Update(ctx, p, f.job1a.ID, service.UpdateJobInput{PartsCost: &negative})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}
