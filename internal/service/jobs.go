package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/d9705996/fleetd/internal/apperr"
	"github.com/d9705996/fleetd/internal/authz"
	"github.com/d9705996/fleetd/internal/lifecycle"
	"github.com/d9705996/fleetd/internal/model"
	"github.com/d9705996/fleetd/internal/outbox"
	"github.com/d9705996/fleetd/internal/store"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	resJob       = "service job"
	jobsResource = "service_job"
)

// Jobs manages service jobs.
type Jobs struct {
	d Deps
}

func NewJobs(d Deps) *Jobs {
	return &Jobs{d: d}
}

// JobFilter narrows List. An empty Status lists every status.
type JobFilter struct {
	Status string
	Page
}

func (j *Jobs) List(ctx context.Context, p *authz.Principal, f JobFilter) ([]model.ServiceJob, error) {
	scope, err := j.d.listScope(ctx, p, authz.ServiceJobs)
	if err != nil {
		return nil, err
	}
	jobs := []model.ServiceJob{}
	if scope.Empty() {
		return jobs, nil
	}
	q := j.d.DB.WithContext(ctx).Scopes(scope.Apply, f.Page.apply).
		Preload("Scooter").Preload("Workshop").
		Order("booked_date DESC")
	if f.Status != "" {
		st, ok := lifecycle.ParseJobStatus(f.Status)
		if !ok {
			return nil, apperr.Validation(fmt.Sprintf("unknown status %q", f.Status))
		}
		q = q.Where("status = ?", string(st))
	}
	if err := q.Find(&jobs).Error; err != nil {
		return nil, apperr.Internal(fmt.Errorf("list service jobs: %w", err))
	}
	return jobs, nil
}

func (j *Jobs) Get(ctx context.Context, p *authz.Principal, id string) (*model.ServiceJob, error) {
	scope, err := j.d.scope(ctx, p, authz.ServiceJobs)
	if err != nil {
		return nil, err
	}
	var job model.ServiceJob
	if err := readScoped(ctx, j.d.DB, scope, resJob, id, &job, "Scooter", "Workshop"); err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateJobInput is the body of a create. WorkshopID defaults to the
// caller's workshop, CustomerID to the scooter's current owner.
type CreateJobInput struct {
	ScooterID        string
	WorkshopID       string
	CustomerID       string
	IssueDescription string
	BookedDate       *time.Time
}

// Create books a job and puts the scooter in service in one transaction.
func (j *Jobs) Create(ctx context.Context, p *authz.Principal, in CreateJobInput) (*model.ServiceJob, error) {
	if !authz.HasAny(p, authz.StaffRoles...) {
		return nil, apperr.Forbidden("only staff can create service jobs")
	}
	in.IssueDescription = strings.TrimSpace(in.IssueDescription)
	if in.ScooterID == "" || in.IssueDescription == "" {
		return nil, apperr.Validation("scooter_id and issue_description are required")
	}
	if in.WorkshopID == "" && p.WorkshopID != nil {
		in.WorkshopID = *p.WorkshopID
	}
	if in.WorkshopID == "" {
		return nil, apperr.Validation("workshop_id is required")
	}

	db := j.d.DB.WithContext(ctx)
	var ws model.Workshop
	if err := db.First(&ws, "id = ?", in.WorkshopID).Error; err != nil {
		if store.IsNotFound(err) {
			return nil, apperr.NotFound("workshop")
		}
		return nil, apperr.Internal(fmt.Errorf("get workshop: %w", err))
	}
	wsScope, err := j.d.scope(ctx, p, authz.Workshops)
	if err != nil {
		return nil, err
	}
	attrs := map[string]string{"id": ws.ID}
	if ws.ParentDistributorID != nil {
		attrs["parent_distributor_id"] = *ws.ParentDistributorID
	}
	if !wsScope.Permits(attrs) {
		return nil, apperr.Forbidden("workshop is outside your territory")
	}
	if !ws.IsActive {
		return nil, apperr.Validation("workshop is not active")
	}

	var sc model.Scooter
	if err := db.First(&sc, "id = ?", in.ScooterID).Error; err != nil {
		if store.IsNotFound(err) {
			return nil, apperr.NotFound("scooter")
		}
		return nil, apperr.Internal(fmt.Errorf("get scooter: %w", err))
	}

	if in.CustomerID == "" {
		owner, err := currentOwner(ctx, j.d.DB, sc.ID)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		if owner == "" {
			return nil, apperr.Validation("customer_id is required for an unregistered scooter")
		}
		in.CustomerID = owner
	} else {
		var n int64
		if err := db.Model(&model.User{}).Where("id = ?", in.CustomerID).Count(&n).Error; err != nil {
			return nil, apperr.Internal(fmt.Errorf("check customer: %w", err))
		}
		if n == 0 {
			return nil, apperr.NotFound("customer")
		}
	}

	now := j.d.Now()
	booked := now
	if in.BookedDate != nil {
		booked = in.BookedDate.UTC()
	}
	job := &model.ServiceJob{
		ScooterID:        sc.ID,
		WorkshopID:       ws.ID,
		CustomerID:       in.CustomerID,
		Status:           string(lifecycle.JobBooked),
		IssueDescription: in.IssueDescription,
		PartsUsed:        model.StringSlice{},
		BookedDate:       booked,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(job).Error; err != nil {
			return fmt.Errorf("create service job: %w", err)
		}
		if err := tx.Model(&model.Scooter{}).Where("id = ?", sc.ID).
			Updates(map[string]any{"status": model.ScooterInService, "updated_at": now}).Error; err != nil {
			return fmt.Errorf("mark scooter in service: %w", err)
		}
		return nil
	})
	transitionOutcome(jobsResource, string(lifecycle.JobBooked), err)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	j.d.notifyUser(ctx, job.CustomerID, "service_job.created", map[string]any{
		"job_id": job.ID, "scooter_id": job.ScooterID, "workshop_id": job.WorkshopID,
	})
	return job, nil
}

// UpdateJobInput carries the fields an update may change. Nil means
// unchanged.
type UpdateJobInput struct {
	Status          *string
	TechnicianID    *string
	TechnicianNotes *string
	PartsUsed       []string
	FirmwareUpdated *bool
	LabourCost      *decimal.Decimal
	PartsCost       *decimal.Decimal
}

func (in UpdateJobInput) empty() bool {
	return in.Status == nil && in.TechnicianID == nil && in.TechnicianNotes == nil &&
		in.PartsUsed == nil && in.FirmwareUpdated == nil &&
		in.LabourCost == nil && in.PartsCost == nil
}

// Update changes a job's details and moves it through the status table.
// Asking for the status the job already has changes nothing about status.
func (j *Jobs) Update(ctx context.Context, p *authz.Principal, id string, in UpdateJobInput) (*model.ServiceJob, error) {
	if !authz.HasAny(p, authz.StaffRoles...) {
		return nil, apperr.Forbidden("only staff can update service jobs")
	}
	if in.empty() {
		return nil, apperr.Validation("nothing to update")
	}
	scope, err := j.d.scope(ctx, p, authz.ServiceJobs)
	if err != nil {
		return nil, err
	}
	var job model.ServiceJob
	if err := loadForWrite(ctx, j.d.DB, scope, resJob, id, &job); err != nil {
		return nil, err
	}

	cur := lifecycle.JobStatus(job.Status)
	target := cur
	if in.Status != nil {
		st, ok := lifecycle.ParseJobStatus(*in.Status)
		if !ok {
			return nil, apperr.Validation(fmt.Sprintf("unknown status %q", *in.Status))
		}
		target = st
	}
	if target == cur && cur.Terminal() {
		return nil, apperr.InvalidTransition(string(cur), []string{})
	}

	cols := map[string]any{"updated_at": j.d.Now()}
	if in.TechnicianID != nil {
		cols["technician_id"] = *in.TechnicianID
	}
	if in.TechnicianNotes != nil {
		cols["technician_notes"] = *in.TechnicianNotes
	}
	if in.PartsUsed != nil {
		parts, err := json.Marshal(in.PartsUsed)
		if err != nil {
			return nil, apperr.Validation("parts_used must be a list of strings")
		}
		cols["parts_used"] = string(parts)
	}
	if in.FirmwareUpdated != nil {
		cols["firmware_updated"] = *in.FirmwareUpdated
	}
	for col, v := range map[string]*decimal.Decimal{"labour_cost": in.LabourCost, "parts_cost": in.PartsCost} {
		if v == nil {
			continue
		}
		if v.IsNegative() {
			return nil, apperr.Validation(col + " must not be negative")
		}
		cols[col] = v.Round(2)
	}
	return j.apply(ctx, scope, &job, target, cols)
}

// Cancel moves a job to cancelled. Any principal whose territory holds the
// job may cancel it, customers included.
func (j *Jobs) Cancel(ctx context.Context, p *authz.Principal, id string) (*model.ServiceJob, error) {
	scope, err := j.d.scope(ctx, p, authz.ServiceJobs)
	if err != nil {
		return nil, err
	}
	var job model.ServiceJob
	if err := loadForWrite(ctx, j.d.DB, scope, resJob, id, &job); err != nil {
		return nil, err
	}
	if job.Status == string(lifecycle.JobCancelled) {
		return nil, apperr.InvalidTransition(job.Status, []string{})
	}
	return j.apply(ctx, scope, &job, lifecycle.JobCancelled, map[string]any{"updated_at": j.d.Now()})
}

// apply writes cols and, when target differs from the stored status, the
// transition with its side effects. The write is conditional on the status
// read earlier; losing that race is a Conflict.
func (j *Jobs) apply(ctx context.Context, scope authz.Scope, job *model.ServiceJob, target lifecycle.JobStatus, cols map[string]any) (*model.ServiceJob, error) {
	cur := lifecycle.JobStatus(job.Status)
	changing := target != cur
	var fx lifecycle.JobEffects
	if changing {
		var err error
		fx, err = lifecycle.PlanJobTransition(cur, job.StartedDate, target)
		if err != nil {
			transitionOutcome(jobsResource, string(target), err)
			return nil, err
		}
		for k, v := range fx.Columns(target, j.d.Now()) {
			cols[k] = v
		}
	}

	err := j.d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.ServiceJob{}).Scopes(scope.Apply).
			Where("id = ? AND status = ?", job.ID, string(cur)).
			Updates(cols)
		if res.Error != nil {
			return apperr.Internal(fmt.Errorf("update service job: %w", res.Error))
		}
		if res.RowsAffected == 0 {
			return apperr.Conflict("service job was changed by another request, reload and retry")
		}
		if fx.RestoreScooter {
			if err := tx.Model(&model.Scooter{}).Where("id = ?", job.ScooterID).
				Updates(map[string]any{"status": model.ScooterActive, "updated_at": j.d.Now()}).Error; err != nil {
				return apperr.Internal(fmt.Errorf("restore scooter status: %w", err))
			}
		}
		return nil
	})
	if changing {
		transitionOutcome(jobsResource, string(target), err)
	}
	if err != nil {
		return nil, apperr.As(err)
	}

	var out model.ServiceJob
	if err := j.d.DB.WithContext(ctx).Preload("Scooter").Preload("Workshop").
		First(&out, "id = ?", job.ID).Error; err != nil {
		return nil, apperr.Internal(fmt.Errorf("reload service job: %w", err))
	}
	if changing {
		payload := map[string]any{"job_id": out.ID, "from": string(cur), "to": string(target)}
		j.d.notifyUser(ctx, out.CustomerID, "service_job.status_changed", payload)
		j.d.Notifier.Send(ctx, outbox.Message{
			Channel:   outbox.ChannelWebhook,
			Event:     "service_job.status_changed",
			Recipient: out.WorkshopID,
			Payload:   payload,
		})
	}
	return &out, nil
}
