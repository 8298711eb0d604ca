package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/d9705996/fleetd/internal/api/action"
	"github.com/d9705996/fleetd/internal/service"
	"github.com/shopspring/decimal"
)

// JobsHandler serves the service-jobs endpoint.
type JobsHandler struct {
	jobs *service.Jobs
}

// NewJobsHandler creates a JobsHandler.
func NewJobsHandler(jobs *service.Jobs) *JobsHandler {
	return &JobsHandler{jobs: jobs}
}

func (h *JobsHandler) Actions() map[string]action.Action {
	return map[string]action.Action{
		"list":   {Handle: h.list},
		"get":    {Handle: h.get},
		"create": {Handle: h.create},
		"update": {Handle: h.update},
		"cancel": {Handle: h.cancel},
	}
}

type jobListBody struct {
	Status string `json:"status"`
	pageBody
}

func (h *JobsHandler) list(ctx context.Context, c *action.Call) (int, any, error) {
	var in jobListBody
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	jobs, err := h.jobs.List(ctx, c.Principal, service.JobFilter{Status: in.Status, Page: in.page()})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]any{"service_jobs": jobs}, nil
}

type jobIDBody struct {
	JobID string `json:"job_id"`
}

func (h *JobsHandler) get(ctx context.Context, c *action.Call) (int, any, error) {
	var in jobIDBody
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	job, err := h.jobs.Get(ctx, c.Principal, in.JobID)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]any{"service_job": job}, nil
}

type jobCreateBody struct {
	ScooterID        string     `json:"scooter_id"`
	WorkshopID       string     `json:"workshop_id"`
	CustomerID       string     `json:"customer_id"`
	IssueDescription string     `json:"issue_description"`
	BookedDate       *time.Time `json:"booked_date"`
}

func (h *JobsHandler) create(ctx context.Context, c *action.Call) (int, any, error) {
	var in jobCreateBody
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	job, err := h.jobs.Create(ctx, c.Principal, service.CreateJobInput(in))
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, map[string]any{"service_job": job}, nil
}

type jobUpdateBody struct {
	JobID           string   `json:"job_id"`
	Status          *string  `json:"status"`
	TechnicianID    *string  `json:"technician_id"`
	TechnicianNotes *string  `json:"technician_notes"`
	PartsUsed       []string `json:"parts_used"`
	FirmwareUpdated *bool    `json:"firmware_updated"`

	LabourCost *decimal.Decimal `json:"labour_cost"`
	PartsCost  *decimal.Decimal `json:"parts_cost"`
}

func (h *JobsHandler) update(ctx context.Context, c *action.Call) (int, any, error) {
	var in jobUpdateBody
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	job, err := h.jobs.Update(ctx, c.Principal, in.JobID, service.UpdateJobInput{
		Status:          in.Status,
		TechnicianID:    in.TechnicianID,
		TechnicianNotes: in.TechnicianNotes,
		PartsUsed:       in.PartsUsed,
		FirmwareUpdated: in.FirmwareUpdated,
		LabourCost:      in.LabourCost,
		PartsCost:       in.PartsCost,
	})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]any{"service_job": job}, nil
}

func (h *JobsHandler) cancel(ctx context.Context, c *action.Call) (int, any, error) {
	var in jobIDBody
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	job, err := h.jobs.Cancel(ctx, c.Principal, in.JobID)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]any{"service_job": job}, nil
}
