// Package lifecycle holds the transition tables and rules for stateful
// resources: service jobs, scooter diagnostic requests and single-use
// tokens, plus the issuance limiter guarding the latter.
package lifecycle

import (
	"slices"
	"time"

	"github.com/d9705996/fleetd/internal/apperr"
)

// JobStatus is the status of a service job.
type JobStatus string

const (
	JobBooked             JobStatus = "booked"
	JobInProgress         JobStatus = "in_progress"
	JobAwaitingParts      JobStatus = "awaiting_parts"
	JobReadyForCollection JobStatus = "ready_for_collection"
	JobCompleted          JobStatus = "completed"
	JobCancelled          JobStatus = "cancelled"
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobBooked:             {JobInProgress, JobCancelled},
	JobInProgress:         {JobAwaitingParts, JobReadyForCollection, JobCompleted, JobCancelled},
	JobAwaitingParts:      {JobInProgress, JobCancelled},
	JobReadyForCollection: {JobCompleted, JobCancelled},
	JobCompleted:          {},
	JobCancelled:          {},
}

// ParseJobStatus validates s against the known statuses.
func ParseJobStatus(s string) (JobStatus, bool) {
	st := JobStatus(s)
	_, ok := jobTransitions[st]
	return st, ok
}

// Terminal reports whether no transition leaves s.
func (s JobStatus) Terminal() bool {
	return len(jobTransitions[s]) == 0
}

// AllowedJobTargets lists the statuses reachable from s in one step.
func AllowedJobTargets(s JobStatus) []JobStatus {
	return slices.Clone(jobTransitions[s])
}

// JobEffects are the side effects bundled with a status change.
type JobEffects struct {
	StampStarted   bool
	StampCompleted bool
	RestoreScooter bool
}

// PlanJobTransition validates from -> to. startedAt is the job's current
// start stamp; it is only set on the first entry into in_progress.
func PlanJobTransition(from JobStatus, startedAt *time.Time, to JobStatus) (JobEffects, error) {
	if !slices.Contains(jobTransitions[from], to) {
		allowed := jobTransitions[from]
		names := make([]string, len(allowed))
		for i, s := range allowed {
			names[i] = string(s)
		}
		return JobEffects{}, apperr.InvalidTransition(string(from), names)
	}
	var fx JobEffects
	if to == JobInProgress && startedAt == nil {
		fx.StampStarted = true
	}
	if to == JobCompleted || to == JobCancelled {
		fx.StampCompleted = true
		fx.RestoreScooter = true
	}
	return fx, nil
}

// Columns returns the job column updates for moving to `to` at now.
func (fx JobEffects) Columns(to JobStatus, now time.Time) map[string]any {
	cols := map[string]any{"status": string(to), "updated_at": now}
	if fx.StampStarted {
		cols["started_date"] = now
	}
	if fx.StampCompleted {
		cols["completed_date"] = now
	}
	return cols
}
