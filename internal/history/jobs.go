// SPDX-License-Identifier: Apache-2.0

// Package history builds per-account views over projected jobs and disputes.
// It never re-derives state: statuses come from the snapshots it is handed.
package history

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/adiadia/escrow-readmodel/internal/domain"
	"github.com/adiadia/escrow-readmodel/internal/projection"
)

type Role string

const (
	RoleCreator   Role = "creator"
	RoleAssignee  Role = "assignee"
	RoleCandidate Role = "candidate"
	RoleApplicant Role = "applicant"
	RoleOpener    Role = "opener"
	RoleVoter     Role = "voter"
)

type JobStatus string

const (
	StatusCompleted       JobStatus = "completed"
	StatusClaimedTimeout  JobStatus = "claimed_timeout"
	StatusRejected        JobStatus = "rejected"
	StatusCancelled       JobStatus = "cancelled"
	StatusInProgress      JobStatus = "in_progress"
	StatusPendingApproval JobStatus = "pending_approval"
	StatusPosted          JobStatus = "posted"
	StatusDisputed        JobStatus = "disputed"
	StatusExpired         JobStatus = "expired"
)

type JobEntry struct {
	JobID              uint64                     `json:"job_id"`
	Role               Role                       `json:"role"`
	Status             JobStatus                  `json:"status"`
	Reason             string                     `json:"reason"`
	State              domain.JobState            `json:"state"`
	Creator            string                     `json:"creator"`
	ContentRef         string                     `json:"content_ref"`
	TotalValue         uint64                     `json:"total_value"`
	MilestoneCount     int                        `json:"milestone_count"`
	MilestonesAccepted int                        `json:"milestones_accepted"`
	CreatedAt          uint64                     `json:"created_at"`
	AppliedAt          uint64                     `json:"applied_at,omitempty"`
	UpdatedAt          uint64                     `json:"updated_at"`
	Timeline           []projection.TimelineEntry `json:"timeline"`
}

// JobHistory lists the jobs address takes part in, most recently active first.
// Jobs whose status for address cannot be resolved are left out.
func JobHistory(address string, jobs []projection.JobSnapshot, now time.Time) []JobEntry {
	addr := domain.NormalizeAddress(address)
	if addr == "" {
		return nil
	}

	entries := make([]JobEntry, 0)
	for _, job := range jobs {
		role, ok := jobRole(addr, job)
		if !ok {
			continue
		}

		var status JobStatus
		var reason string
		if role == RoleCreator {
			status, reason = creatorStatus(job, now)
		} else {
			status, reason, ok = workerStatus(addr, job)
			if !ok {
				continue
			}
		}

		entry := JobEntry{
			JobID:          job.JobID,
			Role:           role,
			Status:         status,
			Reason:         reason,
			State:          job.State,
			Creator:        job.Creator,
			ContentRef:     job.ContentRef,
			TotalValue:     job.TotalValue,
			MilestoneCount: len(job.Milestones),
			CreatedAt:      job.CreatedAt,
			UpdatedAt:      job.CreatedAt,
			Timeline:       job.Timeline,
		}
		for _, m := range job.Milestones {
			if m.Status == domain.MilestoneAccepted {
				entry.MilestonesAccepted++
			}
		}
		if app, ok := latestApplication(addr, job); ok {
			entry.AppliedAt = app.AppliedAt
		}
		if n := len(job.Timeline); n > 0 {
			entry.UpdatedAt = job.Timeline[n-1].At
		}
		entries = append(entries, entry)
	}

	slices.SortStableFunc(entries, func(a, b JobEntry) int {
		if c := cmp.Compare(b.UpdatedAt, a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.JobID, a.JobID)
	})
	return entries
}

func jobRole(addr string, job projection.JobSnapshot) (Role, bool) {
	switch {
	case job.Creator == addr:
		return RoleCreator, true
	case job.Assignee == addr:
		return RoleAssignee, true
	case job.Candidate == addr:
		return RoleCandidate, true
	}
	if _, ok := latestApplication(addr, job); ok {
		return RoleApplicant, true
	}
	return "", false
}

func latestApplication(addr string, job projection.JobSnapshot) (projection.ApplicationRecord, bool) {
	for i := len(job.Applications) - 1; i >= 0; i-- {
		if job.Applications[i].Applicant == addr {
			return job.Applications[i], true
		}
	}
	return projection.ApplicationRecord{}, false
}

func creatorStatus(job projection.JobSnapshot, now time.Time) (JobStatus, string) {
	switch {
	case job.State == domain.JobDisputed:
		return StatusDisputed, disputedReason(job)
	case job.Lifecycle == domain.JobCompleted:
		return StatusCompleted, "All milestones completed."
	case job.RevertedAt > 0:
		return StatusClaimedTimeout, fmt.Sprintf("Claimed overdue milestone #%d; the job was reopened.", reopenedMilestone(job))
	case job.Lifecycle.Cancelled():
		return StatusCancelled, cancelledReason(job.Lifecycle)
	case job.Lifecycle == domain.JobInProgress:
		return StatusInProgress, "Work in progress."
	case job.Lifecycle == domain.JobPendingApproval:
		return StatusPendingApproval, "Waiting for you to approve the applicant."
	case job.ApplicationDeadline > 0 && uint64(max(now.Unix(), 0)) > job.ApplicationDeadline:
		return StatusExpired, "The application deadline has passed."
	default:
		return StatusPosted, "Waiting for applicants."
	}
}

func workerStatus(addr string, job projection.JobSnapshot) (JobStatus, string, bool) {
	if job.Assignee == addr {
		switch {
		case job.State == domain.JobDisputed:
			return StatusDisputed, disputedReason(job), true
		case job.Lifecycle == domain.JobCompleted:
			return StatusCompleted, "All milestones completed.", true
		default:
			return StatusInProgress, "Work in progress.", true
		}
	}
	if job.Candidate == addr {
		return StatusPendingApproval, "Waiting for the creator to approve the application.", true
	}

	app, ok := latestApplication(addr, job)
	if !ok {
		return "", "", false
	}
	switch app.Outcome {
	case projection.OutcomeTimedOut:
		return StatusClaimedTimeout, "A milestone was not delivered in time; the creator claimed the stake.", true
	case projection.OutcomeRejected:
		return StatusRejected, "The application was rejected.", true
	case projection.OutcomeSuperseded:
		return StatusRejected, "A later application replaced this one.", true
	case projection.OutcomeCancelled:
		return StatusCancelled, cancelledReason(job.Lifecycle), true
	default:
		return "", "", false
	}
}

func disputedReason(job projection.JobSnapshot) string {
	for _, m := range job.Milestones {
		if m.DisputeID == job.ActiveDisputeID && m.Status == domain.MilestoneLocked {
			return fmt.Sprintf("Milestone #%d is under dispute.", m.ID)
		}
	}
	return "A milestone is under dispute."
}

func cancelledReason(state domain.JobState) string {
	if state == domain.JobCancelledByCreator {
		return "The creator cancelled the job."
	}
	return "The job was cancelled."
}

func reopenedMilestone(job projection.JobSnapshot) uint64 {
	for i := len(job.Timeline) - 1; i >= 0; i-- {
		e := job.Timeline[i]
		if e.Kind == projection.TimelineClaimTimeout && e.At == job.RevertedAt && e.MilestoneID != nil {
			return *e.MilestoneID
		}
	}
	return 0
}
