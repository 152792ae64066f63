// SPDX-License-Identifier: Apache-2.0

package projection

import (
	"fmt"

	"github.com/adiadia/escrow-readmodel/internal/domain"
)

// Application outcomes.
const (
	OutcomePending    = "pending"
	OutcomeApproved   = "approved"
	OutcomeRejected   = "rejected"
	OutcomeTimedOut   = "timed_out"
	OutcomeSuperseded = "superseded"
	OutcomeCancelled  = "cancelled"
)

// ApplicationRecord is one application on a job and what became of it.
type ApplicationRecord struct {
	Applicant  string `json:"applicant"`
	AppliedAt  uint64 `json:"applied_at"`
	Outcome    string `json:"outcome"`
	ResolvedAt uint64 `json:"resolved_at,omitempty"`
}

// JobSnapshot is the projected state of one job.
type JobSnapshot struct {
	JobID               uint64 `json:"job_id"`
	Creator             string `json:"creator"`
	Assignee            string `json:"assignee,omitempty"`
	Candidate           string `json:"candidate,omitempty"`
	ContentRef          string `json:"content_ref"`
	TotalValue          uint64 `json:"total_value"`
	MilestoneCount      uint64 `json:"milestone_count"`
	ApplicationDeadline uint64 `json:"application_deadline"`
	CreatedAt           uint64 `json:"created_at"`

	// Lifecycle is the replayed lifecycle state; State is what callers should
	// present, which differs only while an unresolved dispute holds a locked milestone.
	Lifecycle       domain.JobState `json:"lifecycle"`
	State           domain.JobState `json:"state"`
	ActiveDisputeID uint64          `json:"active_dispute_id,omitempty"`

	StartedAt  uint64 `json:"started_at,omitempty"`
	RevertedAt uint64 `json:"reverted_at,omitempty"`

	CancelRequestedBy   string `json:"cancel_requested_by,omitempty"`
	WithdrawRequestedBy string `json:"withdraw_requested_by,omitempty"`

	Milestones   []MilestoneSnapshot `json:"milestones"`
	Applications []ApplicationRecord `json:"applications"`
	Timeline     []TimelineEntry     `json:"timeline"`
	Diagnostics  []Diagnostic        `json:"diagnostics,omitempty"`
}

// Started reports whether the job has a confirmed assignee whose work clock is running or ran.
func (j JobSnapshot) Started() bool {
	return j.StartedAt > 0 && j.Lifecycle.Started()
}

type timeoutRole int

const (
	roleUnattributed timeoutRole = iota
	roleCreator
	roleAssignee
)

// classifyTimeout decides which counterparty filed ct: the creator, or the
// applicant whose application was the latest one at the time of the claim.
func classifyTimeout(ct ClaimTimeout, creator string, apps []Application) timeoutRole {
	if domain.SameAddress(ct.ClaimedBy, creator) {
		return roleCreator
	}
	if app, ok := applicantAt(apps, ct.At); ok && domain.SameAddress(ct.ClaimedBy, app.Applicant) {
		return roleAssignee
	}
	return roleUnattributed
}

func applicantAt(apps []Application, at uint64) (Application, bool) {
	return latestWhere(apps, func(a Application) bool { return a.At <= at })
}

// reopenings returns, in order, the claim timeouts that revoke an assignment:
// any claim not filed by the assignee lineage that follows an application.
func reopenings(timeouts []ClaimTimeout, creator string, apps []Application) []ClaimTimeout {
	return filter(chronological(timeouts), func(ct ClaimTimeout) bool {
		if classifyTimeout(ct, creator, apps) == roleAssignee {
			return false
		}
		_, ok := latestWhere(apps, func(a Application) bool { return a.At < ct.At })
		return ok
	})
}

// ProjectJob replays the facts of one job. It reports false when the job has
// no creation fact.
func ProjectJob(in JobEvents) (JobSnapshot, bool) {
	if in.Created == nil {
		return JobSnapshot{}, false
	}

	var diags diagnostics
	subject := fmt.Sprintf("job %d", in.JobID)
	created := *in.Created
	creator := domain.NormalizeAddress(created.Creator)

	snap := JobSnapshot{
		JobID:               in.JobID,
		Creator:             creator,
		ContentRef:          created.ContentRef,
		TotalValue:          created.TotalValue,
		MilestoneCount:      created.MilestoneCount,
		ApplicationDeadline: created.ApplicationDeadline,
		CreatedAt:           created.At,
	}

	apps := chronological(in.Applications)
	changes := chronological(in.StateChanges)

	lifecycle := domain.JobPosted
	latestChange, hasChange := latest(changes)
	if hasChange {
		lifecycle = latestChange.To
	}
	latestApp, hasApp := latest(apps)

	for _, ct := range in.ClaimTimeouts {
		if classifyTimeout(ct, creator, apps) == roleUnattributed {
			diags.add(DiagUnattributed, subject, "claim timeout on milestone %d by %s matches no counterparty", ct.MilestoneID, domain.NormalizeAddress(ct.ClaimedBy))
		}
	}

	reopens := reopenings(in.ClaimTimeouts, creator, apps)
	latestReopen, hasReopen := latest(reopens)
	reverted := hasApp && hasReopen && latestReopen.At > latestApp.At

	var assignee, candidate string
	var startedAt uint64
	var rejection StateChange
	var hasRejection bool

	switch {
	case reverted:
		lifecycle = domain.JobPosted
		snap.RevertedAt = latestReopen.At
	case !hasApp:
	case !hasChange || latestApp.At > latestChange.At:
		lifecycle = domain.JobPendingApproval
		candidate = latestApp.Applicant
	default:
		afterApp := func(c StateChange) bool { return c.At >= latestApp.At }
		approval, hasApproval := latestWhere(changes, func(c StateChange) bool { return afterApp(c) && c.isApproval() })
		rejection, hasRejection = latestWhere(changes, func(c StateChange) bool { return afterApp(c) && c.isRejection() })
		if hasApproval && hasRejection {
			diags.add(DiagAmbiguous, subject, "approval at %d and rejection at %d both follow the application at %d", approval.At, rejection.At, latestApp.At)
			if approval.Before(rejection.Stamp) {
				hasApproval = false
			} else {
				hasRejection = false
			}
		}

		switch {
		case hasApproval:
			assignee = latestApp.Applicant
			startedAt = approval.At
		case hasRejection:
		case lifecycle.Started():
			assignee = latestApp.Applicant
			if first, ok := earliestWhere(changes, func(c StateChange) bool { return afterApp(c) && c.To == domain.JobInProgress }); ok {
				startedAt = first.At
			}
		default:
			candidate = latestApp.Applicant
			if lifecycle == domain.JobPosted || lifecycle == domain.JobPendingApproval {
				lifecycle = domain.JobPendingApproval
			}
		}
	}

	if hasChange && latestChange.To.Cancelled() {
		lifecycle = latestChange.To
		assignee, candidate = "", ""
	}

	snap.Lifecycle = lifecycle
	snap.State = lifecycle
	snap.Assignee = domain.NormalizeAddress(assignee)
	snap.Candidate = domain.NormalizeAddress(candidate)
	snap.StartedAt = startedAt
	snap.CancelRequestedBy = pendingRequester(in.CancelRequests)
	snap.WithdrawRequestedBy = pendingRequester(in.WithdrawRequests)

	var reopenedAt uint64
	if hasReopen {
		reopenedAt = latestReopen.At
	}
	snap.Milestones = projectMilestones(in, milestoneContext{
		subject:    subject,
		creator:    creator,
		apps:       apps,
		started:    snap.Started(),
		startedAt:  startedAt,
		reopenedAt: reopenedAt,
		cancelled:  lifecycle.Cancelled(),
	}, &diags)
	if created.MilestoneCount > uint64(len(snap.Milestones)) {
		diags.add(DiagIncomplete, subject, "%d of %d milestones announced", len(snap.Milestones), created.MilestoneCount)
	}

	if id, ok := activeDispute(in, snap.Milestones); ok {
		snap.State = domain.JobDisputed
		snap.ActiveDisputeID = id
	}

	snap.Applications = applicationLineage(apps, changes, reopens, snap, rejection, hasRejection)
	snap.Timeline = buildTimeline(in)
	snap.Diagnostics = diags.sorted()
	return snap, true
}

// activeDispute finds an unresolved dispute whose milestone is still locked.
func activeDispute(in JobEvents, milestones []MilestoneSnapshot) (uint64, bool) {
	resolved := make(map[uint64]bool, len(in.DisputesResolved))
	for _, r := range in.DisputesResolved {
		resolved[r.DisputeID] = true
	}
	locked := make(map[uint64]bool, len(milestones))
	for _, m := range milestones {
		if m.Status == domain.MilestoneLocked {
			locked[m.ID] = true
		}
	}
	open, ok := latestWhere(in.DisputesOpened, func(d DisputeOpening) bool {
		return !resolved[d.DisputeID] && locked[d.MilestoneID]
	})
	if !ok {
		return 0, false
	}
	return open.DisputeID, true
}

func pendingRequester(requests []Request) string {
	last, ok := latest(requests)
	if !ok || domain.IsZeroAddress(last.RequestedBy) {
		return ""
	}
	return domain.NormalizeAddress(last.RequestedBy)
}

func applicationLineage(apps []Application, changes []StateChange, reopens []ClaimTimeout, snap JobSnapshot, rejection StateChange, hasRejection bool) []ApplicationRecord {
	records := make([]ApplicationRecord, 0, len(apps))
	for i, app := range apps {
		rec := ApplicationRecord{
			Applicant: domain.NormalizeAddress(app.Applicant),
			AppliedAt: app.At,
		}

		if i == len(apps)-1 {
			switch {
			case snap.RevertedAt > 0:
				rec.Outcome, rec.ResolvedAt = OutcomeTimedOut, snap.RevertedAt
			case snap.Lifecycle.Cancelled():
				rec.Outcome = OutcomeCancelled
				if last, ok := latest(changes); ok {
					rec.ResolvedAt = last.At
				}
			case snap.Assignee != "":
				rec.Outcome, rec.ResolvedAt = OutcomeApproved, snap.StartedAt
			case snap.Candidate != "":
				rec.Outcome = OutcomePending
			default:
				rec.Outcome = OutcomeRejected
				if hasRejection {
					rec.ResolvedAt = rejection.At
				}
			}
			records = append(records, rec)
			continue
		}

		next := apps[i+1].At
		inWindow := func(at uint64) bool { return at >= app.At && at < next }
		if ct, ok := earliestWhere(reopens, func(ct ClaimTimeout) bool { return ct.At > app.At && ct.At < next }); ok {
			rec.Outcome, rec.ResolvedAt = OutcomeTimedOut, ct.At
		} else if c, ok := earliestWhere(changes, func(c StateChange) bool { return inWindow(c.At) && c.To.Cancelled() }); ok {
			rec.Outcome, rec.ResolvedAt = OutcomeCancelled, c.At
		} else if c, ok := earliestWhere(changes, func(c StateChange) bool { return inWindow(c.At) && c.isRejection() }); ok {
			rec.Outcome, rec.ResolvedAt = OutcomeRejected, c.At
		} else if c, ok := earliestWhere(changes, func(c StateChange) bool { return inWindow(c.At) && c.isApproval() }); ok {
			rec.Outcome, rec.ResolvedAt = OutcomeApproved, c.At
		} else {
			rec.Outcome = OutcomeSuperseded
		}
		records = append(records, rec)
	}
	return records
}
