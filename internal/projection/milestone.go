// SPDX-License-Identifier: Apache-2.0

package projection

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/adiadia/escrow-readmodel/internal/domain"
)

// MilestoneSnapshot is the projected state of one milestone.
type MilestoneSnapshot struct {
	ID             uint64                 `json:"id"`
	Amount         uint64                 `json:"amount"`
	Duration       uint64                 `json:"duration"`
	Deadline       uint64                 `json:"deadline"`
	ReviewPeriod   uint64                 `json:"review_period"`
	ReviewDeadline uint64                 `json:"review_deadline"`
	Status         domain.MilestoneStatus `json:"status"`
	EvidenceRef    string                 `json:"evidence_ref,omitempty"`

	SubmittedAt uint64 `json:"submitted_at,omitempty"`
	AcceptedAt  uint64 `json:"accepted_at,omitempty"`
	RejectedAt  uint64 `json:"rejected_at,omitempty"`
	// ResolvedAt is when the milestone reached Accepted, by whichever path.
	ResolvedAt uint64 `json:"resolved_at,omitempty"`

	ClaimedBy domain.Side `json:"claimed_by,omitempty"`
	// StakeClaimed is set when a timeout claim took the assignee's stake.
	StakeClaimed bool `json:"stake_claimed,omitempty"`

	DisputeID     uint64       `json:"dispute_id,omitempty"`
	DisputeWinner *domain.Side `json:"dispute_winner,omitempty"`
	Reopened      bool         `json:"reopened,omitempty"`
}

type milestoneContext struct {
	subject    string
	creator    string
	apps       []Application
	started    bool
	startedAt  uint64
	reopenedAt uint64
	cancelled  bool
}

type milestoneFacts struct {
	submissions []Submission
	acceptances []Decision
	rejections  []Decision
	timeouts    []ClaimTimeout
	resolutions []DisputeResolution
}

func (f milestoneFacts) after(at uint64) milestoneFacts {
	return milestoneFacts{
		submissions: filter(f.submissions, func(s Submission) bool { return s.At > at }),
		acceptances: filter(f.acceptances, func(d Decision) bool { return d.At > at }),
		rejections:  filter(f.rejections, func(d Decision) bool { return d.At > at }),
		timeouts:    filter(f.timeouts, func(ct ClaimTimeout) bool { return ct.At > at }),
		resolutions: filter(f.resolutions, func(r DisputeResolution) bool { return r.At > at }),
	}
}

type milestoneOutcome struct {
	status      domain.MilestoneStatus
	evidence    string
	submittedAt uint64
	acceptedAt  uint64
	rejectedAt  uint64
	resolvedAt  uint64
	claimedBy   domain.Side
	stakeTaken  bool
}

func projectMilestones(in JobEvents, mc milestoneContext, diags *diagnostics) []MilestoneSnapshot {
	specs := milestoneSpecs(in.Milestones, mc.subject, diags)
	out := make([]MilestoneSnapshot, 0, len(specs))

	for _, spec := range specs {
		id := spec.ID
		subject := fmt.Sprintf("%s milestone %d", mc.subject, id)
		facts := milestoneFacts{
			submissions: filter(in.Submissions, func(s Submission) bool { return s.MilestoneID == id }),
			acceptances: filter(in.Acceptances, func(d Decision) bool { return d.MilestoneID == id }),
			rejections:  filter(in.Rejections, func(d Decision) bool { return d.MilestoneID == id }),
			timeouts:    filter(in.ClaimTimeouts, func(ct ClaimTimeout) bool { return ct.MilestoneID == id }),
			resolutions: filter(in.DisputesResolved, func(r DisputeResolution) bool { return r.MilestoneID == id }),
		}

		outcome := evaluateMilestone(facts, mc, subject, diags)
		reopened := false
		if mc.reopenedAt > 0 && !(outcome.status == domain.MilestoneAccepted && outcome.resolvedAt < mc.reopenedAt) {
			outcome = evaluateMilestone(facts.after(mc.reopenedAt), mc, subject, nil)
			reopened = true
		}
		if mc.cancelled && (outcome.status == domain.MilestonePending || outcome.status == domain.MilestoneSubmitted) {
			outcome.status = domain.MilestoneWithdrawn
		}

		m := MilestoneSnapshot{
			ID:           id,
			Amount:       spec.Amount,
			Duration:     spec.Duration,
			ReviewPeriod: spec.ReviewPeriod,
			Status:       outcome.status,
			EvidenceRef:  outcome.evidence,
			SubmittedAt:  outcome.submittedAt,
			AcceptedAt:   outcome.acceptedAt,
			RejectedAt:   outcome.rejectedAt,
			ResolvedAt:   outcome.resolvedAt,
			ClaimedBy:    outcome.claimedBy,
			StakeClaimed: outcome.stakeTaken,
			Reopened:     reopened,
		}
		if !reopened {
			m.Deadline = spec.Deadline
			m.ReviewDeadline = spec.ReviewDeadline
		}
		if opened, ok := latestWhere(in.DisputesOpened, func(d DisputeOpening) bool { return d.MilestoneID == id }); ok {
			m.DisputeID = opened.DisputeID
		}
		if res, ok := latest(facts.resolutions); ok {
			winner := domain.SideFromAssigneeFlag(res.WinnerIsAssignee)
			m.DisputeWinner = &winner
			m.DisputeID = res.DisputeID
		}
		out = append(out, m)
	}

	cascadeDeadlines(out, mc, diags)
	return out
}

// milestoneSpecs returns one creation fact per milestone id, ordered by id.
func milestoneSpecs(specs []MilestoneSpec, subject string, diags *diagnostics) []MilestoneSpec {
	byID := make(map[uint64]MilestoneSpec, len(specs))
	for _, spec := range specs {
		prev, ok := byID[spec.ID]
		if ok {
			diags.add(DiagAmbiguous, subject, "milestone %d created more than once", spec.ID)
			if spec.Before(prev.Stamp) {
				continue
			}
		}
		byID[spec.ID] = spec
	}
	out := make([]MilestoneSpec, 0, len(byID))
	for _, spec := range byID {
		out = append(out, spec)
	}
	slices.SortFunc(out, func(a, b MilestoneSpec) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// evaluateMilestone applies the status precedence, first match wins:
// dispute resolution, late rejection after acceptance, acceptance, assignee
// timeout claim on a submission, rejection, submission, pending.
func evaluateMilestone(f milestoneFacts, mc milestoneContext, subject string, diags *diagnostics) milestoneOutcome {
	sub, hasSub := latest(f.submissions)
	acc, hasAcc := latest(f.acceptances)
	rej, hasRej := latest(f.rejections)
	res, hasRes := latest(f.resolutions)

	var assigneeClaim, creatorClaim, stakeTaken bool
	for _, ct := range f.timeouts {
		stakeTaken = stakeTaken || ct.StakeClaimed
		switch classifyTimeout(ct, mc.creator, mc.apps) {
		case roleAssignee:
			assigneeClaim = true
		default:
			creatorClaim = true
		}
	}

	out := milestoneOutcome{status: domain.MilestonePending, stakeTaken: stakeTaken}
	if hasSub {
		out.submittedAt = sub.At
		out.evidence = sub.EvidenceRef
	}
	if hasAcc {
		out.acceptedAt = acc.At
	}
	if hasRej {
		out.rejectedAt = rej.At
	}

	if diags != nil {
		checkRepeatedAcceptance(f, subject, diags)
		if hasAcc && hasRej && acc.At == rej.At {
			diags.add(DiagAmbiguous, subject, "acceptance and rejection share time %d", acc.At)
		}
		if !hasRes && !hasAcc && hasRej && hasSub && rej.At < sub.At {
			diags.add(DiagUncovered, subject, "submission at %d follows rejection at %d", sub.At, rej.At)
		}
	}

	switch {
	case hasRes:
		out.status = domain.MilestoneAccepted
		out.resolvedAt = res.At
	case hasAcc && hasRej && rej.At > acc.At:
		out.status = domain.MilestoneLocked
	case hasAcc:
		out.status = domain.MilestoneAccepted
		out.resolvedAt = acc.At
	case assigneeClaim && hasSub:
		out.status = domain.MilestoneAccepted
		out.resolvedAt = sub.At
		out.claimedBy = domain.SideAssignee
	case hasRej:
		out.status = domain.MilestoneLocked
	case hasSub && !creatorClaim:
		out.status = domain.MilestoneSubmitted
	}
	if creatorClaim && out.claimedBy == "" {
		out.claimedBy = domain.SideCreator
	}
	return out
}

// checkRepeatedAcceptance flags two acceptances with no rejection between them.
func checkRepeatedAcceptance(f milestoneFacts, subject string, diags *diagnostics) {
	accs := chronological(f.acceptances)
	for i := 1; i < len(accs); i++ {
		prev, cur := accs[i-1].At, accs[i].At
		reopened := false
		for _, rej := range f.rejections {
			if rej.At > prev && rej.At <= cur {
				reopened = true
				break
			}
		}
		if !reopened {
			diags.add(DiagAmbiguous, subject, "accepted at %d and again at %d without a rejection between", prev, cur)
		}
	}
}

// cascadeDeadlines sets each deadline once the milestone is active. The first
// milestone runs from the job start; each later one runs from the moment its
// predecessor was accepted. Inactive milestones have no deadline, even one
// declared at creation.
func cascadeDeadlines(ms []MilestoneSnapshot, mc milestoneContext, diags *diagnostics) {
	for i := range ms {
		m := &ms[i]

		if m.ReviewDeadline == 0 && m.Status == domain.MilestoneSubmitted {
			m.ReviewDeadline = m.SubmittedAt + m.ReviewPeriod
		}

		explicit := m.Deadline
		m.Deadline = 0
		if m.Status == domain.MilestoneWithdrawn || !mc.started {
			continue
		}
		if i == 0 {
			m.Deadline = explicit
			if m.Deadline == 0 {
				m.Deadline = mc.startedAt + m.Duration
			}
			continue
		}

		prev := ms[i-1]
		if prev.Status != domain.MilestoneAccepted {
			continue
		}
		if explicit != 0 {
			m.Deadline = explicit
			continue
		}
		if prev.ResolvedAt == 0 {
			diags.add(DiagUndeterminedDeadline, fmt.Sprintf("%s milestone %d", mc.subject, m.ID),
				"milestone %d accepted at an unknown time", prev.ID)
			continue
		}
		m.Deadline = max(prev.ResolvedAt, mc.startedAt) + m.Duration
	}
}
