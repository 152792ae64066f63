// SPDX-License-Identifier: Apache-2.0

package projection

import (
	"cmp"
	"slices"

	"github.com/adiadia/escrow-readmodel/internal/domain"
)

type TimelineKind string

const (
	TimelineCreated            TimelineKind = "created"
	TimelineApplied            TimelineKind = "applied"
	TimelineApproved           TimelineKind = "approved"
	TimelineRejected           TimelineKind = "rejected"
	TimelineStateChanged       TimelineKind = "state_changed"
	TimelineMilestoneSubmitted TimelineKind = "milestone_submitted"
	TimelineMilestoneAccepted  TimelineKind = "milestone_accepted"
	TimelineMilestoneRejected  TimelineKind = "milestone_rejected"
	TimelineClaimTimeout       TimelineKind = "claim_timeout"
	TimelineDisputeOpened      TimelineKind = "dispute_opened"
	TimelineDisputeResolved    TimelineKind = "dispute_resolved"
	TimelineCancelRequested    TimelineKind = "cancel_requested"
	TimelineWithdrawRequested  TimelineKind = "withdraw_requested"
	TimelineCancelled          TimelineKind = "cancelled"
	TimelineCompleted          TimelineKind = "completed"
)

// timelineRank orders entries that share a timestamp along the natural flow of a job.
var timelineRank = map[TimelineKind]int{
	TimelineCreated:            0,
	TimelineApplied:            1,
	TimelineApproved:           2,
	TimelineRejected:           3,
	TimelineStateChanged:       4,
	TimelineMilestoneSubmitted: 5,
	TimelineMilestoneRejected:  6,
	TimelineDisputeOpened:      7,
	TimelineDisputeResolved:    8,
	TimelineMilestoneAccepted:  9,
	TimelineClaimTimeout:       10,
	TimelineCancelRequested:    11,
	TimelineWithdrawRequested:  12,
	TimelineCancelled:          13,
	TimelineCompleted:          14,
}

type TimelineEntry struct {
	At          uint64       `json:"at"`
	Kind        TimelineKind `json:"kind"`
	Actor       string       `json:"actor,omitempty"`
	MilestoneID *uint64      `json:"milestone_id,omitempty"`
	Detail      string       `json:"detail,omitempty"`
	seq         uint64
}

func buildTimeline(in JobEvents) []TimelineEntry {
	var out []TimelineEntry
	add := func(s Stamp, kind TimelineKind, actor string, milestone *uint64, detail string) {
		out = append(out, TimelineEntry{
			At:          s.At,
			Kind:        kind,
			Actor:       domain.NormalizeAddress(actor),
			MilestoneID: milestone,
			Detail:      detail,
			seq:         s.Seq,
		})
	}
	ref := func(id uint64) *uint64 { return &id }

	if in.Created != nil {
		add(in.Created.Stamp, TimelineCreated, in.Created.Creator, nil, in.Created.ContentRef)
	}
	for _, a := range in.Applications {
		add(a.Stamp, TimelineApplied, a.Applicant, nil, "")
	}
	for _, c := range in.StateChanges {
		switch {
		case c.isApproval():
			add(c.Stamp, TimelineApproved, "", nil, "")
		case c.isRejection():
			add(c.Stamp, TimelineRejected, "", nil, "")
		case c.To.Cancelled():
			add(c.Stamp, TimelineCancelled, "", nil, string(c.To))
		case c.To == domain.JobCompleted:
			add(c.Stamp, TimelineCompleted, "", nil, "")
		default:
			add(c.Stamp, TimelineStateChanged, "", nil, string(c.From)+" -> "+string(c.To))
		}
	}
	for _, s := range in.Submissions {
		add(s.Stamp, TimelineMilestoneSubmitted, "", ref(s.MilestoneID), s.EvidenceRef)
	}
	for _, d := range in.Acceptances {
		add(d.Stamp, TimelineMilestoneAccepted, "", ref(d.MilestoneID), "")
	}
	for _, d := range in.Rejections {
		add(d.Stamp, TimelineMilestoneRejected, "", ref(d.MilestoneID), "")
	}
	for _, ct := range in.ClaimTimeouts {
		add(ct.Stamp, TimelineClaimTimeout, ct.ClaimedBy, ref(ct.MilestoneID), "")
	}
	for _, d := range in.DisputesOpened {
		add(d.Stamp, TimelineDisputeOpened, d.OpenedBy, ref(d.MilestoneID), d.EvidenceRef)
	}
	for _, r := range in.DisputesResolved {
		add(r.Stamp, TimelineDisputeResolved, "", ref(r.MilestoneID), string(domain.SideFromAssigneeFlag(r.WinnerIsAssignee)))
	}
	for _, r := range in.CancelRequests {
		if !domain.IsZeroAddress(r.RequestedBy) {
			add(r.Stamp, TimelineCancelRequested, r.RequestedBy, nil, "")
		}
	}
	for _, r := range in.WithdrawRequests {
		if !domain.IsZeroAddress(r.RequestedBy) {
			add(r.Stamp, TimelineWithdrawRequested, r.RequestedBy, nil, "")
		}
	}

	slices.SortFunc(out, func(a, b TimelineEntry) int {
		if c := cmp.Compare(a.At, b.At); c != 0 {
			return c
		}
		if c := cmp.Compare(timelineRank[a.Kind], timelineRank[b.Kind]); c != 0 {
			return c
		}
		if c := cmp.Compare(milestoneKey(a.MilestoneID), milestoneKey(b.MilestoneID)); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	return out
}

func milestoneKey(id *uint64) uint64 {
	if id == nil {
		return 0
	}
	return *id + 1
}
