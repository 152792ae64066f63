// SPDX-License-Identifier: Apache-2.0

package projection

import "github.com/adiadia/escrow-readmodel/internal/domain"

const (
	creatorAddr  = "0xa"
	assigneeAddr = "0xb"
	otherAddr    = "0xc"
	day          = 86400
)

// twoMilestoneJob is a job created at 1000 with milestones of 100 and 200,
// each lasting a day.
func twoMilestoneJob() JobEvents {
	return JobEvents{
		JobID: 7,
		Created: &Creation{
			Stamp:               Stamp{At: 1000, Seq: 0},
			Creator:             creatorAddr,
			ContentRef:          "bafyjob",
			TotalValue:          300,
			MilestoneCount:      2,
			ApplicationDeadline: 5000,
		},
		Milestones: []MilestoneSpec{
			{Stamp: Stamp{At: 1000, Seq: 0}, ID: 0, Amount: 100, Duration: day, ReviewPeriod: 3600},
			{Stamp: Stamp{At: 1000, Seq: 1}, ID: 1, Amount: 200, Duration: day, ReviewPeriod: 3600},
		},
	}
}

func (in JobEvents) apply(by string, at, seq uint64) JobEvents {
	in.Applications = append(in.Applications, Application{Stamp: Stamp{At: at, Seq: seq}, Applicant: by})
	return in
}

func (in JobEvents) change(from, to domain.JobState, at, seq uint64) JobEvents {
	in.StateChanges = append(in.StateChanges, StateChange{Stamp: Stamp{At: at, Seq: seq}, From: from, To: to})
	return in
}

func (in JobEvents) submit(milestone, at, seq uint64, evidence string) JobEvents {
	in.Submissions = append(in.Submissions, Submission{Stamp: Stamp{At: at, Seq: seq}, MilestoneID: milestone, EvidenceRef: evidence})
	return in
}

func (in JobEvents) accept(milestone, at, seq uint64) JobEvents {
	in.Acceptances = append(in.Acceptances, Decision{Stamp: Stamp{At: at, Seq: seq}, MilestoneID: milestone})
	return in
}

func (in JobEvents) reject(milestone, at, seq uint64) JobEvents {
	in.Rejections = append(in.Rejections, Decision{Stamp: Stamp{At: at, Seq: seq}, MilestoneID: milestone})
	return in
}

func (in JobEvents) timeout(milestone uint64, by string, at, seq uint64) JobEvents {
	in.ClaimTimeouts = append(in.ClaimTimeouts, ClaimTimeout{Stamp: Stamp{At: at, Seq: seq}, MilestoneID: milestone, ClaimedBy: by})
	return in
}

func (in JobEvents) openDispute(dispute, milestone uint64, by string, at, seq uint64) JobEvents {
	in.DisputesOpened = append(in.DisputesOpened, DisputeOpening{
		Stamp:       Stamp{At: at, Seq: seq},
		DisputeID:   dispute,
		JobID:       in.JobID,
		MilestoneID: milestone,
		Creator:     creatorAddr,
		Assignee:    assigneeAddr,
		OpenedBy:    by,
	})
	return in
}

func (in JobEvents) resolveDispute(dispute, milestone uint64, forAssignee bool, at, seq uint64) JobEvents {
	in.DisputesResolved = append(in.DisputesResolved, DisputeResolution{
		Stamp:            Stamp{At: at, Seq: seq},
		DisputeID:        dispute,
		JobID:            in.JobID,
		MilestoneID:      milestone,
		WinnerIsAssignee: forAssignee,
	})
	return in
}

// assigned is twoMilestoneJob with 0xb applying at 1100 and approved at 1200.
func assigned() JobEvents {
	return twoMilestoneJob().
		apply(assigneeAddr, 1100, 0).
		change(domain.JobPosted, domain.JobPendingApproval, 1100, 0).
		change(domain.JobPendingApproval, domain.JobInProgress, 1200, 1)
}

func baseDispute() DisputeEvents {
	return DisputeEvents{
		DisputeID: 3,
		Opened: &DisputeOpening{
			Stamp:              Stamp{At: 2000, Seq: 0},
			DisputeID:          3,
			JobID:              7,
			MilestoneID:        0,
			Creator:            creatorAddr,
			Assignee:           assigneeAddr,
			OpenedBy:           assigneeAddr,
			EvidenceRef:        "bafyopen",
			SelectedVoterCount: 3,
		},
	}
}

func (in DisputeEvents) vote(voter string, forAssignee bool, at, seq uint64) DisputeEvents {
	in.Votes = append(in.Votes, Vote{Stamp: Stamp{At: at, Seq: seq}, Voter: voter, ForAssignee: forAssignee})
	return in
}
