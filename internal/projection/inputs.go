// SPDX-License-Identifier: Apache-2.0

// Package projection replays decoded ledger events into job, milestone and
// dispute snapshots. Every function here is pure: the same set of facts always
// yields the same snapshot, whatever order the facts were supplied in.
package projection

import "github.com/adiadia/escrow-readmodel/internal/domain"

// Creation is the job creation fact.
type Creation struct {
	Stamp
	Creator             string
	ContentRef          string
	TotalValue          uint64
	MilestoneCount      uint64
	ApplicationDeadline uint64
}

type Application struct {
	Stamp
	Applicant string
}

type StateChange struct {
	Stamp
	From domain.JobState
	To   domain.JobState
}

func (c StateChange) isApproval() bool {
	return c.From == domain.JobPendingApproval && c.To == domain.JobInProgress
}

func (c StateChange) isRejection() bool {
	return c.From == domain.JobPendingApproval && c.To == domain.JobPosted
}

type ClaimTimeout struct {
	Stamp
	MilestoneID  uint64
	ClaimedBy    string
	StakeClaimed bool
}

// MilestoneSpec is a milestone as declared by its creation event.
type MilestoneSpec struct {
	Stamp
	ID             uint64
	Amount         uint64
	Duration       uint64
	Deadline       uint64
	ReviewPeriod   uint64
	ReviewDeadline uint64
}

type Submission struct {
	Stamp
	MilestoneID uint64
	EvidenceRef string
}

// Decision is a milestone acceptance or rejection.
type Decision struct {
	Stamp
	MilestoneID uint64
}

type DisputeOpening struct {
	Stamp
	DisputeID          uint64
	JobID              uint64
	MilestoneID        uint64
	Creator            string
	Assignee           string
	OpenedBy           string
	EvidenceRef        string
	SelectedVoterCount uint64
}

type DisputeResolution struct {
	Stamp
	DisputeID        uint64
	JobID            uint64
	MilestoneID      uint64
	WinnerIsAssignee bool
	AssigneeVotes    uint64
	CreatorVotes     uint64
}

// Request is a pending mutual-cancel or withdraw request. A zero requester clears it.
type Request struct {
	Stamp
	RequestedBy string
}

// JobEvents is every fact about one job, already filtered by job id.
type JobEvents struct {
	JobID            uint64
	Created          *Creation
	Applications     []Application
	StateChanges     []StateChange
	ClaimTimeouts    []ClaimTimeout
	Milestones       []MilestoneSpec
	Submissions      []Submission
	Acceptances      []Decision
	Rejections       []Decision
	DisputesOpened   []DisputeOpening
	DisputesResolved []DisputeResolution
	CancelRequests   []Request
	WithdrawRequests []Request
}

type Vote struct {
	Stamp
	Voter       string
	ForAssignee bool
}

type EvidenceSubmission struct {
	Stamp
	AddedBy string
	Ref     string
}

type VoterSelection struct {
	Stamp
	Voter string
}

// DisputeEvents is every fact about one dispute, already filtered by dispute id.
type DisputeEvents struct {
	DisputeID   uint64
	Opened      *DisputeOpening
	Votes       []Vote
	Evidence    []EvidenceSubmission
	Resolutions []DisputeResolution
	Selections  []VoterSelection
}
