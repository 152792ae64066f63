// SPDX-License-Identifier: Apache-2.0

package domain

// Event payloads as emitted by the escrow and dispute modules. Field names
// follow the ledger's JSON; Go names use the creator/assignee/voter roles.

type JobCreatedEvent struct {
	JobID               U64    `json:"job_id"`
	Creator             string `json:"poster"`
	ContentRef          string `json:"cid"`
	TotalValue          U64    `json:"total_amount"`
	MilestoneCount      U64    `json:"milestones_count"`
	ApplicationDeadline U64    `json:"apply_deadline"`
	CreatedAt           U64    `json:"created_at"`
}

type JobAppliedEvent struct {
	JobID     U64    `json:"job_id"`
	Applicant string `json:"freelancer"`
	AppliedAt U64    `json:"applied_at"`
}

type JobStateChangedEvent struct {
	JobID     U64     `json:"job_id"`
	OldState  Variant `json:"old_state"`
	NewState  Variant `json:"new_state"`
	ChangedAt U64     `json:"changed_at"`
}

type MilestoneCreatedEvent struct {
	JobID          U64 `json:"job_id"`
	MilestoneID    U64 `json:"milestone_id"`
	Amount         U64 `json:"amount"`
	Duration       U64 `json:"duration"`
	Deadline       U64 `json:"deadline"`
	ReviewPeriod   U64 `json:"review_period"`
	ReviewDeadline U64 `json:"review_deadline"`
}

type MilestoneSubmittedEvent struct {
	JobID       U64    `json:"job_id"`
	MilestoneID U64    `json:"milestone_id"`
	EvidenceRef string `json:"evidence_cid"`
	SubmittedAt U64    `json:"submitted_at"`
}

type MilestoneAcceptedEvent struct {
	JobID       U64 `json:"job_id"`
	MilestoneID U64 `json:"milestone_id"`
	AcceptedAt  U64 `json:"accepted_at"`
}

type MilestoneRejectedEvent struct {
	JobID       U64 `json:"job_id"`
	MilestoneID U64 `json:"milestone_id"`
	RejectedAt  U64 `json:"rejected_at"`
}

type ClaimTimeoutEvent struct {
	JobID        U64    `json:"job_id"`
	MilestoneID  U64    `json:"milestone_id"`
	ClaimedBy    string `json:"claimed_by"`
	ClaimedAt    U64    `json:"claimed_at"`
	StakeClaimed U64    `json:"freelancer_stake_claimed"`
}

// CancelRequestedEvent covers both mutual-cancel and assignee-withdraw requests.
type CancelRequestedEvent struct {
	JobID       U64    `json:"job_id"`
	RequestedBy string `json:"requested_by"`
	RequestedAt U64    `json:"requested_at"`
}

type DisputeOpenedEvent struct {
	DisputeID          U64    `json:"dispute_id"`
	JobID              U64    `json:"job_id"`
	MilestoneID        U64    `json:"milestone_id"`
	Creator            string `json:"poster"`
	Assignee           string `json:"freelancer"`
	OpenedBy           string `json:"opened_by"`
	EvidenceRef        string `json:"evidence_cid"`
	OpenedAt           U64    `json:"created_at"`
	SelectedVoterCount U64    `json:"selected_reviewers_count"`
}

type DisputeVotedEvent struct {
	DisputeID   U64    `json:"dispute_id"`
	Voter       string `json:"reviewer"`
	ForAssignee *bool  `json:"vote_for_freelancer"`
	Choice      *bool  `json:"choice"`
	VotedAt     U64    `json:"voted_at"`
}

// VotesForAssignee resolves the two field spellings the dispute module has used.
func (v DisputeVotedEvent) VotesForAssignee() (bool, bool) {
	if v.ForAssignee != nil {
		return *v.ForAssignee, true
	}
	if v.Choice != nil {
		return *v.Choice, true
	}
	return false, false
}

type EvidenceAddedEvent struct {
	DisputeID   U64    `json:"dispute_id"`
	AddedBy     string `json:"added_by"`
	EvidenceRef string `json:"evidence_cid"`
	AddedAt     U64    `json:"added_at"`
}

type DisputeResolvedEvent struct {
	DisputeID        U64  `json:"dispute_id"`
	JobID            U64  `json:"job_id"`
	MilestoneID      U64  `json:"milestone_id"`
	WinnerIsAssignee bool `json:"winner_is_freelancer"`
	AssigneeVotes    U64  `json:"freelancer_votes"`
	CreatorVotes     U64  `json:"poster_votes"`
	ResolvedAt       U64  `json:"resolved_at"`
}

type VoterSelectedEvent struct {
	DisputeID   U64    `json:"dispute_id"`
	JobID       U64    `json:"job_id"`
	MilestoneID U64    `json:"milestone_id"`
	Voter       string `json:"reviewer"`
	SelectedAt  U64    `json:"timestamp"`
}

type ReputationChangedEvent struct {
	Address   string `json:"address"`
	NewValue  U64    `json:"new_value"`
	ChangedAt U64    `json:"changed_at"`
	Timestamp U64    `json:"timestamp"`
}

// When is changed_at, or the older timestamp field when that is absent.
func (r ReputationChangedEvent) When() uint64 {
	if r.ChangedAt != 0 {
		return uint64(r.ChangedAt)
	}
	return uint64(r.Timestamp)
}

type RoleRegisteredEvent struct {
	Address      string `json:"address"`
	RoleKind     U64    `json:"role_kind"`
	ContentRef   string `json:"cid"`
	RegisteredAt U64    `json:"registered_at"`
}
