// SPDX-License-Identifier: Apache-2.0

package projection

import (
	"fmt"
	"time"

	"github.com/adiadia/escrow-readmodel/internal/domain"
)

const (
	// QuorumSize is the number of distinct counted votes that decides a dispute.
	QuorumSize = 3
	// WinningVotes is the number of votes a side needs to win.
	WinningVotes = 2
	// DefaultVoteWindow is the time selected voters have before the first reselection is possible.
	DefaultVoteWindow = 240 * time.Second
)

type CountedVote struct {
	Voter  string      `json:"voter"`
	Side   domain.Side `json:"side"`
	CastAt uint64      `json:"cast_at"`
}

// DisputeSnapshot is the projected state of one dispute.
type DisputeSnapshot struct {
	DisputeID   uint64 `json:"dispute_id"`
	JobID       uint64 `json:"job_id"`
	MilestoneID uint64 `json:"milestone_id"`
	Creator     string `json:"creator"`
	Assignee    string `json:"assignee"`
	OpenedBy    string `json:"opened_by"`
	OpenedAt    uint64 `json:"opened_at"`

	Status           domain.DisputeStatus `json:"status"`
	CreatorEvidence  []string             `json:"creator_evidence"`
	AssigneeEvidence []string             `json:"assignee_evidence"`

	SelectedVoters     []string      `json:"selected_voters"`
	SelectedVoterCount uint64        `json:"selected_voter_count"`
	Votes              []CountedVote `json:"votes"`
	IgnoredVotes       int           `json:"ignored_votes,omitempty"`
	CreatorVotes       int           `json:"creator_votes"`
	AssigneeVotes      int           `json:"assignee_votes"`

	Winner     *domain.Side `json:"winner"`
	ResolvedAt uint64       `json:"resolved_at,omitempty"`

	LastVoteAt          uint64 `json:"last_vote_at"`
	LastReselectionAt   uint64 `json:"last_reselection_at"`
	InitialVoteDeadline uint64 `json:"initial_vote_deadline"`

	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
}

// VoteOf returns the counted vote cast by voter, if any.
func (d DisputeSnapshot) VoteOf(voter string) (CountedVote, bool) {
	for _, v := range d.Votes {
		if domain.SameAddress(v.Voter, voter) {
			return v, true
		}
	}
	return CountedVote{}, false
}

// CanReselect reports whether the selected voters may be replaced at now:
// the dispute is undecided, neither side has reached the winning count, the
// initial vote window has passed and cooldown has elapsed since the latest
// vote or reselection.
func (d DisputeSnapshot) CanReselect(now time.Time, cooldown time.Duration) bool {
	if d.Winner != nil || d.Status == domain.DisputeResolved {
		return false
	}
	if d.CreatorVotes >= WinningVotes || d.AssigneeVotes >= WinningVotes {
		return false
	}
	unix := now.Unix()
	if unix < 0 {
		return false
	}
	at := uint64(unix)
	if at < d.InitialVoteDeadline {
		return false
	}
	anchor := max(d.LastVoteAt, d.LastReselectionAt)
	return at >= anchor+uint64(max(cooldown, 0)/time.Second)
}

// ProjectDispute replays the facts of one dispute. It reports false when the
// dispute has no opening fact. A non-positive voteWindow uses DefaultVoteWindow.
func ProjectDispute(in DisputeEvents, voteWindow time.Duration) (DisputeSnapshot, bool) {
	if in.Opened == nil {
		return DisputeSnapshot{}, false
	}
	if voteWindow <= 0 {
		voteWindow = DefaultVoteWindow
	}

	var diags diagnostics
	subject := fmt.Sprintf("dispute %d", in.DisputeID)
	opened := *in.Opened

	snap := DisputeSnapshot{
		DisputeID:           in.DisputeID,
		JobID:               opened.JobID,
		MilestoneID:         opened.MilestoneID,
		Creator:             domain.NormalizeAddress(opened.Creator),
		Assignee:            domain.NormalizeAddress(opened.Assignee),
		OpenedBy:            domain.NormalizeAddress(opened.OpenedBy),
		OpenedAt:            opened.At,
		SelectedVoterCount:  opened.SelectedVoterCount,
		CreatorEvidence:     []string{},
		AssigneeEvidence:    []string{},
		SelectedVoters:      []string{},
		Votes:               []CountedVote{},
		LastVoteAt:          opened.At,
		InitialVoteDeadline: opened.At + uint64(voteWindow/time.Second),
	}

	attributeEvidence(&snap, opened, in.Evidence, subject, &diags)
	countVotes(&snap, in.Votes)

	var tallyWinner *domain.Side
	if len(snap.Votes) >= QuorumSize {
		side := domain.SideCreator
		if snap.AssigneeVotes >= WinningVotes {
			side = domain.SideAssignee
		}
		tallyWinner = &side
	}

	if res, ok := latest(in.Resolutions); ok {
		if len(in.Resolutions) > 1 {
			diags.add(DiagAmbiguous, subject, "resolved %d times", len(in.Resolutions))
		}
		side := domain.SideFromAssigneeFlag(res.WinnerIsAssignee)
		if tallyWinner != nil && *tallyWinner != side {
			diags.add(DiagAmbiguous, subject, "resolution names %s but counted votes favour %s", side, *tallyWinner)
		}
		snap.Winner = &side
		snap.ResolvedAt = res.At
	} else if tallyWinner != nil {
		snap.Winner = tallyWinner
		snap.ResolvedAt = snap.Votes[QuorumSize-1].CastAt
	}

	switch {
	case snap.Winner != nil:
		snap.Status = domain.DisputeResolved
	case len(snap.Votes) > 0:
		snap.Status = domain.DisputeVoting
	default:
		snap.Status = domain.DisputeOpen
	}

	seen := make(map[string]bool)
	for _, sel := range chronological(in.Selections) {
		voter := domain.NormalizeAddress(sel.Voter)
		if voter == "" {
			continue
		}
		if !seen[voter] {
			seen[voter] = true
			snap.SelectedVoters = append(snap.SelectedVoters, voter)
		}
		if sel.At > opened.At && sel.At > snap.LastReselectionAt {
			snap.LastReselectionAt = sel.At
		}
	}

	snap.Diagnostics = diags.sorted()
	return snap, true
}

// countVotes keeps the earliest vote of each voter and counts the first QuorumSize of them.
func countVotes(snap *DisputeSnapshot, votes []Vote) {
	seen := make(map[string]bool)
	for _, v := range chronological(votes) {
		voter := domain.NormalizeAddress(v.Voter)
		if voter == "" || seen[voter] {
			continue
		}
		seen[voter] = true
		if len(snap.Votes) == QuorumSize {
			snap.IgnoredVotes++
			continue
		}

		side := domain.SideFromAssigneeFlag(v.ForAssignee)
		snap.Votes = append(snap.Votes, CountedVote{Voter: voter, Side: side, CastAt: v.At})
		if side == domain.SideAssignee {
			snap.AssigneeVotes++
		} else {
			snap.CreatorVotes++
		}
		snap.LastVoteAt = max(snap.LastVoteAt, v.At)
	}
}

// attributeEvidence files each evidence reference under the counterparty that
// submitted it. The opening reference is the opener's first entry.
func attributeEvidence(snap *DisputeSnapshot, opened DisputeOpening, evidence []EvidenceSubmission, subject string, diags *diagnostics) {
	file := func(by, ref string) bool {
		switch {
		case ref == "":
			return true
		case domain.SameAddress(by, snap.Creator):
			snap.CreatorEvidence = append(snap.CreatorEvidence, ref)
		case domain.SameAddress(by, snap.Assignee):
			snap.AssigneeEvidence = append(snap.AssigneeEvidence, ref)
		default:
			return false
		}
		return true
	}

	if !file(opened.OpenedBy, opened.EvidenceRef) {
		diags.add(DiagUnattributed, subject, "opener %s matches no counterparty", snap.OpenedBy)
	}
	for _, e := range chronological(evidence) {
		if !file(e.AddedBy, e.Ref) {
			diags.add(DiagUnattributed, subject, "evidence from %s matches no counterparty", domain.NormalizeAddress(e.AddedBy))
		}
	}
}
