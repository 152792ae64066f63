// SPDX-License-Identifier: Apache-2.0

package history

import (
	"cmp"
	"slices"

	"github.com/adiadia/escrow-readmodel/internal/domain"
	"github.com/adiadia/escrow-readmodel/internal/projection"
)

// Participation outcomes.
const (
	OutcomePending  = "pending"
	OutcomeWon      = "won"
	OutcomeLost     = "lost"
	OutcomeMajority = "voted_with_majority"
	OutcomeMinority = "voted_with_minority"
	OutcomeNotVoted = "not_voted"
)

type DisputeEntry struct {
	DisputeID   uint64                  `json:"dispute_id"`
	JobID       uint64                  `json:"job_id"`
	MilestoneID uint64                  `json:"milestone_id"`
	Roles       []Role                  `json:"roles"`
	Status      domain.DisputeStatus    `json:"status"`
	Winner      *domain.Side            `json:"winner"`
	Outcome     string                  `json:"outcome"`
	Vote        *projection.CountedVote `json:"vote,omitempty"`
	OpenedAt    uint64                  `json:"opened_at"`
	ResolvedAt  uint64                  `json:"resolved_at,omitempty"`
}

// DisputeHistory lists the disputes address took part in as a counterparty,
// opener or voter, newest first.
func DisputeHistory(address string, disputes []projection.DisputeSnapshot) []DisputeEntry {
	addr := domain.NormalizeAddress(address)
	if addr == "" {
		return nil
	}

	entries := make([]DisputeEntry, 0)
	for _, d := range disputes {
		if d.DisputeID == 0 {
			continue
		}
		roles := disputeRoles(addr, d)
		if len(roles) == 0 {
			continue
		}

		entry := DisputeEntry{
			DisputeID:   d.DisputeID,
			JobID:       d.JobID,
			MilestoneID: d.MilestoneID,
			Roles:       roles,
			Status:      d.Status,
			Winner:      d.Winner,
			OpenedAt:    d.OpenedAt,
			ResolvedAt:  d.ResolvedAt,
		}
		if v, ok := d.VoteOf(addr); ok {
			entry.Vote = &v
		}
		entry.Outcome = participationOutcome(roles[0], entry.Vote, d)
		entries = append(entries, entry)
	}

	sortByOpened(entries)
	return entries
}

// VoterHistory lists the disputes address was selected to vote on, with its counted vote.
func VoterHistory(address string, disputes []projection.DisputeSnapshot) []DisputeEntry {
	addr := domain.NormalizeAddress(address)
	if addr == "" {
		return nil
	}

	entries := make([]DisputeEntry, 0)
	for _, d := range disputes {
		if d.DisputeID == 0 || !isVoter(addr, d) {
			continue
		}
		entry := DisputeEntry{
			DisputeID:   d.DisputeID,
			JobID:       d.JobID,
			MilestoneID: d.MilestoneID,
			Roles:       []Role{RoleVoter},
			Status:      d.Status,
			Winner:      d.Winner,
			OpenedAt:    d.OpenedAt,
			ResolvedAt:  d.ResolvedAt,
		}
		if v, ok := d.VoteOf(addr); ok {
			entry.Vote = &v
		}
		entry.Outcome = participationOutcome(RoleVoter, entry.Vote, d)
		entries = append(entries, entry)
	}

	sortByOpened(entries)
	return entries
}

func disputeRoles(addr string, d projection.DisputeSnapshot) []Role {
	var roles []Role
	if d.Creator == addr {
		roles = append(roles, RoleCreator)
	}
	if d.Assignee == addr {
		roles = append(roles, RoleAssignee)
	}
	if d.OpenedBy == addr {
		roles = append(roles, RoleOpener)
	}
	if isVoter(addr, d) {
		roles = append(roles, RoleVoter)
	}
	return roles
}

func isVoter(addr string, d projection.DisputeSnapshot) bool {
	if slices.Contains(d.SelectedVoters, addr) {
		return true
	}
	_, ok := d.VoteOf(addr)
	return ok
}

func participationOutcome(role Role, vote *projection.CountedVote, d projection.DisputeSnapshot) string {
	if role == RoleVoter {
		switch {
		case vote == nil:
			if d.Winner != nil {
				return OutcomeNotVoted
			}
			return OutcomePending
		case d.Winner == nil:
			return OutcomePending
		case vote.Side == *d.Winner:
			return OutcomeMajority
		default:
			return OutcomeMinority
		}
	}

	if d.Winner == nil {
		return OutcomePending
	}
	side := domain.SideCreator
	if role == RoleAssignee {
		side = domain.SideAssignee
	}
	if role == RoleOpener {
		if d.OpenedBy == d.Assignee {
			side = domain.SideAssignee
		}
	}
	if *d.Winner == side {
		return OutcomeWon
	}
	return OutcomeLost
}

func sortByOpened(entries []DisputeEntry) {
	slices.SortStableFunc(entries, func(a, b DisputeEntry) int {
		if c := cmp.Compare(b.OpenedAt, a.OpenedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.DisputeID, a.DisputeID)
	})
}
