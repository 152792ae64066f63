// SPDX-License-Identifier: Apache-2.0

package domain

import "strings"

type JobState string

const (
	JobPosted             JobState = "Posted"
	JobPendingApproval    JobState = "PendingApproval"
	JobInProgress         JobState = "InProgress"
	JobCompleted          JobState = "Completed"
	JobCancelled          JobState = "Cancelled"
	JobCancelledByCreator JobState = "CancelledByCreator"
	JobDisputed           JobState = "Disputed"
)

// ParseJobState maps a ledger variant name onto the closed JobState set.
func ParseJobState(variant string) (JobState, bool) {
	switch strings.TrimSpace(variant) {
	case "Posted":
		return JobPosted, true
	case "PendingApproval":
		return JobPendingApproval, true
	case "InProgress":
		return JobInProgress, true
	case "Completed":
		return JobCompleted, true
	case "Cancelled":
		return JobCancelled, true
	case "CancelledByPoster", "CancelledByCreator":
		return JobCancelledByCreator, true
	case "Disputed":
		return JobDisputed, true
	default:
		return "", false
	}
}

// Cancelled reports whether s is one of the cancellation states.
func (s JobState) Cancelled() bool {
	return s == JobCancelled || s == JobCancelledByCreator
}

// Started reports whether s is only reachable once an assignee was confirmed.
func (s JobState) Started() bool {
	switch s {
	case JobInProgress, JobCompleted, JobDisputed:
		return true
	default:
		return false
	}
}

type MilestoneStatus string

const (
	MilestonePending   MilestoneStatus = "Pending"
	MilestoneSubmitted MilestoneStatus = "Submitted"
	MilestoneAccepted  MilestoneStatus = "Accepted"
	MilestoneLocked    MilestoneStatus = "Locked"
	MilestoneWithdrawn MilestoneStatus = "Withdrawn"
)

// ParseMilestoneStatus maps a ledger variant name onto the closed MilestoneStatus set.
func ParseMilestoneStatus(variant string) (MilestoneStatus, bool) {
	switch strings.TrimSpace(variant) {
	case "Pending":
		return MilestonePending, true
	case "Submitted":
		return MilestoneSubmitted, true
	case "Accepted":
		return MilestoneAccepted, true
	case "Locked":
		return MilestoneLocked, true
	case "Withdrawn":
		return MilestoneWithdrawn, true
	default:
		return "", false
	}
}

type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "Open"
	DisputeVoting   DisputeStatus = "Voting"
	DisputeResolved DisputeStatus = "Resolved"
)

// Side names one of the two counterparties of a job.
type Side string

const (
	SideCreator  Side = "creator"
	SideAssignee Side = "assignee"
)

// SideFromAssigneeFlag converts the ledger's "in favour of the assignee" boolean.
func SideFromAssigneeFlag(forAssignee bool) Side {
	if forAssignee {
		return SideAssignee
	}
	return SideCreator
}
