// SPDX-License-Identifier: Apache-2.0

package projection

import (
	"testing"

	"github.com/adiadia/escrow-readmodel/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hasDiagnostic(snap JobSnapshot, kind DiagnosticKind) bool {
	for _, d := range snap.Diagnostics {
		if d.Kind == kind {
			return true
		}
	}
	return false
}

func TestAcceptedMilestoneStartsNextDeadline(t *testing.T) {
	const acceptedAt = 1400
	snap := project(t, assigned().submit(0, 1300, 0, "bafywork").accept(0, acceptedAt, 0))

	require.Len(t, snap.Milestones, 2)
	assert.Equal(t, domain.JobInProgress, snap.Lifecycle)
	assert.Equal(t, domain.MilestoneAccepted, snap.Milestones[0].Status)
	assert.EqualValues(t, acceptedAt, snap.Milestones[0].ResolvedAt)
	assert.Equal(t, "bafywork", snap.Milestones[0].EvidenceRef)
	assert.EqualValues(t, acceptedAt+day, snap.Milestones[1].Deadline)
	assert.Equal(t, domain.MilestonePending, snap.Milestones[1].Status)
	assert.Empty(t, snap.Diagnostics)
}

func TestNextDeadlineInactiveUntilPredecessorAccepted(t *testing.T) {
	snap := project(t, assigned().submit(0, 1300, 0, "bafywork"))

	m0, m1 := snap.Milestones[0], snap.Milestones[1]
	assert.Equal(t, domain.MilestoneSubmitted, m0.Status)
	assert.EqualValues(t, 1300+3600, m0.ReviewDeadline)
	assert.EqualValues(t, 1200+day, m0.Deadline)
	assert.Zero(t, m1.Deadline)
}

func TestAssigneeTimeoutClaimAutoAcceptsSubmission(t *testing.T) {
	snap := project(t, assigned().
		submit(0, 1300, 0, "bafywork").
		timeout(0, assigneeAddr, 1300+3600+1, 0))

	m0 := snap.Milestones[0]
	assert.Equal(t, domain.MilestoneAccepted, m0.Status)
	assert.Equal(t, domain.SideAssignee, m0.ClaimedBy)
	assert.EqualValues(t, 1300, m0.ResolvedAt)
	assert.EqualValues(t, 1300+day, snap.Milestones[1].Deadline)
}

func TestAssigneeTimeoutClaimWithoutSubmissionStaysPending(t *testing.T) {
	snap := project(t, assigned().timeout(0, assigneeAddr, 1500, 0))
	assert.Equal(t, domain.MilestonePending, snap.Milestones[0].Status)
}

func TestLateRejectionAfterAcceptanceLocks(t *testing.T) {
	snap := project(t, assigned().
		submit(0, 1300, 0, "bafywork").
		accept(0, 1400, 0).
		reject(0, 1500, 0))

	assert.Equal(t, domain.MilestoneLocked, snap.Milestones[0].Status)
	assert.Zero(t, snap.Milestones[0].ResolvedAt)
	assert.Zero(t, snap.Milestones[1].Deadline)
}

func TestRejectionWithoutAcceptanceLocks(t *testing.T) {
	snap := project(t, assigned().submit(0, 1300, 0, "bafywork").reject(0, 1400, 0))

	assert.Equal(t, domain.MilestoneLocked, snap.Milestones[0].Status)
	assert.EqualValues(t, 1400, snap.Milestones[0].RejectedAt)
	assert.Equal(t, domain.JobInProgress, snap.State)
}

func TestResubmissionAfterRejectionIsFlagged(t *testing.T) {
	snap := project(t, assigned().
		submit(0, 1300, 0, "bafyv1").
		reject(0, 1400, 0).
		submit(0, 1500, 1, "bafyv2"))

	assert.Equal(t, domain.MilestoneLocked, snap.Milestones[0].Status)
	assert.Equal(t, "bafyv2", snap.Milestones[0].EvidenceRef)
	assert.True(t, hasDiagnostic(snap, DiagUncovered))
}

func TestDisputeOnLockedMilestone(t *testing.T) {
	locked := assigned().
		submit(0, 1300, 0, "bafywork").
		reject(0, 1400, 0).
		openDispute(3, 0, assigneeAddr, 1500, 0)

	before := project(t, locked)
	assert.Equal(t, domain.MilestoneLocked, before.Milestones[0].Status)
	assert.Equal(t, domain.JobDisputed, before.State)
	assert.Equal(t, domain.JobInProgress, before.Lifecycle)
	assert.EqualValues(t, 3, before.ActiveDisputeID)
	assert.EqualValues(t, 3, before.Milestones[0].DisputeID)

	after := project(t, locked.resolveDispute(3, 0, false, 1700, 0))
	m0 := after.Milestones[0]
	assert.Equal(t, domain.MilestoneAccepted, m0.Status)
	require.NotNil(t, m0.DisputeWinner)
	assert.Equal(t, domain.SideCreator, *m0.DisputeWinner)
	assert.EqualValues(t, 1700, m0.ResolvedAt)
	assert.Equal(t, domain.JobInProgress, after.State)
	assert.Zero(t, after.ActiveDisputeID)
	assert.EqualValues(t, 1700+day, after.Milestones[1].Deadline)
}

func TestDisputeResolutionOverridesLateRejection(t *testing.T) {
	snap := project(t, assigned().
		submit(0, 1300, 0, "bafywork").
		accept(0, 1400, 0).
		reject(0, 1500, 0).
		resolveDispute(3, 0, true, 1600, 0))

	assert.Equal(t, domain.MilestoneAccepted, snap.Milestones[0].Status)
	assert.EqualValues(t, 1600, snap.Milestones[0].ResolvedAt)
}

func TestExplicitDeadlineAppliesOnceActive(t *testing.T) {
	in := assigned()
	in.Milestones[1].Deadline = 999_999

	snap := project(t, in)
	assert.Zero(t, snap.Milestones[1].Deadline, "inactive milestone has no deadline")

	snap = project(t, in.submit(0, 1300, 0, "bafywork").accept(0, 1400, 0))
	assert.EqualValues(t, 999_999, snap.Milestones[1].Deadline)
}

func TestRepeatedAcceptanceIsAmbiguous(t *testing.T) {
	snap := project(t, assigned().
		submit(0, 1300, 0, "bafywork").
		accept(0, 1400, 0).
		accept(0, 1450, 1))

	assert.Equal(t, domain.MilestoneAccepted, snap.Milestones[0].Status)
	assert.EqualValues(t, 1450, snap.Milestones[0].ResolvedAt)
	assert.True(t, hasDiagnostic(snap, DiagAmbiguous))
}

func TestUnknownResolutionTimeLeavesDeadlineUndetermined(t *testing.T) {
	snap := project(t, assigned().accept(0, 0, 0))

	assert.Equal(t, domain.MilestoneAccepted, snap.Milestones[0].Status)
	assert.Zero(t, snap.Milestones[1].Deadline)
	assert.True(t, hasDiagnostic(snap, DiagUndeterminedDeadline))
}

func TestMilestoneListIsOrderedAndDeduplicated(t *testing.T) {
	in := assigned()
	in.Created.MilestoneCount = 3
	in.Milestones = []MilestoneSpec{
		{Stamp: Stamp{At: 1000, Seq: 3}, ID: 1, Amount: 250, Duration: day},
		{Stamp: Stamp{At: 1000, Seq: 0}, ID: 0, Amount: 100, Duration: day},
		{Stamp: Stamp{At: 1000, Seq: 1}, ID: 1, Amount: 200, Duration: day},
	}

	snap := project(t, in)
	require.Len(t, snap.Milestones, 2)
	assert.EqualValues(t, 0, snap.Milestones[0].ID)
	assert.EqualValues(t, 250, snap.Milestones[1].Amount)
	assert.True(t, hasDiagnostic(snap, DiagAmbiguous))
	assert.True(t, hasDiagnostic(snap, DiagIncomplete))
}
