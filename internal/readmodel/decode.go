// SPDX-License-Identifier: Apache-2.0

package readmodel

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/adiadia/escrow-readmodel/internal/domain"
	"github.com/adiadia/escrow-readmodel/internal/metrics"
	"github.com/adiadia/escrow-readmodel/internal/projection"
)

const diagMalformed = "malformed"

// decodeEach unmarshals every event payload into P and hands it to fn.
// Payloads that cannot be parsed are logged and skipped.
func decodeEach[P any](logger *slog.Logger, events []domain.Event, fn func(domain.Event, P)) {
	for _, ev := range events {
		var p P
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			metrics.IncProjectionDiagnostic(diagMalformed)
			logger.Warn("skipping malformed event",
				"stream", ev.Field, "sequence", ev.Sequence,
				"error", errors.Join(domain.ErrMalformedUpstreamData, err))
			continue
		}
		fn(ev, p)
	}
}

func stampOf(ev domain.Event, at domain.U64) projection.Stamp {
	return projection.Stamp{At: uint64(at), Seq: ev.Sequence}
}

// jobIndex collects the facts of the jobs accepted by want. A job whose facts
// cannot all be decoded is recorded in broken and must not be projected.
type jobIndex struct {
	logger *slog.Logger
	want   func(uint64) bool
	jobs   map[uint64]*projection.JobEvents
	broken map[uint64]error
}

func newJobIndex(logger *slog.Logger, want func(uint64) bool) *jobIndex {
	return &jobIndex{
		logger: logger,
		want:   want,
		jobs:   make(map[uint64]*projection.JobEvents),
		broken: make(map[uint64]error),
	}
}

// job returns the facts collected for id, or nil when id is not wanted.
func (x *jobIndex) job(id domain.U64) *projection.JobEvents {
	jobID := uint64(id)
	if !x.want(jobID) {
		return nil
	}
	in, ok := x.jobs[jobID]
	if !ok {
		in = &projection.JobEvents{JobID: jobID}
		x.jobs[jobID] = in
	}
	return in
}

func (x *jobIndex) addCreated(events []domain.Event) {
	decodeEach(x.logger, events, func(ev domain.Event, p domain.JobCreatedEvent) {
		in := x.job(p.JobID)
		if in == nil {
			return
		}
		c := &projection.Creation{
			Stamp:               stampOf(ev, p.CreatedAt),
			Creator:             domain.NormalizeAddress(p.Creator),
			ContentRef:          p.ContentRef,
			TotalValue:          uint64(p.TotalValue),
			MilestoneCount:      uint64(p.MilestoneCount),
			ApplicationDeadline: uint64(p.ApplicationDeadline),
		}
		if in.Created != nil {
			x.logger.Warn("duplicate job creation event", "job_id", in.JobID, "sequence", ev.Sequence)
			if c.Stamp.Before(in.Created.Stamp) {
				return
			}
		}
		in.Created = c
	})
}

func (x *jobIndex) add(streams map[stream][]domain.Event) {
	decodeEach(x.logger, streams[jobAppliedStream], func(ev domain.Event, p domain.JobAppliedEvent) {
		if in := x.job(p.JobID); in != nil {
			in.Applications = append(in.Applications, projection.Application{
				Stamp:     stampOf(ev, p.AppliedAt),
				Applicant: domain.NormalizeAddress(p.Applicant),
			})
		}
	})
	decodeEach(x.logger, streams[jobStateChangedStream], func(ev domain.Event, p domain.JobStateChangedEvent) {
		in := x.job(p.JobID)
		if in == nil {
			return
		}
		from, okFrom := domain.ParseJobState(string(p.OldState))
		to, okTo := domain.ParseJobState(string(p.NewState))
		if !okFrom || !okTo {
			metrics.IncProjectionDiagnostic(diagMalformed)
			x.broken[in.JobID] = fmt.Errorf("%w: job %d: unknown state change %q -> %q: %w",
				domain.ErrUndetermined, in.JobID, p.OldState, p.NewState, domain.ErrMalformedUpstreamData)
			return
		}
		in.StateChanges = append(in.StateChanges, projection.StateChange{
			Stamp: stampOf(ev, p.ChangedAt),
			From:  from,
			To:    to,
		})
	})
	decodeEach(x.logger, streams[milestoneCreatedStream], func(ev domain.Event, p domain.MilestoneCreatedEvent) {
		if in := x.job(p.JobID); in != nil {
			in.Milestones = append(in.Milestones, projection.MilestoneSpec{
				Stamp:          projection.Stamp{Seq: ev.Sequence},
				ID:             uint64(p.MilestoneID),
				Amount:         uint64(p.Amount),
				Duration:       uint64(p.Duration),
				Deadline:       uint64(p.Deadline),
				ReviewPeriod:   uint64(p.ReviewPeriod),
				ReviewDeadline: uint64(p.ReviewDeadline),
			})
		}
	})
	decodeEach(x.logger, streams[milestoneSubmitStream], func(ev domain.Event, p domain.MilestoneSubmittedEvent) {
		if in := x.job(p.JobID); in != nil {
			in.Submissions = append(in.Submissions, projection.Submission{
				Stamp:       stampOf(ev, p.SubmittedAt),
				MilestoneID: uint64(p.MilestoneID),
				EvidenceRef: p.EvidenceRef,
			})
		}
	})
	decodeEach(x.logger, streams[milestoneAcceptStream], func(ev domain.Event, p domain.MilestoneAcceptedEvent) {
		if in := x.job(p.JobID); in != nil {
			in.Acceptances = append(in.Acceptances, projection.Decision{
				Stamp:       stampOf(ev, p.AcceptedAt),
				MilestoneID: uint64(p.MilestoneID),
			})
		}
	})
	decodeEach(x.logger, streams[milestoneRejectStream], func(ev domain.Event, p domain.MilestoneRejectedEvent) {
		if in := x.job(p.JobID); in != nil {
			in.Rejections = append(in.Rejections, projection.Decision{
				Stamp:       stampOf(ev, p.RejectedAt),
				MilestoneID: uint64(p.MilestoneID),
			})
		}
	})
	decodeEach(x.logger, streams[claimTimeoutStream], func(ev domain.Event, p domain.ClaimTimeoutEvent) {
		if in := x.job(p.JobID); in != nil {
			in.ClaimTimeouts = append(in.ClaimTimeouts, projection.ClaimTimeout{
				Stamp:        stampOf(ev, p.ClaimedAt),
				MilestoneID:  uint64(p.MilestoneID),
				ClaimedBy:    domain.NormalizeAddress(p.ClaimedBy),
				StakeClaimed: p.StakeClaimed > 0,
			})
		}
	})
	decodeEach(x.logger, streams[cancelRequestedStream], func(ev domain.Event, p domain.CancelRequestedEvent) {
		if in := x.job(p.JobID); in != nil {
			in.CancelRequests = append(in.CancelRequests, request(ev, p))
		}
	})
	decodeEach(x.logger, streams[withdrawRequestedStream], func(ev domain.Event, p domain.CancelRequestedEvent) {
		if in := x.job(p.JobID); in != nil {
			in.WithdrawRequests = append(in.WithdrawRequests, request(ev, p))
		}
	})
	decodeEach(x.logger, streams[disputeOpenedStream], func(ev domain.Event, p domain.DisputeOpenedEvent) {
		if in := x.job(p.JobID); in != nil {
			in.DisputesOpened = append(in.DisputesOpened, disputeOpening(ev, p))
		}
	})
	decodeEach(x.logger, streams[disputeResolvedStream], func(ev domain.Event, p domain.DisputeResolvedEvent) {
		if in := x.job(p.JobID); in != nil {
			in.DisputesResolved = append(in.DisputesResolved, disputeResolution(ev, p))
		}
	})
}

func request(ev domain.Event, p domain.CancelRequestedEvent) projection.Request {
	return projection.Request{
		Stamp:       stampOf(ev, p.RequestedAt),
		RequestedBy: domain.NormalizeAddress(p.RequestedBy),
	}
}

func disputeOpening(ev domain.Event, p domain.DisputeOpenedEvent) projection.DisputeOpening {
	return projection.DisputeOpening{
		Stamp:              stampOf(ev, p.OpenedAt),
		DisputeID:          uint64(p.DisputeID),
		JobID:              uint64(p.JobID),
		MilestoneID:        uint64(p.MilestoneID),
		Creator:            domain.NormalizeAddress(p.Creator),
		Assignee:           domain.NormalizeAddress(p.Assignee),
		OpenedBy:           domain.NormalizeAddress(p.OpenedBy),
		EvidenceRef:        p.EvidenceRef,
		SelectedVoterCount: uint64(p.SelectedVoterCount),
	}
}

func disputeResolution(ev domain.Event, p domain.DisputeResolvedEvent) projection.DisputeResolution {
	return projection.DisputeResolution{
		Stamp:            stampOf(ev, p.ResolvedAt),
		DisputeID:        uint64(p.DisputeID),
		JobID:            uint64(p.JobID),
		MilestoneID:      uint64(p.MilestoneID),
		WinnerIsAssignee: p.WinnerIsAssignee,
		AssigneeVotes:    uint64(p.AssigneeVotes),
		CreatorVotes:     uint64(p.CreatorVotes),
	}
}

// disputeIndex is the dispute counterpart of jobIndex.
type disputeIndex struct {
	logger   *slog.Logger
	want     func(uint64) bool
	disputes map[uint64]*projection.DisputeEvents
}

func newDisputeIndex(logger *slog.Logger, want func(uint64) bool) *disputeIndex {
	return &disputeIndex{
		logger:   logger,
		want:     want,
		disputes: make(map[uint64]*projection.DisputeEvents),
	}
}

func (x *disputeIndex) dispute(id domain.U64) *projection.DisputeEvents {
	disputeID := uint64(id)
	if !x.want(disputeID) {
		return nil
	}
	in, ok := x.disputes[disputeID]
	if !ok {
		in = &projection.DisputeEvents{DisputeID: disputeID}
		x.disputes[disputeID] = in
	}
	return in
}

func (x *disputeIndex) addOpened(events []domain.Event) {
	decodeEach(x.logger, events, func(ev domain.Event, p domain.DisputeOpenedEvent) {
		in := x.dispute(p.DisputeID)
		if in == nil {
			return
		}
		opened := disputeOpening(ev, p)
		if in.Opened != nil {
			x.logger.Warn("duplicate dispute opening event", "dispute_id", in.DisputeID, "sequence", ev.Sequence)
			if opened.Stamp.Before(in.Opened.Stamp) {
				return
			}
		}
		in.Opened = &opened
	})
}

func (x *disputeIndex) add(streams map[stream][]domain.Event) {
	decodeEach(x.logger, streams[disputeVotedStream], func(ev domain.Event, p domain.DisputeVotedEvent) {
		in := x.dispute(p.DisputeID)
		if in == nil {
			return
		}
		forAssignee, ok := p.VotesForAssignee()
		if !ok {
			metrics.IncProjectionDiagnostic(diagMalformed)
			x.logger.Warn("skipping vote without a choice", "dispute_id", in.DisputeID, "sequence", ev.Sequence)
			return
		}
		in.Votes = append(in.Votes, projection.Vote{
			Stamp:       stampOf(ev, p.VotedAt),
			Voter:       domain.NormalizeAddress(p.Voter),
			ForAssignee: forAssignee,
		})
	})
	decodeEach(x.logger, streams[evidenceAddedStream], func(ev domain.Event, p domain.EvidenceAddedEvent) {
		if in := x.dispute(p.DisputeID); in != nil {
			in.Evidence = append(in.Evidence, projection.EvidenceSubmission{
				Stamp:   stampOf(ev, p.AddedAt),
				AddedBy: domain.NormalizeAddress(p.AddedBy),
				Ref:     p.EvidenceRef,
			})
		}
	})
	decodeEach(x.logger, streams[disputeResolvedStream], func(ev domain.Event, p domain.DisputeResolvedEvent) {
		if in := x.dispute(p.DisputeID); in != nil {
			in.Resolutions = append(in.Resolutions, disputeResolution(ev, p))
		}
	})
	decodeEach(x.logger, streams[voterSelectedStream], func(ev domain.Event, p domain.VoterSelectedEvent) {
		if in := x.dispute(p.DisputeID); in != nil {
			in.Selections = append(in.Selections, projection.VoterSelection{
				Stamp: stampOf(ev, p.SelectedAt),
				Voter: domain.NormalizeAddress(p.Voter),
			})
		}
	})
}
