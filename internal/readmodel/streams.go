// SPDX-License-Identifier: Apache-2.0

package readmodel

import (
	"context"
	"fmt"
	"sync"

	"github.com/adiadia/escrow-readmodel/internal/cache"
	"github.com/adiadia/escrow-readmodel/internal/domain"
	"golang.org/x/sync/errgroup"
)

const (
	escrowStore     = "escrow::EscrowStore"
	disputeStore    = "dispute::DisputeStore"
	reputationStore = "reputation::RepStore"
	roleStore       = "role::RoleStore"
)

// Cache key prefixes. Every key the service writes starts with one of these.
const (
	EscrowPrefix  = "escrow:"
	DisputePrefix = "dispute:"
	AccountPrefix = "account:"
)

// stream names one event handle on a store resource. Optional streams were
// added to the contract later; when the ledger does not know them they read
// as empty instead of making every projection undetermined.
type stream struct {
	store    string
	field    string
	optional bool
}

func (s stream) cacheKey() string {
	prefix := EscrowPrefix
	switch s.store {
	case disputeStore:
		prefix = DisputePrefix
	case reputationStore, roleStore:
		prefix = AccountPrefix
	}
	return prefix + "events:" + s.field
}

var (
	jobCreatedStream        = stream{store: escrowStore, field: "job_created_events"}
	jobAppliedStream        = stream{store: escrowStore, field: "job_applied_events"}
	jobStateChangedStream   = stream{store: escrowStore, field: "job_state_changed_events"}
	milestoneCreatedStream  = stream{store: escrowStore, field: "milestone_created_events"}
	milestoneSubmitStream   = stream{store: escrowStore, field: "milestone_submitted_events"}
	milestoneAcceptStream   = stream{store: escrowStore, field: "milestone_accepted_events"}
	milestoneRejectStream   = stream{store: escrowStore, field: "milestone_rejected_events"}
	claimTimeoutStream      = stream{store: escrowStore, field: "claim_timeout_events"}
	cancelRequestedStream   = stream{store: escrowStore, field: "mutual_cancel_requested_events", optional: true}
	withdrawRequestedStream = stream{store: escrowStore, field: "freelancer_withdraw_requested_events", optional: true}

	disputeOpenedStream   = stream{store: disputeStore, field: "dispute_opened_events"}
	disputeVotedStream    = stream{store: disputeStore, field: "dispute_voted_events"}
	evidenceAddedStream   = stream{store: disputeStore, field: "evidence_added_events"}
	disputeResolvedStream = stream{store: disputeStore, field: "dispute_resolved_events"}
	voterSelectedStream   = stream{store: disputeStore, field: "reviewer_events"}

	reputationChangedStream = stream{store: reputationStore, field: "reputation_changed_events", optional: true}
	roleRegisteredStream    = stream{store: roleStore, field: "role_registered_events", optional: true}
)

// jobStreams are the streams a job projection reads besides job_created_events.
var jobStreams = []stream{
	jobAppliedStream,
	jobStateChangedStream,
	milestoneCreatedStream,
	milestoneSubmitStream,
	milestoneAcceptStream,
	milestoneRejectStream,
	claimTimeoutStream,
	cancelRequestedStream,
	withdrawRequestedStream,
	disputeOpenedStream,
	disputeResolvedStream,
}

// disputeStreams are the streams a dispute projection reads besides dispute_opened_events.
var disputeStreams = []stream{
	disputeVotedStream,
	evidenceAddedStream,
	disputeResolvedStream,
	voterSelectedStream,
}

// events reads one stream through the cache. A stream the ledger could not
// serve is an ErrUndetermined error unless the stream is optional.
func (s *Service) events(ctx context.Context, st stream) ([]domain.Event, error) {
	events, err := cache.GetOrFetch(ctx, s.cache, st.cacheKey(), s.ttl, func(ctx context.Context) ([]domain.Event, error) {
		return s.readStream(ctx, st)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", domain.ErrUndetermined, st.field, err)
	}
	if events == nil {
		if st.optional {
			s.logger.Warn("event stream unavailable, treating as empty", "stream", st.field)
			return []domain.Event{}, nil
		}
		return nil, fmt.Errorf("%w: stream %s unavailable", domain.ErrUndetermined, st.field)
	}
	return events, nil
}

// readStream pages through a stream until the ledger returns an empty page.
// A short page does not end the read, since nodes cap the page size below the
// requested limit. It returns nil when the first page is unreadable. A page that becomes
// unreadable or stops advancing part way fails the read, since a prefix of a
// stream would project a stale state.
func (s *Service) readStream(ctx context.Context, st stream) ([]domain.Event, error) {
	handle := s.contract + "::" + st.store

	var (
		all   []domain.Event
		start uint64
	)
	for {
		page, err := s.gateway.FetchEvents(ctx, s.contract, handle, st.field, start, s.eventLimit)
		if err != nil {
			return nil, err
		}
		if page == nil {
			if all == nil {
				return nil, nil
			}
			return nil, fmt.Errorf("%w: %s unreadable from sequence %d", domain.ErrMalformedUpstreamData, st.field, start)
		}
		if all == nil {
			all = make([]domain.Event, 0, len(page))
		}
		if len(page) == 0 {
			return all, nil
		}
		all = append(all, page...)

		last := page[len(page)-1].Sequence
		if last < start {
			return nil, fmt.Errorf("%w: %s page at %d ended at sequence %d", domain.ErrMalformedUpstreamData, st.field, start, last)
		}
		start = last + 1
	}
}

// fetchStreams reads streams concurrently. Any failure fails the whole read.
func (s *Service) fetchStreams(ctx context.Context, streams []stream) (map[stream][]domain.Event, error) {
	var (
		mu  sync.Mutex
		out = make(map[stream][]domain.Event, len(streams))
	)
	g, ctx := errgroup.WithContext(ctx)
	for _, st := range streams {
		g.Go(func() error {
			events, err := s.events(ctx, st)
			if err != nil {
				return err
			}
			mu.Lock()
			out[st] = events
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
