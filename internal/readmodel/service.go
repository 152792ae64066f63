// SPDX-License-Identifier: Apache-2.0

// Package readmodel answers questions about jobs and disputes by reading the
// ledger's event streams through the projection cache and replaying them with
// the pure projectors. It owns no state beyond the cache.
package readmodel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/adiadia/escrow-readmodel/internal/cache"
	"github.com/adiadia/escrow-readmodel/internal/domain"
	"github.com/adiadia/escrow-readmodel/internal/history"
	"github.com/adiadia/escrow-readmodel/internal/ledger"
	"github.com/adiadia/escrow-readmodel/internal/metrics"
	"github.com/adiadia/escrow-readmodel/internal/projection"
)

// DefaultReselectionCooldown is the wait after the latest vote or reselection
// before voters may be reselected.
const DefaultReselectionCooldown = 3 * time.Minute

// Gateway is the subset of the ledger gateway the service reads through.
type Gateway interface {
	FetchResource(ctx context.Context, account, resourceType string) (json.RawMessage, error)
	FetchTableItem(ctx context.Context, q ledger.TableItemQuery) (json.RawMessage, error)
	FetchEvents(ctx context.Context, account, stream, field string, start uint64, limit int) ([]domain.Event, error)
}

type Deps struct {
	Gateway  Gateway
	Cache    *cache.Cache
	Contract string

	EventLimit          int
	TTL                 time.Duration
	VoteWindow          time.Duration
	ReselectionCooldown time.Duration

	Logger *slog.Logger
}

type Service struct {
	gateway    Gateway
	cache      *cache.Cache
	contract   string
	eventLimit int
	ttl        time.Duration
	voteWindow time.Duration
	cooldown   time.Duration
	logger     *slog.Logger
}

func New(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := deps.Cache
	if c == nil {
		c = cache.New(cache.Deps{TTL: deps.TTL, Logger: logger})
	}
	eventLimit := deps.EventLimit
	if eventLimit <= 0 {
		eventLimit = ledger.DefaultEventLimit
	}
	voteWindow := deps.VoteWindow
	if voteWindow <= 0 {
		voteWindow = projection.DefaultVoteWindow
	}
	cooldown := deps.ReselectionCooldown
	if cooldown <= 0 {
		cooldown = DefaultReselectionCooldown
	}

	return &Service{
		gateway:    deps.Gateway,
		cache:      c,
		contract:   domain.NormalizeAddress(deps.Contract),
		eventLimit: eventLimit,
		ttl:        deps.TTL,
		voteWindow: voteWindow,
		cooldown:   cooldown,
		logger:     logger,
	}
}

// Job projects one job. It returns ErrNotFound when the job has no creation
// event and ErrUndetermined when a stream it depends on cannot be read.
func (s *Service) Job(ctx context.Context, jobID uint64) (projection.JobSnapshot, error) {
	created, err := s.events(ctx, jobCreatedStream)
	if err != nil {
		return projection.JobSnapshot{}, err
	}
	idx := newJobIndex(s.logger, func(id uint64) bool { return id == jobID })
	idx.addCreated(created)
	if in := idx.jobs[jobID]; in == nil || in.Created == nil {
		return projection.JobSnapshot{}, fmt.Errorf("job %d: %w", jobID, domain.ErrNotFound)
	}

	streams, err := s.fetchStreams(ctx, jobStreams)
	if err != nil {
		return projection.JobSnapshot{}, err
	}
	idx.add(streams)
	if err := idx.broken[jobID]; err != nil {
		return projection.JobSnapshot{}, err
	}

	snap, _ := projection.ProjectJob(*idx.jobs[jobID])
	s.report("job", jobID, snap.Diagnostics)
	return snap, nil
}

// Jobs projects every job the ledger knows, ordered by id. Jobs whose facts
// cannot be fully decoded are left out.
func (s *Service) Jobs(ctx context.Context) ([]projection.JobSnapshot, error) {
	created, err := s.events(ctx, jobCreatedStream)
	if err != nil {
		return nil, err
	}
	streams, err := s.fetchStreams(ctx, jobStreams)
	if err != nil {
		return nil, err
	}

	idx := newJobIndex(s.logger, func(uint64) bool { return true })
	idx.addCreated(created)
	idx.add(streams)

	ids := sortedKeys(idx.jobs)
	out := make([]projection.JobSnapshot, 0, len(ids))
	for _, id := range ids {
		if err := idx.broken[id]; err != nil {
			s.logger.Warn("skipping undetermined job", "job_id", id, "error", err)
			continue
		}
		snap, ok := projection.ProjectJob(*idx.jobs[id])
		if !ok {
			continue
		}
		s.report("job", id, snap.Diagnostics)
		out = append(out, snap)
	}
	return out, nil
}

// Dispute projects one dispute. It returns ErrNotFound when the dispute has no
// opening event.
func (s *Service) Dispute(ctx context.Context, disputeID uint64) (projection.DisputeSnapshot, error) {
	opened, err := s.events(ctx, disputeOpenedStream)
	if err != nil {
		return projection.DisputeSnapshot{}, err
	}
	idx := newDisputeIndex(s.logger, func(id uint64) bool { return id == disputeID })
	idx.addOpened(opened)
	if in := idx.disputes[disputeID]; in == nil || in.Opened == nil {
		return projection.DisputeSnapshot{}, fmt.Errorf("dispute %d: %w", disputeID, domain.ErrNotFound)
	}

	streams, err := s.fetchStreams(ctx, disputeStreams)
	if err != nil {
		return projection.DisputeSnapshot{}, err
	}
	idx.add(streams)

	snap, _ := projection.ProjectDispute(*idx.disputes[disputeID], s.voteWindow)
	s.report("dispute", disputeID, snap.Diagnostics)
	return snap, nil
}

// Disputes projects every opened dispute, ordered by id.
func (s *Service) Disputes(ctx context.Context) ([]projection.DisputeSnapshot, error) {
	opened, err := s.events(ctx, disputeOpenedStream)
	if err != nil {
		return nil, err
	}
	streams, err := s.fetchStreams(ctx, disputeStreams)
	if err != nil {
		return nil, err
	}

	idx := newDisputeIndex(s.logger, func(uint64) bool { return true })
	idx.addOpened(opened)
	idx.add(streams)

	ids := sortedKeys(idx.disputes)
	out := make([]projection.DisputeSnapshot, 0, len(ids))
	for _, id := range ids {
		snap, ok := projection.ProjectDispute(*idx.disputes[id], s.voteWindow)
		if !ok {
			continue
		}
		s.report("dispute", id, snap.Diagnostics)
		out = append(out, snap)
	}
	return out, nil
}

// Reselection is whether a dispute's selected voters may be replaced at a given time.
type Reselection struct {
	DisputeID           uint64 `json:"dispute_id"`
	Eligible            bool   `json:"eligible"`
	InitialVoteDeadline uint64 `json:"initial_vote_deadline"`
	LastVoteAt          uint64 `json:"last_vote_at"`
	LastReselectionAt   uint64 `json:"last_reselection_at"`
	CooldownSeconds     uint64 `json:"cooldown_seconds"`
}

func (s *Service) Reselection(ctx context.Context, disputeID uint64, now time.Time) (Reselection, error) {
	d, err := s.Dispute(ctx, disputeID)
	if err != nil {
		return Reselection{}, err
	}
	return Reselection{
		DisputeID:           disputeID,
		Eligible:            d.CanReselect(now, s.cooldown),
		InitialVoteDeadline: d.InitialVoteDeadline,
		LastVoteAt:          d.LastVoteAt,
		LastReselectionAt:   d.LastReselectionAt,
		CooldownSeconds:     uint64(s.cooldown / time.Second),
	}, nil
}

func (s *Service) JobHistory(ctx context.Context, address string, now time.Time) ([]history.JobEntry, error) {
	jobs, err := s.Jobs(ctx)
	if err != nil {
		return nil, err
	}
	return history.JobHistory(address, jobs, now), nil
}

func (s *Service) DisputeHistory(ctx context.Context, address string) ([]history.DisputeEntry, error) {
	disputes, err := s.Disputes(ctx)
	if err != nil {
		return nil, err
	}
	return history.DisputeHistory(address, disputes), nil
}

func (s *Service) VoterHistory(ctx context.Context, address string) ([]history.DisputeEntry, error) {
	disputes, err := s.Disputes(ctx)
	if err != nil {
		return nil, err
	}
	return history.VoterHistory(address, disputes), nil
}

// Reputation reads the latest reputation value recorded for address.
func (s *Service) Reputation(ctx context.Context, address string) (history.ReputationEntry, error) {
	events, err := s.events(ctx, reputationChangedStream)
	if err != nil {
		return history.ReputationEntry{}, err
	}
	changes := make([]history.ReputationChange, 0, len(events))
	decodeEach(s.logger, events, func(ev domain.Event, p domain.ReputationChangedEvent) {
		changes = append(changes, history.ReputationChange{
			Stamp:    projection.Stamp{At: p.When(), Seq: ev.Sequence},
			Address:  p.Address,
			NewValue: uint64(p.NewValue),
		})
	})
	return history.Reputation(address, changes), nil
}

// Roles reads the roles address registered, newest first.
func (s *Service) Roles(ctx context.Context, address string) ([]history.RoleEntry, error) {
	events, err := s.events(ctx, roleRegisteredStream)
	if err != nil {
		return nil, err
	}
	regs := make([]history.RoleRegistration, 0, len(events))
	decodeEach(s.logger, events, func(ev domain.Event, p domain.RoleRegisteredEvent) {
		regs = append(regs, history.RoleRegistration{
			Stamp:      stampOf(ev, p.RegisteredAt),
			Address:    p.Address,
			Kind:       uint64(p.RoleKind),
			ContentRef: p.ContentRef,
		})
	})
	return history.Roles(address, regs), nil
}

// InvalidateJobs drops every cached read a job projection depends on.
func (s *Service) InvalidateJobs(ctx context.Context) error {
	return errors.Join(
		s.cache.Invalidate(ctx, EscrowPrefix),
		s.cache.Invalidate(ctx, DisputePrefix),
	)
}

// InvalidateDisputes drops every cached dispute stream.
func (s *Service) InvalidateDisputes(ctx context.Context) error {
	return s.cache.Invalidate(ctx, DisputePrefix)
}

// InvalidateAccounts drops the cached reputation and role streams.
func (s *Service) InvalidateAccounts(ctx context.Context) error {
	return s.cache.Invalidate(ctx, AccountPrefix)
}

func (s *Service) report(entity string, id uint64, diags []projection.Diagnostic) {
	for _, d := range diags {
		metrics.IncProjectionDiagnostic(string(d.Kind))
		s.logger.Warn("projection diagnostic",
			entity+"_id", id, "kind", d.Kind, "subject", d.Subject, "detail", d.Detail)
	}
}

func sortedKeys[V any](m map[uint64]V) []uint64 {
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
