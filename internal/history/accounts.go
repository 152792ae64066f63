// SPDX-License-Identifier: Apache-2.0

package history

import (
	"cmp"
	"slices"

	"github.com/adiadia/escrow-readmodel/internal/domain"
	"github.com/adiadia/escrow-readmodel/internal/projection"
)

// Role kinds as the role registry numbers them.
const (
	RoleKindAssignee uint64 = 1
	RoleKindCreator  uint64 = 2
	RoleKindVoter    uint64 = 3
)

var roleKinds = map[uint64]Role{
	RoleKindAssignee: RoleAssignee,
	RoleKindCreator:  RoleCreator,
	RoleKindVoter:    RoleVoter,
}

// ReputationChange is one reputation_changed fact.
type ReputationChange struct {
	projection.Stamp
	Address  string
	NewValue uint64
}

// RoleRegistration is one role_registered fact.
type RoleRegistration struct {
	projection.Stamp
	Address    string
	Kind       uint64
	ContentRef string
}

type ReputationEntry struct {
	Points    uint64 `json:"points"`
	ChangedAt uint64 `json:"changed_at,omitempty"`
}

type RoleEntry struct {
	Role         Role     `json:"role"`
	Kind         uint64   `json:"kind"`
	ContentRefs  []string `json:"content_refs"`
	RegisteredAt uint64   `json:"registered_at"`
}

// Reputation is the value of the latest change for address, or zero points
// when the account never had one.
func Reputation(address string, changes []ReputationChange) ReputationEntry {
	addr := domain.NormalizeAddress(address)
	var (
		latest ReputationChange
		found  bool
	)
	for _, c := range changes {
		if addr == "" || !domain.SameAddress(c.Address, addr) {
			continue
		}
		if !found || latest.Stamp.Before(c.Stamp) {
			latest, found = c, true
		}
	}
	if !found {
		return ReputationEntry{}
	}
	return ReputationEntry{Points: latest.NewValue, ChangedAt: latest.At}
}

// Roles lists the roles address registered, one entry per kind carrying the
// latest registration. Unknown kinds are left out.
func Roles(address string, regs []RoleRegistration) []RoleEntry {
	addr := domain.NormalizeAddress(address)
	if addr == "" {
		return nil
	}

	latest := make(map[uint64]RoleRegistration)
	for _, r := range regs {
		if !domain.SameAddress(r.Address, addr) {
			continue
		}
		if _, known := roleKinds[r.Kind]; !known {
			continue
		}
		if prev, ok := latest[r.Kind]; !ok || prev.Stamp.Before(r.Stamp) {
			latest[r.Kind] = r
		}
	}

	entries := make([]RoleEntry, 0, len(latest))
	for kind, r := range latest {
		refs := []string{}
		if r.ContentRef != "" {
			refs = append(refs, r.ContentRef)
		}
		entries = append(entries, RoleEntry{
			Role:         roleKinds[kind],
			Kind:         kind,
			ContentRefs:  refs,
			RegisteredAt: r.At,
		})
	}
	slices.SortFunc(entries, func(a, b RoleEntry) int {
		if c := cmp.Compare(b.RegisteredAt, a.RegisteredAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Kind, b.Kind)
	})
	return entries
}
