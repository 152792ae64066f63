// SPDX-License-Identifier: Apache-2.0

package projection

import (
	"cmp"
	"slices"
)

// Stamp is the declared time of a fact plus its sequence number within its
// own stream. Facts are ordered by declared time; the sequence only breaks
// ties between facts of the same stream.
type Stamp struct {
	At  uint64
	Seq uint64
}

func (s Stamp) stamp() Stamp { return s }

// Before reports whether s orders strictly before o.
func (s Stamp) Before(o Stamp) bool {
	return compareStamps(s, o) < 0
}

func compareStamps(a, b Stamp) int {
	if c := cmp.Compare(a.At, b.At); c != 0 {
		return c
	}
	return cmp.Compare(a.Seq, b.Seq)
}

type stamped interface {
	stamp() Stamp
}

// chronological returns a copy of items ordered by declared time, then sequence.
func chronological[T stamped](items []T) []T {
	out := slices.Clone(items)
	slices.SortStableFunc(out, func(a, b T) int {
		return compareStamps(a.stamp(), b.stamp())
	})
	return out
}

func latest[T stamped](items []T) (T, bool) {
	var best T
	found := false
	for _, item := range items {
		if !found || best.stamp().Before(item.stamp()) {
			best = item
			found = true
		}
	}
	return best, found
}

func latestWhere[T stamped](items []T, keep func(T) bool) (T, bool) {
	var best T
	found := false
	for _, item := range items {
		if !keep(item) {
			continue
		}
		if !found || best.stamp().Before(item.stamp()) {
			best = item
			found = true
		}
	}
	return best, found
}

func earliestWhere[T stamped](items []T, keep func(T) bool) (T, bool) {
	var best T
	found := false
	for _, item := range items {
		if !keep(item) {
			continue
		}
		if !found || item.stamp().Before(best.stamp()) {
			best = item
			found = true
		}
	}
	return best, found
}

func filter[T any](items []T, keep func(T) bool) []T {
	var out []T
	for _, item := range items {
		if keep(item) {
			out = append(out, item)
		}
	}
	return out
}
