// SPDX-License-Identifier: Apache-2.0

package projection

import (
	"cmp"
	"fmt"
	"slices"
)

type DiagnosticKind string

const (
	// DiagAmbiguous marks an event set that breaks an expected invariant and
	// was resolved by letting the latest fact win.
	DiagAmbiguous DiagnosticKind = "ambiguous"
	// DiagUnattributed marks a fact whose actor matches neither counterparty.
	DiagUnattributed DiagnosticKind = "unattributed"
	// DiagUncovered marks an event combination outside the status precedence rules.
	DiagUncovered DiagnosticKind = "uncovered"
	// DiagUndeterminedDeadline marks a deadline left at zero because its anchor time is unknown.
	DiagUndeterminedDeadline DiagnosticKind = "undetermined_deadline"
	// DiagIncomplete marks fewer facts than the creation event announced.
	DiagIncomplete DiagnosticKind = "incomplete"
)

type Diagnostic struct {
	Kind    DiagnosticKind `json:"kind"`
	Subject string         `json:"subject"`
	Detail  string         `json:"detail"`
}

type diagnostics []Diagnostic

func (d *diagnostics) add(kind DiagnosticKind, subject, format string, args ...any) {
	*d = append(*d, Diagnostic{Kind: kind, Subject: subject, Detail: fmt.Sprintf(format, args...)})
}

// sorted returns the diagnostics in a fixed order so that snapshots compare equal
// regardless of the order facts were examined in.
func (d diagnostics) sorted() []Diagnostic {
	if len(d) == 0 {
		return nil
	}
	out := slices.Clone([]Diagnostic(d))
	slices.SortFunc(out, func(a, b Diagnostic) int {
		if c := cmp.Compare(a.Subject, b.Subject); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Kind, b.Kind); c != 0 {
			return c
		}
		return cmp.Compare(a.Detail, b.Detail)
	})
	return slices.Compact(out)
}
