// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"testing"
)

func TestNormalizeAddress(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{in: "", want: ""},
		{in: "0x0", want: "0x0"},
		{in: "0x000", want: "0x0"},
		{in: "0x00000000000000000000000000000000000000000000000000000000000000AB", want: "0xab"},
		{in: "0xab", want: "0xab"},
		{in: "AB", want: "0xab"},
		{in: "  0x0aBc ", want: "0xabc"},
	}
	for _, tc := range cases {
		if got := NormalizeAddress(tc.in); got != tc.want {
			t.Fatalf("NormalizeAddress(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSameAddressAndZero(t *testing.T) {
	if !SameAddress("0x00ab", "0xAB") {
		t.Fatalf("expected short and long forms to match")
	}
	if SameAddress("", "") {
		t.Fatalf("empty addresses must never match")
	}
	if !IsZeroAddress("0x0000") || !IsZeroAddress("") {
		t.Fatalf("expected zero address")
	}
	if IsZeroAddress("0x1") {
		t.Fatalf("0x1 is not zero")
	}
}

func TestU64AcceptsStringsAndNumbers(t *testing.T) {
	var payload struct {
		A U64 `json:"a"`
		B U64 `json:"b"`
		C U64 `json:"c"`
		D U64 `json:"d"`
	}
	if err := json.Unmarshal([]byte(`{"a":"18446744073709551615","b":42,"c":null,"d":""}`), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.A != 18446744073709551615 || payload.B != 42 || payload.C != 0 || payload.D != 0 {
		t.Fatalf("unexpected values: %+v", payload)
	}

	var bad U64
	if err := json.Unmarshal([]byte(`"abc"`), &bad); err == nil {
		t.Fatalf("expected error for non-numeric value")
	}
}

func TestParseJobState(t *testing.T) {
	cases := map[string]JobState{
		"Posted":             JobPosted,
		"PendingApproval":    JobPendingApproval,
		"InProgress":         JobInProgress,
		"Completed":          JobCompleted,
		"Cancelled":          JobCancelled,
		"CancelledByPoster":  JobCancelledByCreator,
		"CancelledByCreator": JobCancelledByCreator,
		"Disputed":           JobDisputed,
	}
	for in, want := range cases {
		got, ok := ParseJobState(in)
		if !ok || got != want {
			t.Fatalf("ParseJobState(%q) = %q,%v", in, got, ok)
		}
	}
	if _, ok := ParseJobState("Archived"); ok {
		t.Fatalf("unknown variants must be rejected")
	}
	if !JobCancelledByCreator.Cancelled() || JobCompleted.Cancelled() {
		t.Fatalf("unexpected Cancelled classification")
	}
	if !JobDisputed.Started() || JobPendingApproval.Started() {
		t.Fatalf("unexpected Started classification")
	}
}

func TestDisputeVotedFieldSpellings(t *testing.T) {
	var v DisputeVotedEvent
	if err := json.Unmarshal([]byte(`{"dispute_id":"1","reviewer":"0x1","choice":true,"voted_at":"5"}`), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	forAssignee, ok := v.VotesForAssignee()
	if !ok || !forAssignee {
		t.Fatalf("expected vote for assignee, got %v %v", forAssignee, ok)
	}

	v = DisputeVotedEvent{}
	if _, ok := v.VotesForAssignee(); ok {
		t.Fatalf("expected missing vote side")
	}
	if SideFromAssigneeFlag(false) != SideCreator {
		t.Fatalf("expected creator side")
	}
}

func TestVariantShapes(t *testing.T) {
	cases := map[string]string{
		`"InProgress"`:                       "InProgress",
		`{"__variant__":"Completed"}`:        "Completed",
		`{"vec":["Posted"]}`:                 "Posted",
		`{"vec":[{"__variant__":"Locked"}]}`: "Locked",
		`{"vec":[]}`:                         "",
		`null`:                               "",
	}
	for in, want := range cases {
		var v Variant
		if err := json.Unmarshal([]byte(in), &v); err != nil {
			t.Fatalf("unmarshal %s: %v", in, err)
		}
		if string(v) != want {
			t.Fatalf("variant %s = %q, want %q", in, v, want)
		}
	}

	var v Variant
	if err := json.Unmarshal([]byte(`7`), &v); err == nil {
		t.Fatalf("expected error for numeric variant")
	}
}

func TestMilestonePayloadsDecodeAlongsideStatuses(t *testing.T) {
	var submitted MilestoneSubmittedEvent
	if err := json.Unmarshal([]byte(`{"job_id":"4","milestone_id":"1","evidence_cid":"bafy","submitted_at":"900"}`), &submitted); err != nil {
		t.Fatalf("decode submitted: %v", err)
	}
	if submitted.JobID != 4 || submitted.MilestoneID != 1 || submitted.EvidenceRef != "bafy" || submitted.SubmittedAt != 900 {
		t.Fatalf("unexpected submitted payload %+v", submitted)
	}

	var accepted MilestoneAcceptedEvent
	if err := json.Unmarshal([]byte(`{"job_id":4,"milestone_id":1,"accepted_at":950}`), &accepted); err != nil {
		t.Fatalf("decode accepted: %v", err)
	}
	if accepted.AcceptedAt != 950 {
		t.Fatalf("unexpected accepted payload %+v", accepted)
	}

	var resolved DisputeResolvedEvent
	if err := json.Unmarshal([]byte(`{"dispute_id":"2","job_id":"4","milestone_id":"1","winner_is_freelancer":true,"resolved_at":"1000"}`), &resolved); err != nil {
		t.Fatalf("decode resolved: %v", err)
	}
	if !resolved.WinnerIsAssignee || resolved.ResolvedAt != 1000 {
		t.Fatalf("unexpected resolved payload %+v", resolved)
	}

	if MilestoneSubmitted != "Submitted" || MilestoneAccepted != "Accepted" || DisputeResolved != "Resolved" {
		t.Fatal("status constants changed")
	}
}
