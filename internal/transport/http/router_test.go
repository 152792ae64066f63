// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adiadia/escrow-readmodel/internal/domain"
	"github.com/adiadia/escrow-readmodel/internal/history"
	"github.com/adiadia/escrow-readmodel/internal/projection"
	"github.com/adiadia/escrow-readmodel/internal/readmodel"
)

type fakeReadModel struct {
	jobs     map[uint64]projection.JobSnapshot
	disputes map[uint64]projection.DisputeSnapshot
	err      error

	historyAddr string
	historyNow  time.Time
	invalidated []string
}

func newFakeReadModel() *fakeReadModel {
	return &fakeReadModel{
		jobs: map[uint64]projection.JobSnapshot{
			7: {JobID: 7, Creator: "0xa", Lifecycle: domain.JobInProgress, State: domain.JobInProgress},
		},
		disputes: map[uint64]projection.DisputeSnapshot{
			3: {DisputeID: 3, JobID: 7, Status: domain.DisputeVoting},
		},
	}
}

func (f *fakeReadModel) Job(_ context.Context, id uint64) (projection.JobSnapshot, error) {
	if f.err != nil {
		return projection.JobSnapshot{}, f.err
	}
	job, ok := f.jobs[id]
	if !ok {
		return projection.JobSnapshot{}, fmt.Errorf("job %d: %w", id, domain.ErrNotFound)
	}
	return job, nil
}

func (f *fakeReadModel) DisputeClaim(_ context.Context, id uint64) (readmodel.DisputeClaim, error) {
	if _, ok := f.jobs[id]; !ok {
		return readmodel.DisputeClaim{}, domain.ErrNotFound
	}
	side := domain.SideAssignee
	return readmodel.DisputeClaim{JobID: id, Pending: true, Winner: &side}, nil
}

func (f *fakeReadModel) Dispute(_ context.Context, id uint64) (projection.DisputeSnapshot, error) {
	d, ok := f.disputes[id]
	if !ok {
		return projection.DisputeSnapshot{}, domain.ErrNotFound
	}
	return d, nil
}

func (f *fakeReadModel) Reselection(_ context.Context, id uint64, now time.Time) (readmodel.Reselection, error) {
	if _, ok := f.disputes[id]; !ok {
		return readmodel.Reselection{}, domain.ErrNotFound
	}
	return readmodel.Reselection{DisputeID: id, Eligible: now.Unix() > 2000}, nil
}

func (f *fakeReadModel) JobHistory(_ context.Context, addr string, now time.Time) ([]history.JobEntry, error) {
	f.historyAddr = addr
	f.historyNow = now
	return []history.JobEntry{{JobID: 7, Role: history.RoleCreator}}, f.err
}

func (f *fakeReadModel) DisputeHistory(_ context.Context, addr string) ([]history.DisputeEntry, error) {
	f.historyAddr = addr
	return []history.DisputeEntry{{DisputeID: 3}}, f.err
}

func (f *fakeReadModel) VoterHistory(_ context.Context, addr string) ([]history.DisputeEntry, error) {
	f.historyAddr = addr
	return []history.DisputeEntry{}, f.err
}

func (f *fakeReadModel) Reputation(_ context.Context, addr string) (history.ReputationEntry, error) {
	f.historyAddr = addr
	return history.ReputationEntry{Points: 12, ChangedAt: 300}, f.err
}

func (f *fakeReadModel) Roles(_ context.Context, addr string) ([]history.RoleEntry, error) {
	f.historyAddr = addr
	return []history.RoleEntry{{Role: history.RoleVoter, Kind: history.RoleKindVoter, ContentRefs: []string{}}}, f.err
}

func (f *fakeReadModel) InvalidateAccounts(context.Context) error {
	f.invalidated = append(f.invalidated, "accounts")
	return nil
}

func (f *fakeReadModel) InvalidateJobs(context.Context) error {
	f.invalidated = append(f.invalidated, "jobs")
	return nil
}

func (f *fakeReadModel) InvalidateDisputes(context.Context) error {
	f.invalidated = append(f.invalidated, "disputes")
	return nil
}

type healthFunc func(context.Context) error

func (h healthFunc) Check(ctx context.Context) error { return h(ctx) }

var fixedNow = time.Unix(3000, 0).UTC()

func newTestRouter(rm ReadModel, health HealthChecker) http.Handler {
	return NewRouter(Deps{
		ReadModel:  rm,
		Health:     health,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		AdminToken: "admin-secret",
		Now:        func() time.Time { return fixedNow },
		Version:    "1.2.3",
	})
}

func serve(h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGetJob(t *testing.T) {
	h := newTestRouter(newFakeReadModel(), nil)

	rec := serve(h, http.MethodGet, "/jobs/7", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var job projection.JobSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.JobID != 7 || job.State != domain.JobInProgress {
		t.Fatalf("unexpected job %+v", job)
	}
	if rec.Header().Get(headerRequestID) == "" {
		t.Fatal("expected request id header")
	}
}

func TestGetJobErrors(t *testing.T) {
	cases := []struct {
		name       string
		path       string
		err        error
		wantStatus int
		retryAfter bool
	}{
		{name: "bad id", path: "/jobs/seven", wantStatus: http.StatusBadRequest},
		{name: "negative id", path: "/jobs/-1", wantStatus: http.StatusBadRequest},
		{name: "unknown job", path: "/jobs/8", wantStatus: http.StatusNotFound},
		{name: "undetermined", path: "/jobs/7", err: fmt.Errorf("%w: stream unavailable", domain.ErrUndetermined), wantStatus: http.StatusServiceUnavailable, retryAfter: true},
		{name: "rate limited", path: "/jobs/7", err: domain.ErrRateLimited, wantStatus: http.StatusServiceUnavailable, retryAfter: true},
		{name: "unexpected", path: "/jobs/7", err: errors.New("boom"), wantStatus: http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rm := newFakeReadModel()
			rm.err = tc.err
			rec := serve(newTestRouter(rm, nil), http.MethodGet, tc.path, "", nil)

			if rec.Code != tc.wantStatus {
				t.Fatalf("expected %d got %d", tc.wantStatus, rec.Code)
			}
			if got := rec.Header().Get("Retry-After") != ""; got != tc.retryAfter {
				t.Fatalf("expected Retry-After present=%v", tc.retryAfter)
			}
		})
	}
}

func TestDisputeClaimRoute(t *testing.T) {
	h := newTestRouter(newFakeReadModel(), nil)

	rec := serve(h, http.MethodGet, "/jobs/7/dispute-claim", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var claim readmodel.DisputeClaim
	if err := json.Unmarshal(rec.Body.Bytes(), &claim); err != nil {
		t.Fatalf("decode claim: %v", err)
	}
	if !claim.Pending || claim.Winner == nil || *claim.Winner != domain.SideAssignee {
		t.Fatalf("unexpected claim %+v", claim)
	}

	if rec := serve(h, http.MethodGet, "/jobs/9/dispute-claim", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
}

func TestDisputeRoutes(t *testing.T) {
	h := newTestRouter(newFakeReadModel(), nil)

	rec := serve(h, http.MethodGet, "/disputes/3", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"Voting"`) {
		t.Fatalf("unexpected dispute response %d %s", rec.Code, rec.Body.String())
	}

	rec = serve(h, http.MethodGet, "/disputes/3/reselection", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"eligible":true`) {
		t.Fatalf("unexpected reselection response %d %s", rec.Code, rec.Body.String())
	}

	if rec := serve(h, http.MethodGet, "/disputes/4", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
}

func TestAccountHistoryRoutes(t *testing.T) {
	rm := newFakeReadModel()
	h := newTestRouter(rm, nil)

	rec := serve(h, http.MethodGet, "/accounts/0x000ABC/jobs", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if rm.historyAddr != "0xabc" || !rm.historyNow.Equal(fixedNow) {
		t.Fatalf("expected normalized address and injected clock, got %q %s", rm.historyAddr, rm.historyNow)
	}
	var body struct {
		Address string             `json:"address"`
		Jobs    []history.JobEntry `json:"jobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Address != "0xabc" || len(body.Jobs) != 1 || body.Jobs[0].Role != history.RoleCreator {
		t.Fatalf("unexpected body %+v", body)
	}

	if rec := serve(h, http.MethodGet, "/accounts/0xb/disputes", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	rec = serve(h, http.MethodGet, "/accounts/0xc/reviews", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"reviews":[]`) {
		t.Fatalf("unexpected reviews response %d %s", rec.Code, rec.Body.String())
	}

	if rec := serve(h, http.MethodGet, "/accounts/not-hex/jobs", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}

func TestAccountReputationAndRolesRoutes(t *testing.T) {
	rm := newFakeReadModel()
	h := newTestRouter(rm, nil)

	rec := serve(h, http.MethodGet, "/accounts/0x0B/reputation", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var rep struct {
		Address    string                  `json:"address"`
		Reputation history.ReputationEntry `json:"reputation"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rep.Address != "0xb" || rep.Reputation.Points != 12 || rm.historyAddr != "0xb" {
		t.Fatalf("unexpected reputation body %+v", rep)
	}

	rec = serve(h, http.MethodGet, "/accounts/0xc/roles", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"role":"voter"`) {
		t.Fatalf("unexpected roles response %d %s", rec.Code, rec.Body.String())
	}

	if rec := serve(h, http.MethodGet, "/accounts/xyz/roles", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}

	rm.err = fmt.Errorf("read roles: %w", domain.ErrUndetermined)
	rec = serve(h, http.MethodGet, "/accounts/0xc/reputation", "", nil)
	if rec.Code != http.StatusServiceUnavailable || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 503 with Retry-After got %d", rec.Code)
	}
}

func TestCacheInvalidate(t *testing.T) {
	rm := newFakeReadModel()
	h := newTestRouter(rm, nil)
	admin := map[string]string{"Authorization": "Bearer admin-secret"}

	if rec := serve(h, http.MethodPost, "/cache/invalidate", `{"scope":"jobs"}`, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token got %d", rec.Code)
	}

	if rec := serve(h, http.MethodPost, "/cache/invalidate", `{"scope":"disputes"}`, admin); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if rec := serve(h, http.MethodPost, "/cache/invalidate", "", admin); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for empty body got %d", rec.Code)
	}
	if rec := serve(h, http.MethodPost, "/cache/invalidate", `{"scope":"everything"}`, admin); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}

	if rec := serve(h, http.MethodPost, "/cache/invalidate", `{"scope":"accounts"}`, admin); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}

	want := []string{"disputes", "jobs", "accounts", "accounts"}
	if strings.Join(rm.invalidated, ",") != strings.Join(want, ",") {
		t.Fatalf("expected invalidations %v got %v", want, rm.invalidated)
	}
}

func TestHealthAndVersion(t *testing.T) {
	healthy := newTestRouter(newFakeReadModel(), healthFunc(func(context.Context) error { return nil }))
	if rec := serve(healthy, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}

	unhealthy := newTestRouter(newFakeReadModel(), healthFunc(func(context.Context) error { return errors.New("db down") }))
	if rec := serve(unhealthy, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", rec.Code)
	}

	rec := serve(healthy, http.MethodGet, "/version", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"version":"1.2.3"`) || !strings.Contains(rec.Body.String(), `"commit":"none"`) {
		t.Fatalf("unexpected version response %d %s", rec.Code, rec.Body.String())
	}

	if rec := serve(healthy, http.MethodGet, "/metrics", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected metrics 200 got %d", rec.Code)
	}
}

func TestRouterRateLimitsClients(t *testing.T) {
	h := NewRouter(Deps{
		ReadModel:          newFakeReadModel(),
		Logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		RateLimitPerMinute: 2,
	})

	for i := range 2 {
		if rec := serve(h, http.MethodGet, "/jobs/7", "", nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200 got %d", i, rec.Code)
		}
	}
	if rec := serve(h, http.MethodGet, "/jobs/7", "", nil); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d", rec.Code)
	}
	if rec := serve(h, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected health to bypass the limit, got %d", rec.Code)
	}
}
