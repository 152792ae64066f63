// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adiadia/escrow-readmodel/internal/domain"
	"github.com/adiadia/escrow-readmodel/internal/metrics"
	"github.com/adiadia/escrow-readmodel/internal/transport/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultRateLimitPerMinute = 120
	retryAfterSeconds         = "5"
)

const (
	scopeJobs     = "jobs"
	scopeDisputes = "disputes"
	scopeAccounts = "accounts"
	scopeAll      = "all"
)

type invalidateRequest struct {
	Scope string `json:"scope"`
}

type Deps struct {
	ReadModel          ReadModel
	Health             HealthChecker
	Logger             *slog.Logger
	AdminToken         string
	RateLimitPerMinute int
	Now                func() time.Time
	Version            string
	Commit             string
	BuildDate          string
}

func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	limit := deps.RateLimitPerMinute
	if limit <= 0 {
		limit = defaultRateLimitPerMinute
	}
	metrics.Init()
	version := valueOrDefault(deps.Version, "dev")
	commit := valueOrDefault(deps.Commit, "none")
	buildDate := valueOrDefault(deps.BuildDate, "unknown")
	rm := deps.ReadModel

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))
	r.Use(middleware.ClientRateLimit(limit, logger))

	// ---------------- HEALTH ----------------

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := deps.Health.Check(ctx); err != nil {
				logger.Warn("health check failed", "error", err)
				http.Error(w, "unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// ---------------- METRICS ----------------

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// ---------------- VERSION ----------------

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
		})
	})

	// ---------------- JOBS ----------------

	r.Route("/jobs/{id}", func(jobs chi.Router) {
		jobs.Get("/", func(w http.ResponseWriter, r *http.Request) {
			id, ok := parseID(w, r, "job")
			if !ok {
				return
			}
			job, err := rm.Job(r.Context(), id)
			if err != nil {
				writeError(w, logger, "get job", err)
				return
			}
			writeJSON(w, http.StatusOK, job)
		})

		jobs.Get("/dispute-claim", func(w http.ResponseWriter, r *http.Request) {
			id, ok := parseID(w, r, "job")
			if !ok {
				return
			}
			claim, err := rm.DisputeClaim(r.Context(), id)
			if err != nil {
				writeError(w, logger, "get dispute claim", err)
				return
			}
			writeJSON(w, http.StatusOK, claim)
		})
	})

	// ---------------- DISPUTES ----------------

	r.Route("/disputes/{id}", func(disputes chi.Router) {
		disputes.Get("/", func(w http.ResponseWriter, r *http.Request) {
			id, ok := parseID(w, r, "dispute")
			if !ok {
				return
			}
			dispute, err := rm.Dispute(r.Context(), id)
			if err != nil {
				writeError(w, logger, "get dispute", err)
				return
			}
			writeJSON(w, http.StatusOK, dispute)
		})

		disputes.Get("/reselection", func(w http.ResponseWriter, r *http.Request) {
			id, ok := parseID(w, r, "dispute")
			if !ok {
				return
			}
			status, err := rm.Reselection(r.Context(), id, now())
			if err != nil {
				writeError(w, logger, "get reselection", err)
				return
			}
			writeJSON(w, http.StatusOK, status)
		})
	})

	// ---------------- ACCOUNT HISTORY ----------------

	r.Route("/accounts/{address}", func(accounts chi.Router) {
		accounts.Get("/jobs", func(w http.ResponseWriter, r *http.Request) {
			addr, ok := parseAddress(w, r)
			if !ok {
				return
			}
			entries, err := rm.JobHistory(r.Context(), addr, now())
			if err != nil {
				writeError(w, logger, "job history", err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"address": addr, "jobs": entries})
		})

		accounts.Get("/disputes", func(w http.ResponseWriter, r *http.Request) {
			addr, ok := parseAddress(w, r)
			if !ok {
				return
			}
			entries, err := rm.DisputeHistory(r.Context(), addr)
			if err != nil {
				writeError(w, logger, "dispute history", err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"address": addr, "disputes": entries})
		})

		accounts.Get("/reviews", func(w http.ResponseWriter, r *http.Request) {
			addr, ok := parseAddress(w, r)
			if !ok {
				return
			}
			entries, err := rm.VoterHistory(r.Context(), addr)
			if err != nil {
				writeError(w, logger, "voter history", err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"address": addr, "reviews": entries})
		})

		accounts.Get("/reputation", func(w http.ResponseWriter, r *http.Request) {
			addr, ok := parseAddress(w, r)
			if !ok {
				return
			}
			rep, err := rm.Reputation(r.Context(), addr)
			if err != nil {
				writeError(w, logger, "reputation", err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"address": addr, "reputation": rep})
		})

		accounts.Get("/roles", func(w http.ResponseWriter, r *http.Request) {
			addr, ok := parseAddress(w, r)
			if !ok {
				return
			}
			roles, err := rm.Roles(r.Context(), addr)
			if err != nil {
				writeError(w, logger, "roles", err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"address": addr, "roles": roles})
		})
	})

	// ---------------- CACHE (ADMIN) ----------------

	r.With(middleware.AdminTokenAuth(deps.AdminToken, logger)).Post("/cache/invalidate", func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeInvalidateRequest(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		switch req.Scope {
		case scopeJobs:
			err = rm.InvalidateJobs(r.Context())
		case scopeDisputes:
			err = rm.InvalidateDisputes(r.Context())
		case scopeAccounts:
			err = rm.InvalidateAccounts(r.Context())
		case scopeAll:
			err = errors.Join(rm.InvalidateJobs(r.Context()), rm.InvalidateAccounts(r.Context()))
		}
		if err != nil {
			logger.Error("cache invalidation failed", "scope", req.Scope, "error", err)
			http.Error(w, "cache invalidation failed", http.StatusInternalServerError)
			return
		}

		logger.Info("cache invalidated", "scope", req.Scope)
		writeJSON(w, http.StatusOK, map[string]string{"scope": req.Scope, "status": "invalidated"})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps read-model errors onto HTTP statuses. Undetermined and
// throttled reads are temporary, so clients are told when to retry.
func writeError(w http.ResponseWriter, logger *slog.Logger, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrRateLimited), errors.Is(err, domain.ErrUndetermined):
		logger.Warn(op+" undetermined", "error", err)
		w.Header().Set("Retry-After", retryAfterSeconds)
		http.Error(w, "ledger data temporarily unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		logger.Warn(op+" interrupted", "error", err)
		http.Error(w, "request interrupted", http.StatusServiceUnavailable)
	default:
		logger.Error(op+" failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func parseID(w http.ResponseWriter, r *http.Request, entity string) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid "+entity+" id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func parseAddress(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := strings.TrimSpace(chi.URLParam(r, "address"))
	hex := strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	if hex == "" || len(hex) > 64 || strings.Trim(hex, "0123456789abcdefABCDEF") != "" {
		http.Error(w, "invalid address", http.StatusBadRequest)
		return "", false
	}
	return domain.NormalizeAddress(raw), true
}

func decodeInvalidateRequest(r *http.Request) (invalidateRequest, error) {
	var req invalidateRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return invalidateRequest{Scope: scopeAll}, nil
		}
		return invalidateRequest{}, errors.New("invalid request body")
	}

	req.Scope = strings.ToLower(strings.TrimSpace(req.Scope))
	switch req.Scope {
	case "":
		req.Scope = scopeAll
	case scopeJobs, scopeDisputes, scopeAccounts, scopeAll:
	default:
		return invalidateRequest{}, errors.New("scope must be jobs, disputes, accounts or all")
	}
	return req, nil
}

func valueOrDefault(value, defaultValue string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultValue
	}
	return trimmed
}
