// SPDX-License-Identifier: Apache-2.0

// Package worker keeps the snapshot archive in step with the ledger and
// notifies a webhook when a job's state or a dispute's status moves.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/adiadia/escrow-readmodel/internal/metrics"
	"github.com/adiadia/escrow-readmodel/internal/projection"
	"github.com/adiadia/escrow-readmodel/internal/repository"
)

const DefaultInterval = 30 * time.Second

// Source projects the current jobs and disputes.
type Source interface {
	Jobs(ctx context.Context) ([]projection.JobSnapshot, error)
	Disputes(ctx context.Context) ([]projection.DisputeSnapshot, error)
	InvalidateJobs(ctx context.Context) error
}

// Archive stores snapshots and reports what changed.
type Archive interface {
	SaveJob(ctx context.Context, snap projection.JobSnapshot) (repository.Change, bool, error)
	SaveDispute(ctx context.Context, snap projection.DisputeSnapshot) (repository.Change, bool, error)
}

type DeliveryRecorder interface {
	RecordDelivery(ctx context.Context, d repository.Delivery) error
}

type Deps struct {
	Source     Source
	Archive    Archive
	Deliveries DeliveryRecorder
	Logger     *slog.Logger
	Interval   time.Duration
	Now        func() time.Time

	HTTPClient    *http.Client
	WebhookURL    string
	WebhookSecret string
}

type Worker struct {
	source     Source
	archive    Archive
	deliveries DeliveryRecorder
	logger     *slog.Logger
	interval   time.Duration
	now        func() time.Time

	httpClient       *http.Client
	webhookURL       string
	webhookSecret    string
	webhookRetryBase time.Duration
}

func New(deps Deps) *Worker {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}

	interval := deps.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}

	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	return &Worker{
		source:           deps.Source,
		archive:          deps.Archive,
		deliveries:       deps.Deliveries,
		logger:           l,
		interval:         interval,
		now:              now,
		httpClient:       client,
		webhookURL:       strings.TrimSpace(deps.WebhookURL),
		webhookSecret:    deps.WebhookSecret,
		webhookRetryBase: webhookRetryBase,
	}
}

// Summary counts what one refresh cycle did.
type Summary struct {
	Jobs        int
	Disputes    int
	Written     int
	Notified    int
	Undelivered int
}

// ProcessOnce drops cached reads, re-projects every job and dispute and
// archives the ones that changed. A failed save is logged and the cycle
// carries on; the joined errors are returned at the end.
func (w *Worker) ProcessOnce(ctx context.Context) (Summary, error) {
	started := w.now()
	defer func() {
		metrics.ObserveRefreshCycleDuration(w.now().Sub(started))
	}()

	var summary Summary
	if err := w.source.InvalidateJobs(ctx); err != nil {
		w.logger.Warn("cache invalidation failed", "error", err)
	}

	jobs, err := w.source.Jobs(ctx)
	if err != nil {
		w.logger.Error("project jobs failed", "error", err)
		return summary, err
	}
	disputes, err := w.source.Disputes(ctx)
	if err != nil {
		w.logger.Error("project disputes failed", "error", err)
		return summary, err
	}
	summary.Jobs = len(jobs)
	summary.Disputes = len(disputes)

	var errs []error
	for _, job := range jobs {
		change, changed, err := w.archive.SaveJob(ctx, job)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if changed {
			w.written(ctx, change, &summary)
		}
	}
	for _, dispute := range disputes {
		change, changed, err := w.archive.SaveDispute(ctx, dispute)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if changed {
			w.written(ctx, change, &summary)
		}
	}

	w.logger.Info("refresh cycle complete",
		"jobs", summary.Jobs,
		"disputes", summary.Disputes,
		"written", summary.Written,
		"notified", summary.Notified,
		"duration_ms", w.now().Sub(started).Milliseconds(),
	)
	return summary, errors.Join(errs...)
}

func (w *Worker) written(ctx context.Context, change repository.Change, summary *Summary) {
	summary.Written++
	metrics.IncSnapshotWrite(change.Entity)
	if !change.Transition() || w.webhookURL == "" {
		return
	}

	delivery := w.deliverChangeWebhook(ctx, change)
	if delivery.Delivered {
		summary.Notified++
	} else {
		summary.Undelivered++
	}
	if w.deliveries == nil {
		return
	}
	if err := w.deliveries.RecordDelivery(ctx, delivery); err != nil {
		w.logger.Warn("record webhook delivery failed", "delivery_id", delivery.ID, "error", err)
	}
}

// Run refreshes once immediately and then on every tick until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if _, err := w.ProcessOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("refresh cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
