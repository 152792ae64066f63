// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestCountersIncrement(t *testing.T) {
	Init()

	before := counterValue(t, ledgerRequestsCounter.WithLabelValues(KindEvents, OutcomeRateLimited))
	IncLedgerRequest(KindEvents, OutcomeRateLimited)
	if got := counterValue(t, ledgerRequestsCounter.WithLabelValues(KindEvents, OutcomeRateLimited)); got != before+1 {
		t.Fatalf("expected ledger counter %v, got %v", before+1, got)
	}

	before = counterValue(t, cacheLookupsCounter.WithLabelValues(CacheCoalesced))
	IncCacheLookup(CacheCoalesced)
	if got := counterValue(t, cacheLookupsCounter.WithLabelValues(CacheCoalesced)); got != before+1 {
		t.Fatalf("expected cache counter %v, got %v", before+1, got)
	}

	ObserveLedgerRequestDuration(KindResource, 10*time.Millisecond)
	ObserveRefreshCycleDuration(time.Second)
	IncProjectionDiagnostic("ambiguous")
	IncSnapshotWrite("job")
	IncWebhookDelivery("success")
	IncLedgerThrottleRetries()
}

func TestObserveHTTPRequestGroupsByStatusClass(t *testing.T) {
	Init()

	before := counterValue(t, httpRequestsCounter.WithLabelValues("/jobs/{id}", "5xx"))
	ObserveHTTPRequest("/jobs/{id}", 503, 20*time.Millisecond)
	if got := counterValue(t, httpRequestsCounter.WithLabelValues("/jobs/{id}", "5xx")); got != before+1 {
		t.Fatalf("expected 5xx counter %v, got %v", before+1, got)
	}

	for status, want := range map[int]string{200: "2xx", 304: "3xx", 404: "4xx", 500: "5xx"} {
		if got := statusClass(status); got != want {
			t.Fatalf("statusClass(%d) = %q, want %q", status, got, want)
		}
	}
}
