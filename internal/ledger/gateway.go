// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/adiadia/escrow-readmodel/internal/domain"
	"github.com/adiadia/escrow-readmodel/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	DefaultMinSpacing  = 200 * time.Millisecond
	DefaultBackoffBase = 2 * time.Second
	DefaultMaxRetries  = 3
	DefaultEventLimit  = 200

	maxResponseBytes = 8 << 20
	tracerName       = "github.com/adiadia/escrow-readmodel/internal/ledger"
)

type Deps struct {
	NodeURL     string
	APIKey      string
	MinSpacing  time.Duration
	BackoffBase time.Duration
	MaxRetries  int
	EventLimit  int

	HTTPClient *http.Client
	Logger     *slog.Logger
	Tracer     trace.Tracer

	// Sleep waits between throttled attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Gateway reads resources, table items and event streams from a ledger node.
// Requests to the same host are spaced by at least MinSpacing and throttled
// responses are retried with exponential backoff. A zero MinSpacing means
// DefaultMinSpacing and a negative one disables spacing.
type Gateway struct {
	baseURL     string
	apiKey      string
	minSpacing  time.Duration
	backoffBase time.Duration
	maxRetries  int
	eventLimit  int

	client *http.Client
	logger *slog.Logger
	tracer trace.Tracer
	sleep  func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(deps Deps) *Gateway {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	sleep := deps.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	backoff := deps.BackoffBase
	if backoff <= 0 {
		backoff = DefaultBackoffBase
	}
	retries := deps.MaxRetries
	if retries < 0 {
		retries = 0
	}
	limit := deps.EventLimit
	if limit <= 0 {
		limit = DefaultEventLimit
	}
	spacing := deps.MinSpacing
	if spacing == 0 {
		spacing = DefaultMinSpacing
	}

	return &Gateway{
		baseURL:     strings.TrimRight(strings.TrimSpace(deps.NodeURL), "/"),
		apiKey:      strings.TrimSpace(deps.APIKey),
		minSpacing:  spacing,
		backoffBase: backoff,
		maxRetries:  retries,
		eventLimit:  limit,
		client:      client,
		logger:      logger,
		tracer:      tracer,
		sleep:       sleep,
		limiters:    make(map[string]*rate.Limiter),
	}
}

// EventLimit is the default page size used when FetchEvents is called with limit <= 0.
func (g *Gateway) EventLimit() int {
	return g.eventLimit
}

// FetchResource returns the data member of resourceType stored under account.
// A missing resource or an unparseable payload yields (nil, nil).
func (g *Gateway) FetchResource(ctx context.Context, account, resourceType string) (json.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/v1/accounts/%s/resource/%s", g.baseURL, account, resourceType)

	body, err := g.call(ctx, metrics.KindResource, http.MethodGet, endpoint, nil)
	if err != nil || body == nil {
		return nil, err
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || isJSONNull(envelope.Data) {
		g.malformed(metrics.KindResource, endpoint, err)
		return nil, nil
	}
	metrics.IncLedgerRequest(metrics.KindResource, metrics.OutcomeOK)
	return envelope.Data, nil
}

// TableItemQuery addresses a single entry of an on-ledger table.
type TableItemQuery struct {
	Handle    string
	KeyType   string
	ValueType string
	Key       any
}

// FetchTableItem returns the raw value stored under q.Key.
// A missing item or an unparseable payload yields (nil, nil).
func (g *Gateway) FetchTableItem(ctx context.Context, q TableItemQuery) (json.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/v1/tables/%s/item", g.baseURL, q.Handle)

	payload, err := json.Marshal(map[string]any{
		"key_type":   q.KeyType,
		"value_type": q.ValueType,
		"key":        NormalizeKey(q.KeyType, q.Key),
	})
	if err != nil {
		return nil, fmt.Errorf("encode table item request: %w", err)
	}

	body, err := g.call(ctx, metrics.KindTableItem, http.MethodPost, endpoint, payload)
	if err != nil || body == nil {
		return nil, err
	}
	if !json.Valid(body) || isJSONNull(body) {
		g.malformed(metrics.KindTableItem, endpoint, nil)
		return nil, nil
	}
	metrics.IncLedgerRequest(metrics.KindTableItem, metrics.OutcomeOK)
	return json.RawMessage(body), nil
}

type wireEvent struct {
	Version        domain.U64      `json:"version"`
	SequenceNumber domain.U64      `json:"sequence_number"`
	Type           string          `json:"type"`
	Data           json.RawMessage `json:"data"`
}

// FetchEvents returns up to limit events of the handle field on the stream
// resource owned by account, starting at sequence number start. A nil slice
// means the stream could not be read; a non-nil empty slice means the stream
// has no events at or after start.
func (g *Gateway) FetchEvents(ctx context.Context, account, stream, field string, start uint64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = g.eventLimit
	}
	endpoint := fmt.Sprintf("%s/v1/accounts/%s/events/%s/%s?start=%d&limit=%d",
		g.baseURL, account, url.PathEscape(stream), field, start, limit)

	body, err := g.call(ctx, metrics.KindEvents, http.MethodGet, endpoint, nil)
	if err != nil || body == nil {
		return nil, err
	}

	var items []wireEvent
	if err := json.Unmarshal(body, &items); err != nil || items == nil {
		g.malformed(metrics.KindEvents, endpoint, err)
		return nil, nil
	}

	events := make([]domain.Event, 0, len(items))
	for _, item := range items {
		if isJSONNull(item.Data) {
			g.malformed(metrics.KindEvents, endpoint, errors.New("event without data"))
			return nil, nil
		}
		events = append(events, domain.Event{
			StreamID: stream,
			Field:    field,
			Sequence: uint64(item.SequenceNumber),
			Version:  uint64(item.Version),
			Type:     item.Type,
			Data:     item.Data,
		})
	}
	metrics.IncLedgerRequest(metrics.KindEvents, metrics.OutcomeOK)
	return events, nil
}

// call performs one logical request. It returns (nil, nil) for not-found and
// empty responses, the body for 2xx, ErrRateLimited once retries are used up,
// and a wrapped error for anything else.
func (g *Gateway) call(ctx context.Context, kind, method, endpoint string, payload []byte) (_ []byte, err error) {
	ctx, span := g.tracer.Start(ctx, "ledger."+kind, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("ledger.kind", kind), attribute.String("http.method", method))
	started := time.Now()
	defer func() {
		metrics.ObserveLedgerRequestDuration(kind, time.Since(started))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	host := hostOf(endpoint)
	for attempt := 0; ; attempt++ {
		if err := g.waitTurn(ctx, host); err != nil {
			metrics.IncLedgerRequest(kind, metrics.OutcomeError)
			return nil, err
		}

		status, body, err := g.do(ctx, method, endpoint, payload)
		if err != nil {
			metrics.IncLedgerRequest(kind, metrics.OutcomeError)
			return nil, fmt.Errorf("ledger %s request: %w", kind, err)
		}
		span.SetAttributes(attribute.Int("http.status_code", status), attribute.Int("ledger.attempt", attempt+1))

		switch {
		case status == http.StatusTooManyRequests:
			if attempt >= g.maxRetries {
				metrics.IncLedgerRequest(kind, metrics.OutcomeRateLimited)
				g.logger.Error("ledger throttling retries exhausted",
					"kind", kind,
					"endpoint", endpoint,
					"attempts", attempt+1,
				)
				return nil, domain.ErrRateLimited
			}
			wait := g.backoffBase * time.Duration(1<<attempt)
			metrics.IncLedgerThrottleRetries()
			g.logger.Warn("ledger throttled, backing off",
				"kind", kind,
				"endpoint", endpoint,
				"attempt", attempt+1,
				"max_retries", g.maxRetries,
				"backoff", wait,
			)
			if err := g.sleep(ctx, wait); err != nil {
				metrics.IncLedgerRequest(kind, metrics.OutcomeError)
				return nil, err
			}
		case status == http.StatusNotFound:
			metrics.IncLedgerRequest(kind, metrics.OutcomeNotFound)
			return nil, nil
		case status >= http.StatusOK && status < http.StatusMultipleChoices:
			if len(bytes.TrimSpace(body)) == 0 {
				g.malformed(kind, endpoint, errors.New("empty body"))
				return nil, nil
			}
			return body, nil
		default:
			metrics.IncLedgerRequest(kind, metrics.OutcomeError)
			return nil, fmt.Errorf("ledger %s: unexpected status %d", kind, status)
		}
	}
}

func (g *Gateway) do(ctx context.Context, method, endpoint string, payload []byte) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

// waitTurn blocks until the spacing floor for host has elapsed.
func (g *Gateway) waitTurn(ctx context.Context, host string) error {
	if g.minSpacing <= 0 {
		return ctx.Err()
	}

	g.mu.Lock()
	limiter, ok := g.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(g.minSpacing), 1)
		g.limiters[host] = limiter
	}
	g.mu.Unlock()

	return limiter.Wait(ctx)
}

func (g *Gateway) malformed(kind, endpoint string, err error) {
	metrics.IncLedgerRequest(kind, metrics.OutcomeMalformed)
	g.logger.Warn("ledger payload malformed",
		"kind", kind,
		"endpoint", endpoint,
		"error", errors.Join(domain.ErrMalformedUpstreamData, err),
	)
}

func hostOf(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	return u.Host
}

func isJSONNull(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
