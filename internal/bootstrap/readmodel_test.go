// SPDX-License-Identifier: Apache-2.0

package bootstrap

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adiadia/escrow-readmodel/internal/config"
	"github.com/adiadia/escrow-readmodel/internal/domain"
	"github.com/alicebob/miniredis/v2"
)

func testConfig(nodeURL string) config.Config {
	var cfg config.Config
	cfg.Ledger.NodeURL = nodeURL
	cfg.Ledger.ContractAddress = "0xC0FFEE"
	cfg.Ledger.MaxRetries = 0
	cfg.Ledger.Timeout = 2 * time.Second
	cfg.Cache.TTL = time.Minute
	return cfg
}

func TestReadModelReadsThroughLedger(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("[]"))
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, closeFn, err := ReadModel(context.Background(), testConfig(srv.URL), logger)
	if err != nil {
		t.Fatalf("ReadModel: %v", err)
	}
	defer closeFn()

	_, err = svc.Job(context.Background(), 1)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
	if len(paths) != 1 || !strings.Contains(paths[0], "0xc0ffee") || !strings.HasSuffix(paths[0], "/job_created_events") {
		t.Fatalf("unexpected ledger requests %v", paths)
	}
}

func TestReadModelUsesRedisWhenConfigured(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig("http://127.0.0.1:1")
	cfg.RedisURL = "redis://" + mr.Addr()

	svc, closeFn, err := ReadModel(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("ReadModel: %v", err)
	}
	defer closeFn()
	if svc == nil {
		t.Fatal("expected service")
	}
}

func TestReadModelRejectsBadRedisURL(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.RedisURL = "://nope"

	if _, _, err := ReadModel(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected redis url error")
	}
}
