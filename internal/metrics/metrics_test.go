package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.IncPoolTransition("settled", "")
	m.ObserveTick("settlement", 1, nil)
	m.SetSyncedBlock(10)
}

func TestCounters(t *testing.T) {
	m := New()
	m.IncPoolTransition("skipped", "format_mismatch")
	m.IncPoolTransition("skipped", "format_mismatch")
	m.ObserveTick("ingestion", 0.2, errors.New("boom"))

	if got := testutil.ToFloat64(m.PoolTransitions.WithLabelValues("skipped", "format_mismatch")); got != 2 {
		t.Fatalf("expected 2 transitions, got %v", got)
	}
	if got := testutil.ToFloat64(m.TicksTotal.WithLabelValues("ingestion", "error")); got != 1 {
		t.Fatalf("expected failed tick to be counted, got %v", got)
	}
}

func TestHealthEndpoint(t *testing.T) {
	checks := map[string]HealthFunc{
		"database": func(context.Context) error { return nil },
		"rpc":      func(context.Context) error { return errors.New("dial tcp: refused") },
	}
	srv := NewServer(":0", New(), checks, zerolog.Nop())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body struct {
		Checks map[string]string `json:"checks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Checks["database"] != "ok" || !strings.Contains(body.Checks["rpc"], "refused") {
		t.Fatalf("unexpected checks %#v", body.Checks)
	}
}

func TestMetricsAndVersionEndpoints(t *testing.T) {
	m := New()
	m.IncEvent("PoolCreated")
	srv := NewServer(":0", m, nil, zerolog.Nop())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `settler_chain_events_total{event="PoolCreated"} 1`) {
		t.Fatalf("metrics endpoint missing counter: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_version") {
		t.Fatalf("unexpected version body %s", rec.Body.String())
	}
}
