package metrics

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew_RegistersWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveScript("run", time.Now(), nil)
	m.ObserveScript("run", time.Now(), errors.New("boom"))
	m.ObserveResolve(time.Now(), true, nil)
	m.ObserveResolve(time.Now(), false, nil)

	if got := testutil.ToFloat64(m.ScriptRuns.WithLabelValues("run", "error")); got != 1 {
		t.Errorf("expected 1 failed run, got %v", got)
	}
	if got := testutil.ToFloat64(m.Resolutions.WithLabelValues("unresolved")); got != 1 {
		t.Errorf("expected 1 unresolved, got %v", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	if len(families) == 0 {
		t.Fatal("expected registered metric families")
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveScript("call", time.Now(), nil)
	m.ObserveResolve(time.Now(), true, nil)
}

func TestHealthStatus(t *testing.T) {
	h := NewHealthStatus(false)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before loop starts, got %d", rec.Code)
	}

	h.SetLoopRunning(true)
	h.SetBrokerConnected(true)
	h.SetSQLiteOK(true)
	h.SetLastTickTime(time.Now())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "healthy" {
		t.Errorf("expected healthy, got %s", body.Status)
	}
}
