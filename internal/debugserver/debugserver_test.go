package debugserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kiln-pm/kiln/internal/metrics"
)

// newTestRouter builds New's /metrics and /health routes (without
// /debug/metrics, the counting middleware, or the access log), without
// binding a real listener, so handlers can be exercised with
// httptest.NewRecorder.
func newTestRouter(collectors *metrics.Collectors) http.Handler {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(collectors.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/health", healthHandler).Methods(http.MethodGet)
	return router
}

func TestHealthHandlerReturnsOK(t *testing.T) {
	router := newTestRouter(metrics.New())
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMetricsHandlerExposesRegisteredCollectors(t *testing.T) {
	collectors := metrics.New()
	collectors.ResolveConflictTotal.Inc()
	router := newTestRouter(collectors)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "kiln_resolver_conflicts_total") {
		t.Fatalf("expected exposition to include the resolver conflicts counter, got:\n%s", rec.Body.String())
	}
}

func TestNewBuildsAServerWithoutStarting(t *testing.T) {
	s := New("127.0.0.1:0", metrics.New())
	if s.httpServer == nil {
		t.Fatalf("expected an http.Server to be built")
	}
}
