// Package debugserver runs an optional local HTTP listener exposing
// health and metrics endpoints, separate from any package-fetching
// traffic — mirroring the teacher's own debug listener
// (registry/registry.go's configureDebugServer/configurePrometheus),
// generalized from package-level functions operating on a global
// *http.ServeMux into an explicit Server type, since kiln is a library +
// CLI rather than a single long-running process with exactly one debug
// listener.
package debugserver

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	gometrics "github.com/docker/go-metrics"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kiln-pm/kiln/internal/ctxlog"
	"github.com/kiln-pm/kiln/internal/metrics"
)

// namespacePrefix matches the teacher's own metrics/prometheus.go
// convention of one docker/go-metrics Namespace per top-level component.
const namespacePrefix = "kiln"

// requestNamespace tracks request counts against this debug server
// itself via docker/go-metrics, the same library (and Namespace/Handler
// shape) the teacher registers its own HTTP-layer counters against,
// independent of the richer client_golang collectors internal/metrics
// exposes at /metrics.
var requestNamespace = gometrics.NewNamespace(namespacePrefix, "debugserver", nil)

var requestsTotal = requestNamespace.NewLabeledCounter("requests_total", "Requests served by the debug HTTP listener.", "route")

func init() {
	gometrics.Register(requestNamespace)
}

// Server is the optional local debug/metrics HTTP listener
// config.DebugServer configures. It is inert until Start is called.
type Server struct {
	addr       string
	httpServer *http.Server
}

// New builds a Server bound to addr (e.g. "127.0.0.1:9191"), exposing
// collectors at /metrics and a liveness check at /health.
func New(addr string, collectors *metrics.Collectors) *Server {
	router := mux.NewRouter()

	router.Handle("/metrics", promhttp.HandlerFor(collectors.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.Handle("/debug/metrics", gometrics.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/health", healthHandler).Methods(http.MethodGet)

	router.Use(countingMiddleware)

	var handler http.Handler = router
	handler = handlers.CombinedLoggingHandler(os.Stdout, handler)

	return &Server{
		addr: addr,
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func countingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestsTotal.WithValues(r.URL.Path).Inc(1)
		next.ServeHTTP(w, r)
	})
}

// Start begins serving in the background, logging via ctx's logger. It
// returns immediately; call Shutdown to stop the listener.
func (s *Server) Start(ctx context.Context) {
	logger := ctxlog.GetLogger(ctx)
	go func() {
		logger.Infof("debug server listening on %s", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("debug server error: %v", err)
		}
	}()
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
