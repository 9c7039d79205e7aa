// Package server exposes the gateway over HTTP: the streaming endpoint,
// liveness/readiness probes, and the admin surface of spec §6.
package server

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/howard-nolan/llmgateway/internal/config"
	"github.com/howard-nolan/llmgateway/internal/kv"
	"github.com/howard-nolan/llmgateway/internal/metrics"
	"github.com/howard-nolan/llmgateway/internal/orchestrator"
	"github.com/howard-nolan/llmgateway/internal/pool"
	"github.com/howard-nolan/llmgateway/internal/provider"
	"github.com/howard-nolan/llmgateway/internal/queue"
	"github.com/howard-nolan/llmgateway/internal/ratelimit"
	"github.com/howard-nolan/llmgateway/internal/tracker"
)

// Server holds every dependency a handler needs and satisfies
// http.Handler by delegating to its chi router.
type Server struct {
	cfg *config.Config

	orch         *orchestrator.Orchestrator
	registry     *provider.Registry // real providers, registered at startup
	fakeRegistry *provider.Registry // single FakeProvider, swapped in by use_fake_llm

	kvClient *kv.Client
	pool     *pool.Pool
	tracker  *tracker.Tracker
	limiter  *ratelimit.Limiter
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	bus      queue.Bus // nil-able: only set up when queue-failover is wired

	log *slog.Logger

	featuresMu sync.Mutex
	features   config.FeatureFlags

	router chi.Router
}

// Deps bundles everything New needs, so cmd/gateway/main.go's
// construction call doesn't grow an unreadable parameter list.
type Deps struct {
	Config       *config.Config
	Orchestrator *orchestrator.Orchestrator
	Registry     *provider.Registry
	FakeRegistry *provider.Registry
	KV           *kv.Client
	Pool         *pool.Pool
	Tracker      *tracker.Tracker
	Limiter      *ratelimit.Limiter
	Metrics      *metrics.Metrics
	Gatherer     prometheus.Gatherer
	Bus          queue.Bus
	Log          *slog.Logger
}

// New builds a Server, wires its routes, and returns it ready to pass to
// http.Server{Handler: srv}.
func New(d Deps) *Server {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:          d.Config,
		orch:         d.Orchestrator,
		registry:     d.Registry,
		fakeRegistry: d.FakeRegistry,
		kvClient:     d.KV,
		pool:         d.Pool,
		tracker:      d.Tracker,
		limiter:      d.Limiter,
		metrics:      d.Metrics,
		gatherer:     d.Gatherer,
		bus:          d.Bus,
		log:          log,
		features:     d.Config.Features,
	}
	if d.Orchestrator != nil {
		d.Orchestrator.SetMetrics(d.Metrics)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/stream", s.handleStream)

	r.Get("/health", s.handleHealth)
	r.Get("/health/live", s.handleHealthLive)
	r.Get("/health/ready", s.handleHealthReady)
	r.Get("/health/detailed", s.handleHealthDetailed)

	r.Get("/admin/execution-stats", s.handleExecutionStats)
	r.Get("/admin/circuit-breakers", s.handleCircuitBreakers)
	r.Get("/admin/config", s.handleGetConfig)
	r.Post("/admin/config", s.handlePostConfig)
	if s.gatherer != nil {
		r.Get("/admin/metrics", s.handleMetrics)
	}

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
