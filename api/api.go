// Package api exposes a small admin HTTP surface over an engine: job
// inspection, queue stats, dead-letter management, health and metrics.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xraph/jobq/engine"
	"github.com/xraph/jobq/stream"
)

// maxBodyBytes caps request bodies. Enqueue payloads larger than this
// belong in object storage, not in the queue.
const maxBodyBytes = 1 << 20

// API wires the admin HTTP handlers together.
type API struct {
	eng      *engine.Engine
	logger   *slog.Logger
	gatherer prometheus.Gatherer
	stream   *stream.Broker
}

// Option configures an API.
type Option func(*API)

// WithLogger sets the logger used for handler errors.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) { a.logger = l }
}

// WithGatherer serves /metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *API) { a.gatherer = g }
}

// WithStream enables GET /v1/events, streaming lifecycle events from b.
// b must also be registered on the engine as an extension.
func WithStream(b *stream.Broker) Option {
	return func(a *API) { a.stream = b }
}

// New creates an API from an engine.
func New(eng *engine.Engine, opts ...Option) *API {
	a := &API{eng: eng, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the fully assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestSize(maxBodyBytes))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.healthz)
	if a.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		a.registerJobRoutes(r)
		a.registerDLQRoutes(r)
		a.registerStatsRoutes(r)
		if a.stream != nil {
			r.Get("/events", a.events)
		}
	})

	return r
}

func (a *API) registerJobRoutes(r chi.Router) {
	r.Get("/jobs", a.listJobs)
	r.Post("/jobs", a.enqueueJob)
	r.Get("/jobs/{jobId}", a.getJob)
}

func (a *API) registerDLQRoutes(r chi.Router) {
	r.Get("/dead", a.listDLQ)
	r.Post("/dead/purge", a.purgeDLQ)
	r.Get("/dead/{jobId}", a.getDLQ)
	r.Post("/dead/{jobId}/replay", a.replayDLQ)
}

func (a *API) registerStatsRoutes(r chi.Router) {
	r.Get("/stats", a.stats)
}
