// Package engine wires the jobq subsystems together around a single
// backend: the handler registry, the middleware chain, the worker pool,
// the extension registry, the dead letter service and the retention
// scheduler. It provides the Register and Enqueue operations.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/jobq"
	"github.com/xraph/jobq/backend"
	"github.com/xraph/jobq/backoff"
	"github.com/xraph/jobq/codec"
	"github.com/xraph/jobq/dlq"
	"github.com/xraph/jobq/ext"
	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
	mw "github.com/xraph/jobq/middleware"
	"github.com/xraph/jobq/observability"
	"github.com/xraph/jobq/queue"
	"github.com/xraph/jobq/retention"
	"github.com/xraph/jobq/worker"
)

const (
	instrumentationName = "github.com/xraph/jobq"

	// DefaultEnqueueRetries is how often an enqueue is retried while the
	// backend is unavailable before the error reaches the producer.
	DefaultEnqueueRetries = 3
	// DefaultJobTimeout applies to jobs enqueued without WithTimeout.
	DefaultJobTimeout = 5 * time.Minute

	scrapeTimeout = 5 * time.Second
)

var errNoBackend = errors.New("jobq: engine requires a backend")

// Engine is the job queue service. It is bound to exactly one backend
// for its lifetime.
type Engine struct {
	backend    backend.Backend
	registry   *job.Registry
	extensions *ext.Registry
	codec      codec.Codec
	logger     *slog.Logger
	workerID   id.WorkerID

	reconnect      backoff.Strategy
	enqueueRetries int
	jobTimeout     time.Duration
	jobDefaults    []job.Option
	mws            []mw.Middleware
	poolOpts       []worker.PoolOption

	queueConfigs []queue.Config
	queueManager *queue.Manager

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	// Prometheus registerer (optional; nil disables the collectors).
	promRegisterer prometheus.Registerer

	retentionOpts []retention.Option

	pool       *worker.Pool
	dlqService *dlq.Service
	retention  *retention.Scheduler

	mu      sync.Mutex
	started bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger shared by every subsystem.
func WithLogger(l *slog.Logger) Option {
	return func(eng *Engine) { eng.logger = l }
}

// WithCodec sets the codec used by the typed Register and Enqueue.
func WithCodec(c codec.Codec) Option {
	return func(eng *Engine) { eng.codec = c }
}

// WithReconnect sets the backoff between enqueue attempts while the
// backend is unavailable. The pool uses the same strategy for claims.
func WithReconnect(s backoff.Strategy) Option {
	return func(eng *Engine) { eng.reconnect = s }
}

// WithEnqueueRetries sets how often an unavailable backend is retried on
// enqueue. Zero returns the first error.
func WithEnqueueRetries(n int) Option {
	return func(eng *Engine) { eng.enqueueRetries = n }
}

// WithJobTimeout sets the execution deadline for jobs without their own.
func WithJobTimeout(d time.Duration) Option {
	return func(eng *Engine) { eng.jobTimeout = d }
}

// WithJobDefaults sets options applied to every enqueued job before the
// per-call options, for example a deployment-wide attempt budget.
func WithJobDefaults(opts ...job.Option) Option {
	return func(eng *Engine) { eng.jobDefaults = append(eng.jobDefaults, opts...) }
}

// WithWorkerID fixes the identity the pool claims jobs as.
func WithWorkerID(workerID id.WorkerID) Option {
	return func(eng *Engine) { eng.workerID = workerID }
}

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) { eng.extensions.Register(e) }
}

// WithMiddleware adds middleware after the default stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) { eng.mws = append(eng.mws, m) }
}

// WithPoolOptions passes options through to the worker pool.
func WithPoolOptions(opts ...worker.PoolOption) Option {
	return func(eng *Engine) { eng.poolOpts = append(eng.poolOpts, opts...) }
}

// WithQueueConfig registers queue-level rate limiting and concurrency
// configurations. Queues not listed have no limits.
func WithQueueConfig(configs ...queue.Config) Option {
	return func(eng *Engine) { eng.queueConfigs = append(eng.queueConfigs, configs...) }
}

// WithTracerProvider sets the OTel TracerProvider for the tracing
// middleware. If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets the OTel MeterProvider for the metrics
// middleware. If not set, the global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// WithPrometheus registers the lifecycle counters and the per-state
// gauge with reg.
func WithPrometheus(reg prometheus.Registerer) Option {
	return func(eng *Engine) { eng.promRegisterer = reg }
}

// WithRetention enables the retention scheduler.
func WithRetention(opts ...retention.Option) Option {
	return func(eng *Engine) { eng.retentionOpts = append(eng.retentionOpts, opts...) }
}

// New builds an Engine around b. The backend is owned by the caller,
// who closes it after Stop.
func New(b backend.Backend, opts ...Option) (*Engine, error) {
	if b == nil {
		return nil, errNoBackend
	}

	eng := &Engine{
		backend:        b,
		registry:       job.NewRegistry(),
		codec:          codec.Default,
		logger:         slog.Default(),
		workerID:       id.NewWorkerID(),
		reconnect:      backoff.DefaultReconnect(),
		enqueueRetries: DefaultEnqueueRetries,
		jobTimeout:     DefaultJobTimeout,
	}
	// Extensions registered through options need the registry first; it
	// picks up the final logger below.
	eng.extensions = ext.NewRegistry(nil)
	for _, opt := range opts {
		opt(eng)
	}
	if eng.logger == nil {
		eng.logger = slog.Default()
	}
	eng.extensions.SetLogger(eng.logger)
	logger := eng.logger

	if eng.promRegisterer != nil {
		eng.extensions.Register(observability.NewMetricsExtension(eng.promRegisterer))
		if err := eng.promRegisterer.Register(observability.NewStateCollector(b, scrapeTimeout, logger)); err != nil {
			return nil, fmt.Errorf("register state collector: %w", err)
		}
	}

	eng.dlqService = dlq.NewService(b, eng.extensions, logger)

	if len(eng.retentionOpts) > 0 {
		ropts := append([]retention.Option{
			retention.WithEmitter(eng.extensions),
			retention.WithLogger(logger),
		}, eng.retentionOpts...)
		sched, err := retention.NewScheduler(b, ropts...)
		if err != nil {
			return nil, err
		}
		eng.retention = sched
	}

	// Build tracing middleware (custom provider or global).
	tracingMw := mw.Tracing()
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer(instrumentationName))
	}
	// Build metrics middleware (custom provider or global).
	metricsMw := mw.Metrics()
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter(instrumentationName))
	}

	// Default middleware stack: recover → tracing → metrics → logging → timeout → inject.
	allMws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.Timeout(eng.jobTimeout, logger),
		mw.Inject(),
	}
	allMws = append(allMws, eng.mws...)

	executor := worker.NewExecutor(b, eng.registry, eng.extensions, eng.workerID, logger, allMws...)

	poolOpts := []worker.PoolOption{worker.WithReconnect(eng.reconnect)}
	if len(eng.queueConfigs) > 0 {
		eng.queueManager = queue.NewManager(eng.queueConfigs...)
		poolOpts = append(poolOpts, worker.WithQueueManager(eng.queueManager))
	}
	poolOpts = append(poolOpts, eng.poolOpts...)
	eng.pool = worker.NewPool(b, executor, eng.extensions, logger, poolOpts...)

	return eng, nil
}

// RegisterHandler registers a raw handler for queue.
func (eng *Engine) RegisterHandler(queue string, h job.HandlerFunc) {
	eng.registry.Register(queue, h)
}

// Register registers a typed job definition with the engine. Payloads are
// decoded with the engine's codec.
func Register[T any](eng *Engine, def *job.Definition[T]) {
	job.RegisterDefinition(eng.registry, def, eng.codec)
}

// Enqueue encodes payload with the engine's codec and enqueues it.
func Enqueue[T any](ctx context.Context, eng *Engine, queue string, payload T, opts ...job.Option) (id.JobID, error) {
	data, err := eng.codec.Marshal(payload)
	if err != nil {
		return id.Nil, fmt.Errorf("encode %s payload for queue %q: %w", eng.codec.Name(), queue, err)
	}
	return eng.Enqueue(ctx, queue, data, opts...)
}

// EnqueueDefinition enqueues payload to def's queue, applying def.Opts
// before opts.
func EnqueueDefinition[T any](ctx context.Context, eng *Engine, def *job.Definition[T], payload T, opts ...job.Option) (id.JobID, error) {
	all := append(append([]job.Option(nil), def.Opts...), opts...)
	return Enqueue(ctx, eng, def.Queue, payload, all...)
}

// Enqueue persists a job with a pre-encoded payload. It never runs a
// handler. While the backend is unavailable the enqueue is retried with
// the reconnect backoff; the last error is returned once retries are
// spent.
func (eng *Engine) Enqueue(ctx context.Context, queue string, payload []byte, opts ...job.Option) (id.JobID, error) {
	if len(eng.jobDefaults) > 0 {
		opts = append(append([]job.Option(nil), eng.jobDefaults...), opts...)
	}
	j, err := job.New(queue, payload, opts...)
	if err != nil {
		return id.Nil, err
	}

	attempt := 0
	err = backoff.Retry(ctx, eng.reconnect, eng.enqueueRetries+1, jobq.IsUnavailable, func(ctx context.Context) error {
		attempt++
		err := eng.backend.Enqueue(ctx, j)
		if err != nil && jobq.IsUnavailable(err) && attempt <= eng.enqueueRetries {
			eng.logger.Warn("backend unavailable, retrying enqueue",
				slog.String("queue", queue),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		}
		return err
	})
	if err != nil {
		return id.Nil, err
	}

	eng.extensions.EmitJobEnqueued(ctx, j)
	return j.ID, nil
}

// Inspect returns a snapshot of one job.
func (eng *Engine) Inspect(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return eng.backend.Inspect(ctx, jobID)
}

// List returns jobs by state and queue, oldest first.
func (eng *Engine) List(ctx context.Context, opts backend.ListOpts) ([]*job.Job, error) {
	return eng.backend.List(ctx, opts)
}

// Count returns the number of jobs matching opts.
func (eng *Engine) Count(ctx context.Context, opts backend.CountOpts) (int64, error) {
	return eng.backend.Count(ctx, opts)
}

// Stats counts jobs in every state.
func (eng *Engine) Stats(ctx context.Context, queue string) (map[job.State]int64, error) {
	out := make(map[job.State]int64, len(job.States))
	for _, s := range job.States {
		n, err := eng.backend.Count(ctx, backend.CountOpts{State: s, Queue: queue})
		if err != nil {
			return nil, err
		}
		out[s] = n
	}
	return out, nil
}

// Start begins job processing: the worker pool and, when enabled, the
// retention scheduler.
func (eng *Engine) Start(ctx context.Context) error {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if eng.started {
		return nil
	}

	if queues := eng.registry.Queues(); len(queues) > 0 {
		eng.logger.Info("registered handlers", slog.Any("queues", queues))
	}
	if err := eng.pool.Start(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}
	if eng.retention != nil {
		if err := eng.retention.Start(ctx); err != nil {
			return fmt.Errorf("start retention scheduler: %w", err)
		}
	}
	eng.started = true
	return nil
}

// Stop gracefully shuts down the engine. In-flight jobs get until ctx
// ends; see worker.Pool.Stop.
func (eng *Engine) Stop(ctx context.Context) error {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if !eng.started {
		return nil
	}
	eng.started = false

	if eng.retention != nil {
		if err := eng.retention.Stop(ctx); err != nil {
			eng.logger.Error("retention scheduler stop error", slog.String("error", err.Error()))
		}
	}
	err := eng.pool.Stop(ctx)
	eng.extensions.EmitShutdown(ctx)
	return err
}

// Backend returns the backend the engine was built with.
func (eng *Engine) Backend() backend.Backend { return eng.backend }

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Registry returns the handler registry.
func (eng *Engine) Registry() *job.Registry { return eng.registry }

// Pool returns the worker pool.
func (eng *Engine) Pool() *worker.Pool { return eng.pool }

// DLQ returns the dead letter service.
func (eng *Engine) DLQ() *dlq.Service { return eng.dlqService }

// Retention returns the retention scheduler, or nil if not enabled.
func (eng *Engine) Retention() *retention.Scheduler { return eng.retention }

// QueueManager returns the queue manager, or nil if no queue configs
// were provided.
func (eng *Engine) QueueManager() *queue.Manager { return eng.queueManager }
