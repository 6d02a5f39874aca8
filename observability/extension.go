package observability

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xraph/jobq/backend"
	"github.com/xraph/jobq/ext"
	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension    = (*MetricsExtension)(nil)
	_ ext.JobEnqueued  = (*MetricsExtension)(nil)
	_ ext.JobStarted   = (*MetricsExtension)(nil)
	_ ext.JobCompleted = (*MetricsExtension)(nil)
	_ ext.JobRetrying  = (*MetricsExtension)(nil)
	_ ext.JobDead      = (*MetricsExtension)(nil)
	_ ext.JobsReaped   = (*MetricsExtension)(nil)
	_ ext.JobReplayed  = (*MetricsExtension)(nil)
	_ ext.JobsPurged   = (*MetricsExtension)(nil)
)

const namespace = "jobq"

// MetricsExtension records lifecycle counters in Prometheus. Register it
// as an extension and expose the registry on /metrics.
type MetricsExtension struct {
	Enqueued  *prometheus.CounterVec
	Started   *prometheus.CounterVec
	Completed *prometheus.CounterVec
	Retried   *prometheus.CounterVec
	Dead      *prometheus.CounterVec
	Expired   prometheus.Counter
	Requeued  prometheus.Counter
	Replayed  prometheus.Counter
	Purged    *prometheus.CounterVec
	Latency   *prometheus.HistogramVec
}

// NewMetricsExtension creates the collectors and registers them with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewMetricsExtension(reg prometheus.Registerer) *MetricsExtension {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	byQueue := []string{"queue"}
	m := &MetricsExtension{
		Enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_enqueued_total",
			Help: "Jobs accepted by the backend.",
		}, byQueue),
		Started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_started_total",
			Help: "Handler executions started.",
		}, byQueue),
		Completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_completed_total",
			Help: "Jobs acknowledged as completed.",
		}, byQueue),
		Retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_retried_total",
			Help: "Failed attempts with budget left.",
		}, byQueue),
		Dead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_dead_total",
			Help: "Jobs that exhausted their attempt budget.",
		}, byQueue),
		Expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "leases_expired_total",
			Help: "Claims failed because their visibility window ran out.",
		}),
		Requeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_requeued_total",
			Help: "Failed jobs moved back to pending by the reaper.",
		}),
		Replayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_replayed_total",
			Help: "Dead jobs replayed as new jobs.",
		}),
		Purged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_purged_total",
			Help: "Terminal jobs deleted.",
		}, []string{"state"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "job_duration_seconds",
			Help:    "Handler duration of completed jobs.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, byQueue),
	}
	reg.MustRegister(
		m.Enqueued, m.Started, m.Completed, m.Retried, m.Dead,
		m.Expired, m.Requeued, m.Replayed, m.Purged, m.Latency,
	)
	return m
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnJobEnqueued implements ext.JobEnqueued.
func (m *MetricsExtension) OnJobEnqueued(_ context.Context, j *job.Job) error {
	m.Enqueued.WithLabelValues(j.Queue).Inc()
	return nil
}

// OnJobStarted implements ext.JobStarted.
func (m *MetricsExtension) OnJobStarted(_ context.Context, j *job.Job) error {
	m.Started.WithLabelValues(j.Queue).Inc()
	return nil
}

// OnJobCompleted implements ext.JobCompleted.
func (m *MetricsExtension) OnJobCompleted(_ context.Context, j *job.Job, elapsed time.Duration) error {
	m.Completed.WithLabelValues(j.Queue).Inc()
	m.Latency.WithLabelValues(j.Queue).Observe(elapsed.Seconds())
	return nil
}

// OnJobRetrying implements ext.JobRetrying.
func (m *MetricsExtension) OnJobRetrying(_ context.Context, j *job.Job, _ error) error {
	m.Retried.WithLabelValues(j.Queue).Inc()
	return nil
}

// OnJobDead implements ext.JobDead.
func (m *MetricsExtension) OnJobDead(_ context.Context, j *job.Job, _ error) error {
	m.Dead.WithLabelValues(j.Queue).Inc()
	return nil
}

// OnJobsReaped implements ext.JobsReaped.
func (m *MetricsExtension) OnJobsReaped(_ context.Context, requeued, expired, _ int) error {
	m.Requeued.Add(float64(requeued))
	m.Expired.Add(float64(expired))
	return nil
}

// OnJobReplayed implements ext.JobReplayed.
func (m *MetricsExtension) OnJobReplayed(context.Context, id.JobID, id.JobID) error {
	m.Replayed.Inc()
	return nil
}

// OnJobsPurged implements ext.JobsPurged.
func (m *MetricsExtension) OnJobsPurged(_ context.Context, state job.State, n int64) error {
	m.Purged.WithLabelValues(string(state)).Add(float64(n))
	return nil
}

// StateCollector reports the number of jobs per state as a gauge, read
// from the backend on every scrape.
type StateCollector struct {
	backend backend.Backend
	timeout time.Duration
	logger  *slog.Logger
	desc    *prometheus.Desc
	up      *prometheus.Desc
}

var _ prometheus.Collector = (*StateCollector)(nil)

// NewStateCollector creates a collector over b. Each scrape issues one
// Count per state, bounded by timeout.
func NewStateCollector(b backend.Backend, timeout time.Duration, logger *slog.Logger) *StateCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateCollector{
		backend: b,
		timeout: timeout,
		logger:  logger,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "jobs"),
			"Jobs currently stored, by state.",
			[]string{"state", "backend"}, nil,
		),
		up: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "backend_up"),
			"Whether the last scrape reached the backend.",
			[]string{"backend"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *StateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
	ch <- c.up
}

// Collect implements prometheus.Collector.
func (c *StateCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	name := c.backend.Name()
	up := 1.0
	for _, st := range job.States {
		n, err := c.backend.Count(ctx, backend.CountOpts{State: st})
		if err != nil {
			c.logger.Warn("state collector count failed",
				slog.String("state", string(st)),
				slog.String("error", err.Error()),
			)
			up = 0
			break
		}
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), string(st), name)
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, up, name)
}
