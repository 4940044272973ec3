// Package promexport renders telemetry state in the Prometheus text exposition format.
package promexport

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"spritetel/internal/otlp"
	"spritetel/internal/telemetry"
)

const namespace = "spritetel"

// AggregateSource lists current per-sandbox aggregates.
type AggregateSource interface {
	GetAll() []telemetry.Aggregate
}

// GatewayStats exposes ingestion gateway counters.
type GatewayStats interface {
	Stats() otlp.Stats
}

// ObserverCounter reports connected observers.
type ObserverCounter interface {
	Count() int
}

// EventIdentities lists sandboxes with retained event history.
type EventIdentities interface {
	Identities() []string
}

// Sources groups the read-only state rendered on every scrape. Nil members are skipped.
type Sources struct {
	Aggregates AggregateSource
	Gateway    GatewayStats
	Observers  ObserverCounter
	Events     EventIdentities
	Host       HostSampler
}

// Exporter owns a Prometheus registry with lifecycle instruments and scrape-time collectors.
type Exporter struct {
	registry *prometheus.Registry
	logger   *slog.Logger

	sandboxesTotal     prometheus.Counter
	sandboxesActive    prometheus.Gauge
	checkpointsTotal   prometheus.Counter
	checkpointDuration prometheus.Histogram
	execDuration       prometheus.Histogram
}

// New builds an exporter and registers every collector.
// Params: sources scrape-time state; logger for collector failures.
// Returns: exporter instance.
func New(sources Sources, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}

	e := &Exporter{
		registry: prometheus.NewRegistry(),
		logger:   logger,
		sandboxesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandboxes_total",
			Help:      "Total sandboxes created.",
		}),
		sandboxesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sandboxes_active",
			Help:      "Currently active sandboxes.",
		}),
		checkpointsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Total checkpoints created.",
		}),
		checkpointDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkpoint_duration_seconds",
			Help:      "Checkpoint creation duration.",
			Buckets:   prometheus.DefBuckets,
		}),
		execDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exec_duration_seconds",
			Help:      "Command execution duration.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	e.registry.MustRegister(
		e.sandboxesTotal,
		e.sandboxesActive,
		e.checkpointsTotal,
		e.checkpointDuration,
		e.execDuration,
	)

	if sources.Aggregates != nil {
		e.registry.MustRegister(newAggregateCollector(sources.Aggregates))
	}
	if sources.Gateway != nil {
		e.registry.MustRegister(newGatewayCollector(sources.Gateway))
	}
	if sources.Observers != nil {
		observers := sources.Observers
		e.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observers",
			Help:      "Connected real-time observers.",
		}, func() float64 {
			return float64(observers.Count())
		}))
	}
	if sources.Events != nil {
		events := sources.Events
		e.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_log_sandboxes",
			Help:      "Sandboxes with retained event history.",
		}, func() float64 {
			return float64(len(events.Identities()))
		}))
	}
	if sources.Host != nil {
		e.registry.MustRegister(newHostCollector(sources.Host, logger))
	}

	return e
}

// BindLifecycle updates lifecycle instruments on every published notification.
// Params: lifecycle relay to observe.
// Returns: none.
func (e *Exporter) BindLifecycle(lifecycle *telemetry.Lifecycle) {
	lifecycle.OnPublish(e.Observe)
}

// Observe applies one lifecycle notification to the instruments.
// Params: event published lifecycle notification.
// Returns: none.
func (e *Exporter) Observe(event telemetry.LifecycleEvent) {
	switch event.Kind {
	case telemetry.LifecycleSpriteCreated, telemetry.LifecycleSandboxCreated:
		e.sandboxesTotal.Inc()
		e.sandboxesActive.Inc()
	case telemetry.LifecycleSpriteDeleted, telemetry.LifecycleSpriteShutdown, telemetry.LifecycleSandboxDestroyed:
		e.sandboxesActive.Dec()
	case telemetry.LifecycleSpriteWoken:
		e.sandboxesActive.Inc()
	case telemetry.LifecycleCheckpointCreated:
		e.checkpointsTotal.Inc()
		if event.Duration > 0 {
			e.checkpointDuration.Observe(event.Duration.Seconds())
		}
	case telemetry.LifecycleExecOutput:
		if event.Duration > 0 {
			e.execDuration.Observe(event.Duration.Seconds())
		}
	}
}

// Handler serves the text exposition of the registry.
// Params: none.
// Returns: HTTP handler for /metrics.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		ErrorLog:      slog.NewLogLogger(e.logger.Handler(), slog.LevelError),
		ErrorHandling: promhttp.ContinueOnError,
	})
}
