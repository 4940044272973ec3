package otlp

import (
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"time"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"

	"spritetel/internal/telemetry"
)

const (
	attrEventType = "event_type"
	attrEventName = "event.name"
	attrBody      = "body"

	// SignalMetrics and SignalLogs label per-signal gateway counters.
	SignalMetrics = "metrics"
	SignalLogs    = "logs"
)

// MetricStore folds metric data points into per-sandbox aggregates.
type MetricStore interface {
	Update(identity string, metricName string, value float64, attrs telemetry.Attributes) telemetry.Aggregate
}

// EventStore appends discrete events to per-sandbox histories.
type EventStore interface {
	Add(identity string, kind telemetry.EventKind, attrs telemetry.Attributes, ts time.Time) telemetry.Event
}

// Counters is a snapshot of gateway counters for one signal.
type Counters struct {
	Batches           uint64
	ResourcesAccepted uint64
	ResourcesDropped  uint64
	Items             uint64
	SkippedMetrics    uint64
	DecodeFailures    uint64
}

// Stats is a snapshot of gateway counters keyed by signal.
type Stats map[string]Counters

type signalCounters struct {
	batches           atomic.Uint64
	resourcesAccepted atomic.Uint64
	resourcesDropped  atomic.Uint64
	items             atomic.Uint64
	skippedMetrics    atomic.Uint64
	decodeFailures    atomic.Uint64
}

func (c *signalCounters) snapshot() Counters {
	return Counters{
		Batches:           c.batches.Load(),
		ResourcesAccepted: c.resourcesAccepted.Load(),
		ResourcesDropped:  c.resourcesDropped.Load(),
		Items:             c.items.Load(),
		SkippedMetrics:    c.skippedMetrics.Load(),
		DecodeFailures:    c.decodeFailures.Load(),
	}
}

// Receiver translates OTLP export requests into store updates.
// It is shared by the gRPC and HTTP transports.
type Receiver struct {
	resolver Resolver
	metrics  MetricStore
	events   EventStore
	logger   *slog.Logger
	now      func() time.Time

	metricCounters signalCounters
	logCounters    signalCounters
}

// NewReceiver creates an ingestion receiver.
// Params: resolver identity rules; metrics aggregate store; events event store; logger for drop diagnostics.
// Returns: receiver instance.
func NewReceiver(resolver Resolver, metrics MetricStore, events EventStore, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		resolver: resolver,
		metrics:  metrics,
		events:   events,
		logger:   logger,
		now:      time.Now,
	}
}

// Stats returns a snapshot of ingestion counters.
// Params: none.
// Returns: counters keyed by signal name.
func (r *Receiver) Stats() Stats {
	return Stats{
		SignalMetrics: r.metricCounters.snapshot(),
		SignalLogs:    r.logCounters.snapshot(),
	}
}

// RecordDecodeFailure counts one export envelope that could not be decoded.
// Params: signal SignalMetrics or SignalLogs.
// Returns: none.
func (r *Receiver) RecordDecodeFailure(signal string) {
	switch signal {
	case SignalMetrics:
		r.metricCounters.decodeFailures.Add(1)
	case SignalLogs:
		r.logCounters.decodeFailures.Add(1)
	}
}

// ConsumeMetrics folds every sum/gauge data point of a batch into aggregates.
// Params: req decoded metrics export request.
// Returns: none; unresolvable resources and unsupported metric shapes are dropped silently.
func (r *Receiver) ConsumeMetrics(req *colmetricspb.ExportMetricsServiceRequest) {
	r.metricCounters.batches.Add(1)

	for _, resourceMetrics := range req.GetResourceMetrics() {
		identity, ok := r.resolver.Resolve(DecodeAttributes(resourceMetrics.GetResource().GetAttributes()))
		if !ok {
			r.metricCounters.resourcesDropped.Add(1)
			r.logger.Debug("otlp metrics resource dropped: unresolvable identity")
			continue
		}
		r.metricCounters.resourcesAccepted.Add(1)

		for _, scopeMetrics := range resourceMetrics.GetScopeMetrics() {
			for _, metric := range scopeMetrics.GetMetrics() {
				points, supported := numberDataPoints(metric)
				if !supported {
					r.metricCounters.skippedMetrics.Add(1)
					r.logger.Debug("otlp metric skipped: unsupported shape",
						slog.String("sprite", identity),
						slog.String("metric", metric.GetName()),
					)
					continue
				}
				for _, point := range points {
					r.metrics.Update(identity, metric.GetName(), pointValue(point), DecodeAttributes(point.GetAttributes()))
					r.metricCounters.items.Add(1)
				}
			}
		}
	}
}

// ConsumeLogs appends every log record of a batch as a discrete event.
// Params: req decoded logs export request.
// Returns: none; unresolvable resources are dropped silently.
func (r *Receiver) ConsumeLogs(req *collogspb.ExportLogsServiceRequest) {
	r.logCounters.batches.Add(1)
	received := r.now()

	for _, resourceLogs := range req.GetResourceLogs() {
		identity, ok := r.resolver.Resolve(DecodeAttributes(resourceLogs.GetResource().GetAttributes()))
		if !ok {
			r.logCounters.resourcesDropped.Add(1)
			r.logger.Debug("otlp logs resource dropped: unresolvable identity")
			continue
		}
		r.logCounters.resourcesAccepted.Add(1)

		for _, scopeLogs := range resourceLogs.GetScopeLogs() {
			for _, record := range scopeLogs.GetLogRecords() {
				attrs := DecodeAttributes(record.GetAttributes())
				if record.GetBody().GetValue() != nil {
					attrs[attrBody] = RenderBody(record.GetBody())
				}
				ts := recordTime(record.GetTimeUnixNano(), record.GetObservedTimeUnixNano(), received)
				r.events.Add(identity, eventKind(attrs), attrs, ts)
				r.logCounters.items.Add(1)
			}
		}
	}
}

// numberDataPoints extracts data points from sum and gauge metrics.
// Params: metric one OTLP metric.
// Returns: data points and false for histogram, exponential histogram, summary or empty metrics.
func numberDataPoints(metric *metricspb.Metric) ([]*metricspb.NumberDataPoint, bool) {
	switch data := metric.GetData().(type) {
	case *metricspb.Metric_Sum:
		return data.Sum.GetDataPoints(), true
	case *metricspb.Metric_Gauge:
		return data.Gauge.GetDataPoints(), true
	default:
		return nil, false
	}
}

// pointValue reads the numeric value of a data point.
// Params: point OTLP number data point.
// Returns: as_double when set, else as_int, else 0.
func pointValue(point *metricspb.NumberDataPoint) float64 {
	switch value := point.GetValue().(type) {
	case *metricspb.NumberDataPoint_AsDouble:
		return value.AsDouble
	case *metricspb.NumberDataPoint_AsInt:
		return float64(value.AsInt)
	default:
		return 0
	}
}

// recordTime picks the event timestamp for one log record.
// Params: timeNano record time; observedNano observed time; received batch receive time.
// Returns: first usable time truncated to milliseconds in UTC; zero or beyond int64 nanoseconds is unusable.
func recordTime(timeNano uint64, observedNano uint64, received time.Time) time.Time {
	for _, nano := range []uint64{timeNano, observedNano} {
		if nano == 0 || nano > math.MaxInt64 {
			continue
		}
		return time.Unix(0, int64(nano)).UTC().Truncate(time.Millisecond)
	}
	return received.UTC().Truncate(time.Millisecond)
}

// eventKind resolves the event kind from record attributes.
// Params: attrs decoded record attributes.
// Returns: known kind from event_type or event.name, else api_request.
func eventKind(attrs telemetry.Attributes) telemetry.EventKind {
	if raw, ok := attrs.String(attrEventType); ok {
		if kind, known := telemetry.ParseEventKind(raw); known {
			return kind
		}
	}
	if raw, ok := attrs.String(attrEventName); ok {
		if kind, known := telemetry.ParseEventKind(strings.TrimPrefix(raw, "claude_code.")); known {
			return kind
		}
	}
	return telemetry.EventAPIRequest
}
