package promexport

import (
	"sort"

	"github.com/prometheus/client_golang/prometheus"

	"spritetel/internal/telemetry"
)

type aggregateField struct {
	desc  *prometheus.Desc
	value func(telemetry.Aggregate) float64
}

// aggregateCollector renders every sandbox aggregate from one snapshot per scrape.
type aggregateCollector struct {
	source AggregateSource
	fields []aggregateField
	active *prometheus.Desc
}

func newAggregateCollector(source AggregateSource) *aggregateCollector {
	labels := []string{"sprite"}
	tokenDesc := prometheus.NewDesc(namespace+"_sprite_tokens", "Tokens consumed per sandbox and token type.", []string{"sprite", "type"}, nil)
	field := func(name, help string, value func(telemetry.Aggregate) float64) aggregateField {
		return aggregateField{
			desc:  prometheus.NewDesc(namespace+"_sprite_"+name, help, labels, nil),
			value: value,
		}
	}

	return &aggregateCollector{
		source: source,
		fields: []aggregateField{
			field("cost_usd", "Accumulated cost in USD.", func(a telemetry.Aggregate) float64 { return a.CostUSD }),
			field("sessions", "Accumulated sessions.", func(a telemetry.Aggregate) float64 { return a.Sessions }),
			field("commits", "Accumulated commits.", func(a telemetry.Aggregate) float64 { return a.Commits }),
			field("pull_requests", "Accumulated pull requests.", func(a telemetry.Aggregate) float64 { return a.PullRequests }),
			field("lines_added", "Accumulated lines of code added.", func(a telemetry.Aggregate) float64 { return a.LinesAdded }),
			field("lines_removed", "Accumulated lines of code removed.", func(a telemetry.Aggregate) float64 { return a.LinesRemoved }),
			field("last_updated_timestamp_seconds", "Unix time of the latest metric point.", func(a telemetry.Aggregate) float64 {
				if a.LastUpdated == nil {
					return 0
				}
				return float64(a.LastUpdated.UnixNano()) / 1e9
			}),
			{desc: tokenDesc},
		},
		active: prometheus.NewDesc(namespace+"_sprite_active", "1 when the sandbox has reported metrics.", labels, nil),
	}
}

// Describe sends aggregate descriptors.
// Params: ch descriptor channel.
// Returns: none.
func (c *aggregateCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, field := range c.fields {
		ch <- field.desc
	}
	ch <- c.active
}

// Collect renders one gauge per field and sandbox.
// Params: ch metric channel.
// Returns: none.
func (c *aggregateCollector) Collect(ch chan<- prometheus.Metric) {
	for _, record := range c.source.GetAll() {
		for _, field := range c.fields {
			if field.value == nil {
				c.collectTokens(ch, field.desc, record)
				continue
			}
			ch <- prometheus.MustNewConstMetric(field.desc, prometheus.GaugeValue, field.value(record), record.SpriteName)
		}
		active := 0.0
		if record.Status == telemetry.StatusActive {
			active = 1
		}
		ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, active, record.SpriteName)
	}
}

func (c *aggregateCollector) collectTokens(ch chan<- prometheus.Metric, desc *prometheus.Desc, record telemetry.Aggregate) {
	ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, record.InputTokens, record.SpriteName, "input")
	ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, record.OutputTokens, record.SpriteName, "output")
	ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, record.CacheReadTokens, record.SpriteName, "cache_read")
	ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, record.CacheCreationTokens, record.SpriteName, "cache_creation")
}

// gatewayCollector renders ingestion counters labelled by signal.
type gatewayCollector struct {
	source            GatewayStats
	batches           *prometheus.Desc
	resourcesAccepted *prometheus.Desc
	resourcesDropped  *prometheus.Desc
	items             *prometheus.Desc
	skippedMetrics    *prometheus.Desc
	decodeFailures    *prometheus.Desc
}

func newGatewayCollector(source GatewayStats) *gatewayCollector {
	labels := []string{"signal"}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(namespace+"_otlp_"+name, help, labels, nil)
	}
	return &gatewayCollector{
		source:            source,
		batches:           desc("batches_total", "OTLP export calls received."),
		resourcesAccepted: desc("resources_accepted_total", "Resource blocks resolved to a sandbox."),
		resourcesDropped:  desc("resources_dropped_total", "Resource blocks dropped without a sandbox identity."),
		items:             desc("items_total", "Data points or log records processed."),
		skippedMetrics:    desc("skipped_metrics_total", "Metrics skipped for unsupported data shapes."),
		decodeFailures:    desc("decode_failures_total", "Export envelopes rejected as undecodable."),
	}
}

// Describe sends gateway descriptors.
// Params: ch descriptor channel.
// Returns: none.
func (c *gatewayCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.batches
	ch <- c.resourcesAccepted
	ch <- c.resourcesDropped
	ch <- c.items
	ch <- c.skippedMetrics
	ch <- c.decodeFailures
}

// Collect renders counters for every signal in stable order.
// Params: ch metric channel.
// Returns: none.
func (c *gatewayCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.Stats()
	signals := make([]string, 0, len(stats))
	for signal := range stats {
		signals = append(signals, signal)
	}
	sort.Strings(signals)

	for _, signal := range signals {
		counters := stats[signal]
		emit := func(desc *prometheus.Desc, value uint64) {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(value), signal)
		}
		emit(c.batches, counters.Batches)
		emit(c.resourcesAccepted, counters.ResourcesAccepted)
		emit(c.resourcesDropped, counters.ResourcesDropped)
		emit(c.items, counters.Items)
		emit(c.skippedMetrics, counters.SkippedMetrics)
		emit(c.decodeFailures, counters.DecodeFailures)
	}
}
