package telemetry

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Metric names routed by the aggregator. Matching is case-sensitive.
const (
	MetricTokenUsage       = "claude_code.token.usage"
	MetricCostUsage        = "claude_code.cost.usage"
	MetricSessionCount     = "claude_code.session.count"
	MetricCommitCount      = "claude_code.commit.count"
	MetricPullRequestCount = "claude_code.pull_request.count"
	MetricLinesOfCodeCount = "claude_code.lines_of_code.count"
)

type routeFunc func(record *Aggregate, value float64, attrs Attributes)

// routes is the fixed metric routing table. Both cache token spellings are accepted
// for compatibility with older producers.
var routes = map[string]routeFunc{
	MetricTokenUsage: func(record *Aggregate, value float64, attrs Attributes) {
		kind, _ := attrs.String("type")
		switch kind {
		case "input":
			record.InputTokens += value
		case "output":
			record.OutputTokens += value
		case "cacheread", "cache_read":
			record.CacheReadTokens += value
		case "cachecreation", "cache_creation":
			record.CacheCreationTokens += value
		}
	},
	MetricCostUsage: func(record *Aggregate, value float64, _ Attributes) {
		record.CostUSD += value
	},
	MetricSessionCount: func(record *Aggregate, value float64, _ Attributes) {
		record.Sessions += value
	},
	MetricCommitCount: func(record *Aggregate, value float64, _ Attributes) {
		record.Commits += value
	},
	MetricPullRequestCount: func(record *Aggregate, value float64, _ Attributes) {
		record.PullRequests += value
	},
	MetricLinesOfCodeCount: func(record *Aggregate, value float64, attrs Attributes) {
		kind, _ := attrs.String("type")
		switch kind {
		case "added":
			record.LinesAdded += value
		case "removed":
			record.LinesRemoved += value
		}
	},
}

// AggregateListener receives a copy of every updated aggregate.
// Listeners run while the aggregator lock is held and must not block or call back
// into the aggregator.
type AggregateListener func(Aggregate)

// Aggregator keeps running metric totals per sandbox.
type Aggregator struct {
	mu        sync.Mutex
	records   map[string]*Aggregate
	listeners []AggregateListener
	now       func() time.Time
}

// NewAggregator creates an empty aggregate store.
// Params: none.
// Returns: aggregator instance.
func NewAggregator() *Aggregator {
	return &Aggregator{
		records: make(map[string]*Aggregate),
		now:     time.Now,
	}
}

// OnUpdate registers a push listener for aggregate changes.
// Params: listener callback.
// Returns: none.
func (a *Aggregator) OnUpdate(listener AggregateListener) {
	if listener == nil {
		return
	}
	a.mu.Lock()
	a.listeners = append(a.listeners, listener)
	a.mu.Unlock()
}

// Update folds one metric point into the sandbox aggregate and notifies listeners.
// Params: identity sandbox name; metricName OTLP metric name; value point value; attrs point attributes.
// Returns: copy of the updated aggregate.
func (a *Aggregator) Update(identity string, metricName string, value float64, attrs Attributes) Aggregate {
	a.mu.Lock()
	defer a.mu.Unlock()

	record, exists := a.records[identity]
	if !exists {
		record = &Aggregate{SpriteName: identity}
		a.records[identity] = record
	}

	updatedAt := a.now().UTC()
	record.LastUpdated = &updatedAt
	record.Status = StatusActive

	// Counters never decrease.
	if route, known := routes[metricName]; known && value > 0 && !math.IsInf(value, 0) {
		route(record, value, attrs)
	}

	snapshot := *record
	for _, listener := range a.listeners {
		listener(snapshot)
	}
	return snapshot
}

// Get returns sandbox aggregate or a zero no_data record for unknown sandboxes.
// Params: identity sandbox name.
// Returns: aggregate copy; unknown identities are not persisted.
func (a *Aggregator) Get(identity string) Aggregate {
	a.mu.Lock()
	defer a.mu.Unlock()

	if record, exists := a.records[identity]; exists {
		return *record
	}
	return Aggregate{SpriteName: identity, Status: StatusNoData}
}

// GetAll returns every known aggregate sorted by sandbox name.
// Params: none.
// Returns: aggregate copies.
func (a *Aggregator) GetAll() []Aggregate {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// Snapshot runs fn with all aggregates while holding the store lock, so no update can
// be observed between the snapshot and whatever fn registers.
// Params: fn receives aggregate copies; it must not call back into the aggregator.
// Returns: none.
func (a *Aggregator) Snapshot(fn func([]Aggregate)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(a.snapshotLocked())
}

func (a *Aggregator) snapshotLocked() []Aggregate {
	out := make([]Aggregate, 0, len(a.records))
	for _, record := range a.records {
		out = append(out, *record)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SpriteName < out[j].SpriteName
	})
	return out
}
