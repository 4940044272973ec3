package telemetry

import (
	"sync"
	"time"
)

const (
	// DefaultEventCapacity bounds per-sandbox history when no capacity is configured.
	DefaultEventCapacity = 500
	// DefaultEventLimit is used by Events when limit is not positive.
	DefaultEventLimit = 100
)

// EventListener receives every appended event. It runs under the log lock and must not
// block or call back into the log.
type EventListener func(Event)

// EventLog retains a bounded, insertion-ordered event history per sandbox.
type EventLog struct {
	mu           sync.Mutex
	capacity     int
	defaultLimit int
	histories    map[string][]Event
	listeners    []EventListener
	now          func() time.Time
}

// NewEventLog creates an empty event log.
// Params: capacity max events per sandbox (<=0 uses default); defaultLimit read limit fallback (<=0 uses default).
// Returns: event log instance.
func NewEventLog(capacity int, defaultLimit int) *EventLog {
	if capacity <= 0 {
		capacity = DefaultEventCapacity
	}
	if defaultLimit <= 0 {
		defaultLimit = DefaultEventLimit
	}
	return &EventLog{
		capacity:     capacity,
		defaultLimit: defaultLimit,
		histories:    make(map[string][]Event),
		now:          time.Now,
	}
}

// OnAppend registers a listener for appended events.
// Params: listener callback.
// Returns: none.
func (l *EventLog) OnAppend(listener EventListener) {
	if listener == nil {
		return
	}
	l.mu.Lock()
	l.listeners = append(l.listeners, listener)
	l.mu.Unlock()
}

// Add appends one event and evicts the oldest entries beyond capacity.
// Params: identity sandbox name; kind event category; attrs event attributes; ts event time (zero means now).
// Returns: stored event copy.
func (l *EventLog) Add(identity string, kind EventKind, attrs Attributes, ts time.Time) Event {
	if ts.IsZero() {
		ts = l.now()
	}
	event := Event{
		Timestamp:  ts.UTC(),
		Kind:       kind,
		SpriteName: identity,
		Attributes: attrs.clone(),
	}

	l.mu.Lock()
	history := append(l.histories[identity], event)
	if overflow := len(history) - l.capacity; overflow > 0 {
		copy(history, history[overflow:])
		clear(history[len(history)-overflow:])
		history = history[:len(history)-overflow]
	}
	l.histories[identity] = history
	for _, listener := range l.listeners {
		listener(event)
	}
	l.mu.Unlock()

	return event
}

// Events returns the most recent events for a sandbox in insertion order.
// Params: identity sandbox name; limit max results (<=0 uses default); kinds optional filter.
// Returns: filtered events, newest last.
func (l *EventLog) Events(identity string, limit int, kinds ...EventKind) []Event {
	if limit <= 0 {
		limit = l.defaultLimit
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.histories[identity]
	filtered := make([]Event, 0, min(len(history), limit))
	if len(kinds) == 0 {
		start := max(0, len(history)-limit)
		return append(filtered, history[start:]...)
	}

	wanted := make(map[EventKind]struct{}, len(kinds))
	for _, kind := range kinds {
		wanted[kind] = struct{}{}
	}
	var matched []Event
	for _, event := range history {
		if _, ok := wanted[event.Kind]; ok {
			matched = append(matched, event)
		}
	}
	start := max(0, len(matched)-limit)
	return append(filtered, matched[start:]...)
}

// Timeline returns events whose timestamp is within window of now.
// Params: identity sandbox name; window lookback duration.
// Returns: events with timestamp >= now-window, in insertion order.
func (l *EventLog) Timeline(identity string, window time.Duration) []Event {
	cutoff := l.now().Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Event, 0)
	for _, event := range l.histories[identity] {
		if !event.Timestamp.Before(cutoff) {
			out = append(out, event)
		}
	}
	return out
}

// APIStats summarizes retained api_request and api_error events.
// Params: identity sandbox name.
// Returns: request/error counts and summed durations.
func (l *EventLog) APIStats(identity string) APIStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	var stats APIStats
	for _, event := range l.histories[identity] {
		switch event.Kind {
		case EventAPIRequest:
			stats.TotalRequests++
			stats.TotalDurationMS += eventDuration(event.Attributes)
		case EventAPIError:
			stats.Errors++
		}
	}
	return stats
}

// ToolStats counts tool decisions and tool errors per tool name.
// Errors count on any event kind carrying a tool name and a truthy error attribute.
// Params: identity sandbox name.
// Returns: usage map keyed by tool name.
func (l *EventLog) ToolStats(identity string) map[string]ToolUsage {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]ToolUsage)
	for _, event := range l.histories[identity] {
		name := toolName(event.Attributes)
		if name == "" {
			continue
		}
		decision := event.Kind == EventToolDecision
		failed := event.Attributes.Truthy("error")
		if !decision && !failed && event.Kind != EventToolResult {
			continue
		}
		usage := out[name]
		if decision {
			usage.Uses++
		}
		if failed {
			usage.Errors++
		}
		out[name] = usage
	}
	return out
}

// Identities lists sandboxes with retained events.
// Params: none.
// Returns: identity names in unspecified order.
func (l *EventLog) Identities() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, 0, len(l.histories))
	for identity := range l.histories {
		out = append(out, identity)
	}
	return out
}

func eventDuration(attrs Attributes) float64 {
	if value, ok := attrs.Number("durationMs"); ok {
		return value
	}
	if value, ok := attrs.Number("duration_ms"); ok {
		return value
	}
	return 0
}

func toolName(attrs Attributes) string {
	if name, ok := attrs.String("toolName"); ok && name != "" {
		return name
	}
	name, _ := attrs.String("tool_name")
	return name
}
