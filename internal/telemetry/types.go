// Package telemetry owns per-sandbox telemetry state: running metric aggregates,
// bounded event histories, and lifecycle notifications.
//
// Stores are plain objects constructed at startup and passed to the ingestion
// gateway and read layers; there are no package-level singletons.
package telemetry

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Status reports whether a sandbox has produced any metric data.
type Status string

const (
	// StatusActive is set on every aggregate update.
	StatusActive Status = "active"
	// StatusNoData marks a zero aggregate returned for an unknown sandbox.
	StatusNoData Status = "no_data"
)

// Attributes is a decoded attribute map. Values are string, int64, bool or float64.
type Attributes map[string]any

// String returns attribute value when it is a string.
// Params: key attribute name.
// Returns: string value and presence flag.
func (a Attributes) String(key string) (string, bool) {
	value, ok := a[key].(string)
	return value, ok
}

// Number returns attribute value as float64 for numeric kinds and numeric strings.
// Params: key attribute name.
// Returns: numeric value and presence flag.
func (a Attributes) Number(key string) (float64, bool) {
	switch typed := a[key].(type) {
	case float64:
		if math.IsNaN(typed) || math.IsInf(typed, 0) {
			return 0, false
		}
		return typed, true
	case int64:
		return float64(typed), true
	case int:
		return float64(typed), true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		if err != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// Truthy reports whether attribute holds a truthy value.
// Params: key attribute name.
// Returns: false for missing, false, zero, empty and "false" values.
func (a Attributes) Truthy(key string) bool {
	switch typed := a[key].(type) {
	case nil:
		return false
	case bool:
		return typed
	case string:
		trimmed := strings.TrimSpace(typed)
		return trimmed != "" && !strings.EqualFold(trimmed, "false") && trimmed != "0"
	case int64:
		return typed != 0
	case int:
		return typed != 0
	case float64:
		return typed != 0 && !math.IsNaN(typed)
	default:
		return true
	}
}

// clone returns a shallow copy safe to hand to readers.
func (a Attributes) clone() Attributes {
	if a == nil {
		return Attributes{}
	}
	out := make(Attributes, len(a))
	for key, value := range a {
		out[key] = value
	}
	return out
}

// Aggregate is the running-total record for one sandbox.
type Aggregate struct {
	SpriteName          string     `json:"spriteName"`
	InputTokens         float64    `json:"inputTokens"`
	OutputTokens        float64    `json:"outputTokens"`
	CacheReadTokens     float64    `json:"cacheReadTokens"`
	CacheCreationTokens float64    `json:"cacheCreationTokens"`
	CostUSD             float64    `json:"costUsd"`
	Sessions            float64    `json:"sessions"`
	Commits             float64    `json:"commits"`
	PullRequests        float64    `json:"pullRequests"`
	LinesAdded          float64    `json:"linesAdded"`
	LinesRemoved        float64    `json:"linesRemoved"`
	Status              Status     `json:"status"`
	LastUpdated         *time.Time `json:"lastUpdated,omitempty"`
}

// EventKind names one discrete event category.
type EventKind string

const (
	EventUserPrompt   EventKind = "user_prompt"
	EventAPIRequest   EventKind = "api_request"
	EventAPIError     EventKind = "api_error"
	EventToolResult   EventKind = "tool_result"
	EventToolDecision EventKind = "tool_decision"
)

// ParseEventKind maps a raw event_type value to a known kind.
// Params: raw attribute value.
// Returns: kind and true when known.
func ParseEventKind(raw string) (EventKind, bool) {
	switch kind := EventKind(strings.TrimSpace(raw)); kind {
	case EventUserPrompt, EventAPIRequest, EventAPIError, EventToolResult, EventToolDecision:
		return kind, true
	default:
		return "", false
	}
}

// Event is one retained discrete event.
type Event struct {
	Timestamp  time.Time  `json:"timestamp"`
	Kind       EventKind  `json:"eventType"`
	SpriteName string     `json:"spriteName"`
	Attributes Attributes `json:"attributes"`
}

// APIStats summarizes api_request/api_error events that survived eviction.
type APIStats struct {
	TotalRequests   int     `json:"totalRequests"`
	Errors          int     `json:"errors"`
	TotalDurationMS float64 `json:"totalDurationMs"`
}

// ToolUsage counts decisions and errors for one tool.
type ToolUsage struct {
	Uses   int `json:"uses"`
	Errors int `json:"errors"`
}
