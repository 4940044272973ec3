// Package api serves the read accessors, lifecycle entry point, metrics exposition and
// observer upgrade over one HTTP listener.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"spritetel/internal/telemetry"
)

const (
	defaultEventLimit      = telemetry.DefaultEventLimit
	defaultTimelineMinutes = 60
	maxTimelineMinutes     = 366 * 24 * 60
	maxLifecycleBodyBytes  = 1 << 20
)

// AggregateReader reads per-sandbox aggregates.
type AggregateReader interface {
	Get(identity string) telemetry.Aggregate
	GetAll() []telemetry.Aggregate
}

// EventReader reads per-sandbox event history.
type EventReader interface {
	Events(identity string, limit int, kinds ...telemetry.EventKind) []telemetry.Event
	Timeline(identity string, window time.Duration) []telemetry.Event
	APIStats(identity string) telemetry.APIStats
	ToolStats(identity string) map[string]telemetry.ToolUsage
}

// LifecyclePublisher accepts lifecycle notifications.
type LifecyclePublisher interface {
	Publish(kind telemetry.LifecycleKind, payload json.RawMessage, duration time.Duration) error
}

// Deps groups the stores and handlers mounted by the router. Nil handlers are not mounted.
type Deps struct {
	Aggregates AggregateReader
	Events     EventReader
	Lifecycle  LifecyclePublisher
	Metrics    http.Handler
	Observers  http.Handler
}

// Options controls read defaults.
type Options struct {
	DefaultLimit    int
	TimelineMinutes int
}

type router struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
}

// NewRouter builds the API handler.
// Params: deps stores and sub-handlers; opts read defaults; logger for request failures.
// Returns: HTTP handler with all routes registered.
func NewRouter(deps Deps, opts Options, logger *slog.Logger) http.Handler {
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = defaultEventLimit
	}
	if opts.TimelineMinutes <= 0 {
		opts.TimelineMinutes = defaultTimelineMinutes
	}
	if logger == nil {
		logger = slog.Default()
	}

	rt := &router{deps: deps, opts: opts, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", rt.health)
	mux.HandleFunc("GET /api/telemetry", rt.listAggregates)
	mux.HandleFunc("GET /api/telemetry/{sprite}", rt.getAggregate)
	mux.HandleFunc("GET /api/telemetry/{sprite}/events", rt.events)
	mux.HandleFunc("GET /api/telemetry/{sprite}/timeline", rt.timeline)
	mux.HandleFunc("GET /api/telemetry/{sprite}/api-stats", rt.apiStats)
	mux.HandleFunc("GET /api/telemetry/{sprite}/tool-stats", rt.toolStats)
	mux.HandleFunc("POST /api/lifecycle", rt.publishLifecycle)
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics)
	}
	if deps.Observers != nil {
		mux.Handle("GET /ws", deps.Observers)
	}
	return mux
}

func (rt *router) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *router) listAggregates(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, rt.deps.Aggregates.GetAll())
}

func (rt *router) getAggregate(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.deps.Aggregates.Get(r.PathValue("sprite")))
}

// events serves ?limit=N&types=a,b. Unknown types and malformed limits are rejected.
func (rt *router) events(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	limit := rt.opts.DefaultLimit
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", raw))
			return
		}
		if parsed > 0 {
			limit = parsed
		}
	}

	kinds, err := parseKinds(query.Get("types"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, rt.deps.Events.Events(r.PathValue("sprite"), limit, kinds...))
}

func (rt *router) timeline(w http.ResponseWriter, r *http.Request) {
	minutes := rt.opts.TimelineMinutes
	if raw := strings.TrimSpace(r.URL.Query().Get("minutes")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxTimelineMinutes {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid minutes %q", raw))
			return
		}
		minutes = parsed
	}

	window := time.Duration(minutes) * time.Minute
	writeJSON(w, http.StatusOK, rt.deps.Events.Timeline(r.PathValue("sprite"), window))
}

func (rt *router) apiStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.deps.Events.APIStats(r.PathValue("sprite")))
}

func (rt *router) toolStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.deps.Events.ToolStats(r.PathValue("sprite")))
}

// publishLifecycle accepts {"type": "...", "payload": {...}, "durationMs": n}.
func (rt *router) publishLifecycle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxLifecycleBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "lifecycle body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "read lifecycle body")
		return
	}
	if !gjson.ValidBytes(body) {
		writeError(w, http.StatusBadRequest, "lifecycle body is not valid JSON")
		return
	}

	parsed := gjson.ParseBytes(body)
	kind := telemetry.LifecycleKind(parsed.Get("type").String())

	var payload json.RawMessage
	if raw := parsed.Get("payload"); raw.Exists() {
		payload = json.RawMessage(raw.Raw)
	}

	var duration time.Duration
	if ms := parsed.Get("durationMs"); ms.Type == gjson.Number {
		value := ms.Float()
		if !math.IsNaN(value) && !math.IsInf(value, 0) && value > 0 {
			duration = time.Duration(value * float64(time.Millisecond))
		}
	}

	if err := rt.deps.Lifecycle.Publish(kind, payload, duration); err != nil {
		rt.logger.Debug("lifecycle publish rejected", slog.String("type", string(kind)), slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// parseKinds parses a comma-separated event type filter.
// Params: raw query value.
// Returns: event kinds (nil for no filter) or error for unknown names.
func parseKinds(raw string) ([]telemetry.EventKind, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var kinds []telemetry.EventKind
	for _, part := range strings.Split(raw, ",") {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}
		kind, ok := telemetry.ParseEventKind(name)
		if !ok {
			return nil, fmt.Errorf("unknown event type %q", name)
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
