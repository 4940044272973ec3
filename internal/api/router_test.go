package api

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"spritetel/internal/telemetry"
)

type testStores struct {
	aggregates *telemetry.Aggregator
	events     *telemetry.EventLog
	lifecycle  *telemetry.Lifecycle
	published  []telemetry.LifecycleEvent
	handler    http.Handler
}

// newTestStores builds fresh stores behind a router.
// Params: t test handle.
// Returns: stores and router handler.
func newTestStores(t *testing.T) *testStores {
	t.Helper()

	s := &testStores{
		aggregates: telemetry.NewAggregator(),
		events:     telemetry.NewEventLog(0, 0),
		lifecycle:  telemetry.NewLifecycle(),
	}
	s.lifecycle.OnPublish(func(event telemetry.LifecycleEvent) {
		s.published = append(s.published, event)
	})

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "spritetel_observers 0\n")
	})
	s.handler = NewRouter(Deps{
		Aggregates: s.aggregates,
		Events:     s.events,
		Lifecycle:  s.lifecycle,
		Metrics:    metrics,
	}, Options{DefaultLimit: 2}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return s
}

// do sends one request through the router.
// Params: t test handle; method and target request line; body optional request body.
// Returns: recorded response.
func (s *testStores) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, httptest.NewRequest(method, target, reader))
	return rec
}

// TestRouter_Aggregates verifies list and single-sandbox reads including no_data.
// Params: testing.T for assertions.
// Returns: none.
func TestRouter_Aggregates(t *testing.T) {
	s := newTestStores(t)
	s.aggregates.Update("beta", telemetry.MetricCommitCount, 2, nil)
	s.aggregates.Update("alpha", telemetry.MetricCostUsage, 0.5, nil)

	rec := s.do(t, http.MethodGet, "/api/telemetry", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected list status: %d", rec.Code)
	}
	names := gjson.Get(rec.Body.String(), "#.spriteName").Array()
	if len(names) != 2 || names[0].String() != "alpha" || names[1].String() != "beta" {
		t.Fatalf("unexpected list body: %s", rec.Body.String())
	}

	rec = s.do(t, http.MethodGet, "/api/telemetry/beta", "")
	if got := gjson.Get(rec.Body.String(), "commits").Float(); got != 2 {
		t.Fatalf("unexpected commits: %v", got)
	}

	rec = s.do(t, http.MethodGet, "/api/telemetry/ghost", "")
	body := rec.Body.String()
	if gjson.Get(body, "status").String() != "no_data" || gjson.Get(body, "lastUpdated").Exists() {
		t.Fatalf("unexpected unknown sandbox body: %s", body)
	}
	if got := s.aggregates.GetAll(); len(got) != 2 {
		t.Fatalf("unknown sandbox read must not create a record, got %d records", len(got))
	}
}

// TestRouter_EventsLimitAndTypes verifies event query parameters.
// Params: testing.T for assertions.
// Returns: none.
func TestRouter_EventsLimitAndTypes(t *testing.T) {
	s := newTestStores(t)
	base := time.Now().UTC()
	s.events.Add("alpha", telemetry.EventUserPrompt, telemetry.Attributes{"seq": int64(1)}, base)
	s.events.Add("alpha", telemetry.EventAPIRequest, telemetry.Attributes{"seq": int64(2)}, base)
	s.events.Add("alpha", telemetry.EventAPIError, telemetry.Attributes{"seq": int64(3)}, base)
	s.events.Add("alpha", telemetry.EventAPIRequest, telemetry.Attributes{"seq": int64(4)}, base)

	rec := s.do(t, http.MethodGet, "/api/telemetry/alpha/events", "")
	seqs := gjson.Get(rec.Body.String(), "#.attributes.seq").Array()
	if len(seqs) != 2 || seqs[0].Int() != 3 || seqs[1].Int() != 4 {
		t.Fatalf("default limit should return the newest two: %s", rec.Body.String())
	}

	rec = s.do(t, http.MethodGet, "/api/telemetry/alpha/events?limit=10&types=api_request,user_prompt", "")
	seqs = gjson.Get(rec.Body.String(), "#.attributes.seq").Array()
	if len(seqs) != 3 || seqs[0].Int() != 1 || seqs[2].Int() != 4 {
		t.Fatalf("unexpected filtered events: %s", rec.Body.String())
	}

	for _, target := range []string{
		"/api/telemetry/alpha/events?limit=abc",
		"/api/telemetry/alpha/events?limit=-1",
		"/api/telemetry/alpha/events?types=bogus",
	} {
		if rec := s.do(t, http.MethodGet, target, ""); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", target, rec.Code)
		}
	}

	rec = s.do(t, http.MethodGet, "/api/telemetry/nobody/events", "")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("unknown sandbox should have empty history: %s", rec.Body.String())
	}
}

// TestRouter_TimelineAndStats verifies timeline windows and derived statistics.
// Params: testing.T for assertions.
// Returns: none.
func TestRouter_TimelineAndStats(t *testing.T) {
	s := newTestStores(t)
	now := time.Now().UTC()
	s.events.Add("alpha", telemetry.EventAPIRequest, telemetry.Attributes{"durationMs": 120.0}, now.Add(-2*time.Hour))
	s.events.Add("alpha", telemetry.EventAPIRequest, telemetry.Attributes{"duration_ms": int64(30)}, now.Add(-10*time.Minute))
	s.events.Add("alpha", telemetry.EventAPIError, nil, now)
	s.events.Add("alpha", telemetry.EventToolDecision, telemetry.Attributes{"toolName": "bash"}, now)
	s.events.Add("alpha", telemetry.EventToolResult, telemetry.Attributes{"tool_name": "bash", "error": "boom"}, now)

	rec := s.do(t, http.MethodGet, "/api/telemetry/alpha/timeline", "")
	if got := len(gjson.Get(rec.Body.String(), "@this").Array()); got != 4 {
		t.Fatalf("default 60 minute window should hold 4 events, got %d", got)
	}
	rec = s.do(t, http.MethodGet, "/api/telemetry/alpha/timeline?minutes=180", "")
	if got := len(gjson.Get(rec.Body.String(), "@this").Array()); got != 5 {
		t.Fatalf("180 minute window should hold 5 events, got %d", got)
	}
	if rec := s.do(t, http.MethodGet, "/api/telemetry/alpha/timeline?minutes=0", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero minutes, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/api/telemetry/alpha/timeline?minutes=200000000", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized window, got %d", rec.Code)
	}
	rec = s.do(t, http.MethodGet, "/api/telemetry/alpha/timeline?minutes=527040", "")
	if got := len(gjson.Get(rec.Body.String(), "@this").Array()); got != 5 {
		t.Fatalf("maximum window should hold 5 events, got %d", got)
	}

	rec = s.do(t, http.MethodGet, "/api/telemetry/alpha/api-stats", "")
	body := rec.Body.String()
	if gjson.Get(body, "totalRequests").Int() != 2 || gjson.Get(body, "errors").Int() != 1 || gjson.Get(body, "totalDurationMs").Float() != 150 {
		t.Fatalf("unexpected api stats: %s", body)
	}

	rec = s.do(t, http.MethodGet, "/api/telemetry/alpha/tool-stats", "")
	body = rec.Body.String()
	if gjson.Get(body, "bash.uses").Int() != 1 || gjson.Get(body, "bash.errors").Int() != 1 {
		t.Fatalf("unexpected tool stats: %s", body)
	}
}

// TestRouter_Lifecycle verifies lifecycle publication and rejection.
// Params: testing.T for assertions.
// Returns: none.
func TestRouter_Lifecycle(t *testing.T) {
	s := newTestStores(t)

	rec := s.do(t, http.MethodPost, "/api/lifecycle", `{"type":"checkpoint:created","payload":{"id":"cp-1"},"durationMs":1500}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unexpected publish status: %d body=%s", rec.Code, rec.Body.String())
	}
	if len(s.published) != 1 {
		t.Fatalf("expected one published event, got %d", len(s.published))
	}
	event := s.published[0]
	if event.Kind != telemetry.LifecycleCheckpointCreated || string(event.Payload) != `{"id":"cp-1"}` || event.Duration != 1500*time.Millisecond {
		t.Fatalf("unexpected lifecycle event: %+v", event)
	}

	rec = s.do(t, http.MethodPost, "/api/lifecycle", `{"type":"sprite_deleted"}`)
	if rec.Code != http.StatusNoContent || string(s.published[1].Payload) != "null" {
		t.Fatalf("payload-less notification should relay null, status=%d", rec.Code)
	}

	for _, body := range []string{`{"type":"sprite_exploded"}`, `not json`, `{}`} {
		if rec := s.do(t, http.MethodPost, "/api/lifecycle", body); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", body, rec.Code)
		}
	}
	if len(s.published) != 2 {
		t.Fatalf("rejected notifications must not be relayed, got %d", len(s.published))
	}

	if rec := s.do(t, http.MethodGet, "/api/lifecycle", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET lifecycle, got %d", rec.Code)
	}
}

// TestRouter_HealthAndMetrics verifies health and the mounted metrics handler.
// Params: testing.T for assertions.
// Returns: none.
func TestRouter_HealthAndMetrics(t *testing.T) {
	s := newTestStores(t)

	rec := s.do(t, http.MethodGet, "/api/health", "")
	if rec.Code != http.StatusOK || gjson.Get(rec.Body.String(), "status").String() != "ok" {
		t.Fatalf("unexpected health response: %d %s", rec.Code, rec.Body.String())
	}

	rec = s.do(t, http.MethodGet, "/metrics", "")
	if !strings.Contains(rec.Body.String(), "spritetel_observers") {
		t.Fatalf("metrics handler not mounted: %s", rec.Body.String())
	}

	if rec := s.do(t, http.MethodGet, "/ws", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("observer route should be absent without a handler, got %d", rec.Code)
	}
}
