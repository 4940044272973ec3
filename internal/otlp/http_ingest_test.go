package otlp

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"google.golang.org/protobuf/proto"

	"spritetel/internal/telemetry"
)

// TestHTTPHandler_ProtobufMetrics verifies binary protobuf export over HTTP.
// Params: testing.T for assertions.
// Returns: none.
func TestHTTPHandler_ProtobufMetrics(t *testing.T) {
	receiver, aggregates, _ := newTestReceiver()
	handler := NewHTTPHandler(receiver, 0, discardLogger())

	payload, err := proto.Marshal(metricsRequest(
		resource(kv("service.instance.id", strValue("alpha"))),
		sumMetric(telemetry.MetricLinesOfCodeCount, intPoint(12, kv("type", strValue("added")))),
	))
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, PathMetrics, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/x-protobuf")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/x-protobuf" {
		t.Fatalf("unexpected response content type: %q", got)
	}
	if got := aggregates.Get("alpha").LinesAdded; got != 12 {
		t.Fatalf("unexpected linesAdded: %v", got)
	}
}

// TestHTTPHandler_JSONLogs verifies protojson log export.
// Params: testing.T for assertions.
// Returns: none.
func TestHTTPHandler_JSONLogs(t *testing.T) {
	receiver, _, events := newTestReceiver()
	handler := NewHTTPHandler(receiver, 0, discardLogger())

	body := `{
  "resourceLogs": [{
    "resource": {"attributes": [{"key": "service.name", "value": {"stringValue": "claude-beta"}}]},
    "scopeLogs": [{
      "logRecords": [{
        "timeUnixNano": "1767225600000000000",
        "body": {"stringValue": "ran tool"},
        "attributes": [
          {"key": "event_type", "value": {"stringValue": "tool_decision"}},
          {"key": "toolName", "value": {"stringValue": "read_file"}}
        ]
      }]
    }]
  }]
}`
	req := httptest.NewRequest(http.MethodPost, PathLogs, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("unexpected response content type: %q", got)
	}

	got := events.Events("beta", 10)
	if len(got) != 1 || got[0].Kind != telemetry.EventToolDecision {
		t.Fatalf("unexpected events: %+v", got)
	}
	if stats := events.ToolStats("beta"); stats["read_file"].Uses != 1 {
		t.Fatalf("unexpected tool stats: %+v", stats)
	}
}

// TestHTTPHandler_GzipBody verifies Content-Encoding gzip support.
// Params: testing.T for assertions.
// Returns: none.
func TestHTTPHandler_GzipBody(t *testing.T) {
	receiver, aggregates, _ := newTestReceiver()
	handler := NewHTTPHandler(receiver, 0, discardLogger())

	payload, err := proto.Marshal(metricsRequest(
		resource(kv("service.instance.id", strValue("gamma"))),
		sumMetric(telemetry.MetricCommitCount, intPoint(2)),
	))
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	if _, err := gz.Write(payload); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, PathMetrics, &compressed)
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "gzip")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if got := aggregates.Get("gamma").Commits; got != 2 {
		t.Fatalf("unexpected commits: %v", got)
	}
}

// TestHTTPHandler_ErrorStatuses verifies envelope-level failures.
// Params: testing.T for assertions.
// Returns: none.
func TestHTTPHandler_ErrorStatuses(t *testing.T) {
	receiver, _, _ := newTestReceiver()
	handler := NewHTTPHandler(receiver, 16, discardLogger())

	cases := []struct {
		name        string
		method      string
		contentType string
		body        string
		want        int
	}{
		{name: "wrong method", method: http.MethodGet, contentType: "application/x-protobuf", want: http.StatusMethodNotAllowed},
		{name: "unsupported type", method: http.MethodPost, contentType: "text/plain", body: "x", want: http.StatusUnsupportedMediaType},
		{name: "too large", method: http.MethodPost, contentType: "application/json", body: strings.Repeat("a", 64), want: http.StatusRequestEntityTooLarge},
		{name: "bad json", method: http.MethodPost, contentType: "application/json", body: "{nope", want: http.StatusBadRequest},
		{name: "bad protobuf", method: http.MethodPost, contentType: "application/x-protobuf", body: "\xff\xff\xff", want: http.StatusBadRequest},
	}

	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, PathMetrics, strings.NewReader(tc.body))
		req.Header.Set("Content-Type", tc.contentType)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("%s: unexpected status %d, want %d", tc.name, rec.Code, tc.want)
		}
	}

	if got := receiver.Stats()[SignalMetrics].DecodeFailures; got != 3 {
		t.Fatalf("unexpected decode failures: %d", got)
	}
}
