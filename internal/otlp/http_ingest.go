package otlp

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

const (
	// PathMetrics and PathLogs are the OTLP/HTTP export routes.
	PathMetrics = "/v1/metrics"
	PathLogs    = "/v1/logs"

	contentTypeProtobuf = "application/x-protobuf"
	contentTypeJSON     = "application/json"

	// DefaultMaxBodyBytes bounds one decoded OTLP/HTTP request body.
	DefaultMaxBodyBytes int64 = 4 << 20
)

var errBodyTooLarge = errors.New("request body too large")

var unmarshalJSON = protojson.UnmarshalOptions{DiscardUnknown: true}

// NewHTTPHandler builds the OTLP/HTTP mux serving /v1/metrics and /v1/logs.
// Params: receiver shared ingestion receiver; maxBodyBytes decoded body limit (<=0 uses default); logger for diagnostics.
// Returns: HTTP handler.
func NewHTTPHandler(receiver *Receiver, maxBodyBytes int64, logger *slog.Logger) http.Handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc(PathMetrics, makeExportHandler(SignalMetrics, maxBodyBytes, receiver, logger,
		func(body []byte, contentType string) (proto.Message, error) {
			req := &colmetricspb.ExportMetricsServiceRequest{}
			if err := unmarshalBody(body, contentType, req); err != nil {
				return nil, err
			}
			receiver.ConsumeMetrics(req)
			return &colmetricspb.ExportMetricsServiceResponse{}, nil
		},
	))
	mux.HandleFunc(PathLogs, makeExportHandler(SignalLogs, maxBodyBytes, receiver, logger,
		func(body []byte, contentType string) (proto.Message, error) {
			req := &collogspb.ExportLogsServiceRequest{}
			if err := unmarshalBody(body, contentType, req); err != nil {
				return nil, err
			}
			receiver.ConsumeLogs(req)
			return &collogspb.ExportLogsServiceResponse{}, nil
		},
	))
	return mux
}

type exportFunc func(body []byte, contentType string) (proto.Message, error)

// makeExportHandler wraps body reading, decoding and response encoding for one signal.
// Params: signal counter label; maxBodyBytes body limit; receiver counters; logger diagnostics; export decode+consume step.
// Returns: HTTP handler function.
func makeExportHandler(signal string, maxBodyBytes int64, receiver *Receiver, logger *slog.Logger, export exportFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		contentType, ok := normalizeContentType(r.Header.Get("Content-Type"))
		if !ok {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			return
		}

		body, err := readBody(r, maxBodyBytes)
		if err != nil {
			receiver.RecordDecodeFailure(signal)
			if errors.Is(err, errBodyTooLarge) {
				w.WriteHeader(http.StatusRequestEntityTooLarge)
				return
			}
			logger.Warn("otlp http read failed", slog.String("signal", signal), slog.String("error", err.Error()))
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		resp, err := export(body, contentType)
		if err != nil {
			receiver.RecordDecodeFailure(signal)
			logger.Warn("otlp http decode failed", slog.String("signal", signal), slog.String("error", err.Error()))
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		writeExportResponse(w, contentType, resp)
	}
}

// normalizeContentType maps the request media type onto a supported encoding.
// Params: header raw Content-Type header.
// Returns: canonical media type and false for unsupported types.
func normalizeContentType(header string) (string, bool) {
	if strings.TrimSpace(header) == "" {
		return contentTypeProtobuf, true
	}
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return "", false
	}
	switch mediaType {
	case contentTypeProtobuf, "application/protobuf":
		return contentTypeProtobuf, true
	case contentTypeJSON:
		return contentTypeJSON, true
	default:
		return "", false
	}
}

// readBody reads the optionally gzip-encoded request body up to the limit.
// Params: r incoming request; limit max decoded bytes.
// Returns: body bytes, errBodyTooLarge over limit, or read/decompress error.
func readBody(r *http.Request, limit int64) ([]byte, error) {
	var reader io.Reader = http.MaxBytesReader(nil, r.Body, limit+1)

	switch strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding"))) {
	case "", "identity":
	case "gzip":
		gz, err := gzip.NewReader(reader)
		if err != nil {
			return nil, fmt.Errorf("open gzip body: %w", err)
		}
		defer gz.Close()
		reader = gz
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", r.Header.Get("Content-Encoding"))
	}

	body, err := io.ReadAll(io.LimitReader(reader, limit+1))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, errBodyTooLarge
		}
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, errBodyTooLarge
	}
	return body, nil
}

// unmarshalBody decodes protobuf or protojson payloads.
// Params: body raw bytes; contentType canonical media type; msg target message.
// Returns: decode error.
func unmarshalBody(body []byte, contentType string, msg proto.Message) error {
	if contentType == contentTypeJSON {
		if err := unmarshalJSON.Unmarshal(body, msg); err != nil {
			return fmt.Errorf("decode json: %w", err)
		}
		return nil
	}
	if err := proto.Unmarshal(body, msg); err != nil {
		return fmt.Errorf("decode protobuf: %w", err)
	}
	return nil
}

// writeExportResponse encodes an empty export response in the request encoding.
// Params: w response writer; contentType canonical media type; resp response message.
// Returns: none.
func writeExportResponse(w http.ResponseWriter, contentType string, resp proto.Message) {
	var (
		payload []byte
		err     error
	)
	if contentType == contentTypeJSON {
		payload, err = protojson.Marshal(resp)
	} else {
		payload, err = proto.Marshal(resp)
	}
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}
