// Package otlp implements the OTLP ingestion gateway: attribute decoding, sandbox identity
// resolution and the gRPC/HTTP receivers that feed telemetry stores.
package otlp

import (
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	"google.golang.org/protobuf/encoding/protojson"

	"spritetel/internal/telemetry"
)

// Kind identifies the decoded variant of an attribute value.
type Kind uint8

const (
	KindUnsupported Kind = iota
	KindString
	KindInt
	KindBool
	KindDouble
)

// Value is the decoded form of an OTLP AnyValue restricted to scalar kinds.
// Exactly one field matches Kind; KindUnsupported carries nothing.
type Value struct {
	Kind   Kind
	Str    string
	Int    int64
	Bool   bool
	Double float64
}

// Any returns the scalar payload.
// Params: receiver decoded value.
// Returns: payload and false for unsupported kinds.
func (v Value) Any() (any, bool) {
	switch v.Kind {
	case KindString:
		return v.Str, true
	case KindInt:
		return v.Int, true
	case KindBool:
		return v.Bool, true
	case KindDouble:
		return v.Double, true
	default:
		return nil, false
	}
}

// DecodeValue maps the AnyValue oneof into Value.
// Params: raw protobuf value (may be nil).
// Returns: decoded value; bytes, arrays, kvlists and empty values are unsupported.
func DecodeValue(raw *commonpb.AnyValue) Value {
	switch typed := raw.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return Value{Kind: KindString, Str: typed.StringValue}
	case *commonpb.AnyValue_IntValue:
		return Value{Kind: KindInt, Int: typed.IntValue}
	case *commonpb.AnyValue_BoolValue:
		return Value{Kind: KindBool, Bool: typed.BoolValue}
	case *commonpb.AnyValue_DoubleValue:
		return Value{Kind: KindDouble, Double: typed.DoubleValue}
	default:
		return Value{Kind: KindUnsupported}
	}
}

// DecodeAttributes converts key/value pairs into a flat attribute map.
// Params: attrs raw OTLP attributes.
// Returns: map with unsupported values dropped per key; later duplicates win.
func DecodeAttributes(attrs []*commonpb.KeyValue) telemetry.Attributes {
	out := make(telemetry.Attributes, len(attrs))
	for _, kv := range attrs {
		if kv == nil || kv.GetKey() == "" {
			continue
		}
		if value, ok := DecodeValue(kv.GetValue()).Any(); ok {
			out[kv.GetKey()] = value
		}
	}
	return out
}

// RenderBody renders a log record body for storage under the "body" attribute.
// Params: body raw log body.
// Returns: string bodies verbatim, other bodies as protojson, empty for absent bodies.
func RenderBody(body *commonpb.AnyValue) string {
	if body == nil || body.GetValue() == nil {
		return ""
	}
	if str, ok := body.GetValue().(*commonpb.AnyValue_StringValue); ok {
		return str.StringValue
	}
	rendered, err := protojson.Marshal(body)
	if err != nil {
		return ""
	}
	return string(rendered)
}
