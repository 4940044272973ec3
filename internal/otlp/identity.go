package otlp

import (
	"strings"

	"spritetel/internal/telemetry"
)

const (
	attrServiceInstanceID = "service.instance.id"
	attrServiceName       = "service.name"

	// DefaultServiceNamePrefix marks service names that carry a sandbox identity.
	DefaultServiceNamePrefix = "claude-"
)

// Resolver derives a sandbox identity from resource attributes.
type Resolver struct {
	ServiceNamePrefix string
}

// Resolve returns sandbox identity for one resource block.
// Params: attrs decoded resource attributes.
// Returns: service.instance.id verbatim, else prefixed service.name remainder; false when neither applies.
func (r Resolver) Resolve(attrs telemetry.Attributes) (string, bool) {
	if id, ok := attrs.String(attrServiceInstanceID); ok && id != "" {
		return id, true
	}

	prefix := r.ServiceNamePrefix
	if prefix == "" {
		prefix = DefaultServiceNamePrefix
	}
	name, ok := attrs.String(attrServiceName)
	if !ok || !strings.HasPrefix(name, prefix) {
		return "", false
	}
	identity := strings.TrimPrefix(name, prefix)
	if identity == "" {
		return "", false
	}
	return identity, true
}
