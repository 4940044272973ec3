package telemetry

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// LifecycleKind names a sandbox lifecycle notification relayed to observers.
type LifecycleKind string

const (
	LifecycleSpriteCreated      LifecycleKind = "sprite_created"
	LifecycleSpriteDeleted      LifecycleKind = "sprite_deleted"
	LifecycleSpriteShutdown     LifecycleKind = "sprite_shutdown"
	LifecycleSpriteWoken        LifecycleKind = "sprite_woken"
	LifecycleSpriteRestored     LifecycleKind = "checkpoint_restored"
	LifecycleSandboxCreated     LifecycleKind = "sandbox:created"
	LifecycleSandboxDestroyed   LifecycleKind = "sandbox:destroyed"
	LifecycleCheckpointCreated  LifecycleKind = "checkpoint:created"
	LifecycleCheckpointRestored LifecycleKind = "checkpoint:restored"
	LifecycleExecOutput         LifecycleKind = "exec:output"
)

var lifecycleKinds = map[LifecycleKind]struct{}{
	LifecycleSpriteCreated:      {},
	LifecycleSpriteDeleted:      {},
	LifecycleSpriteShutdown:     {},
	LifecycleSpriteWoken:        {},
	LifecycleSpriteRestored:     {},
	LifecycleSandboxCreated:     {},
	LifecycleSandboxDestroyed:   {},
	LifecycleCheckpointCreated:  {},
	LifecycleCheckpointRestored: {},
	LifecycleExecOutput:         {},
}

// Valid reports whether kind is a known lifecycle notification.
// Params: receiver kind.
// Returns: true for relayable kinds.
func (k LifecycleKind) Valid() bool {
	_, ok := lifecycleKinds[k]
	return ok
}

// LifecycleEvent is one published lifecycle notification.
// Payload is relayed to observers unmodified.
type LifecycleEvent struct {
	Kind     LifecycleKind
	Payload  json.RawMessage
	Duration time.Duration
}

// LifecycleListener consumes published lifecycle notifications.
type LifecycleListener func(LifecycleEvent)

// Lifecycle relays lifecycle notifications from the orchestrator to registered consumers
// (observer fanout, Prometheus instruments).
type Lifecycle struct {
	mu        sync.RWMutex
	listeners []LifecycleListener
}

// NewLifecycle creates a relay without listeners.
// Params: none.
// Returns: lifecycle relay.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{}
}

// OnPublish registers a lifecycle consumer.
// Params: listener callback.
// Returns: none.
func (l *Lifecycle) OnPublish(listener LifecycleListener) {
	if listener == nil {
		return
	}
	l.mu.Lock()
	l.listeners = append(l.listeners, listener)
	l.mu.Unlock()
}

// Publish validates and relays one lifecycle notification.
// Params: kind notification name; payload JSON payload (empty means null); duration optional operation time.
// Returns: error for unknown kind or malformed payload.
func (l *Lifecycle) Publish(kind LifecycleKind, payload json.RawMessage, duration time.Duration) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown lifecycle type %q", kind)
	}
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	if !json.Valid(payload) {
		return fmt.Errorf("lifecycle %s: payload is not valid JSON", kind)
	}
	if duration < 0 {
		duration = 0
	}

	event := LifecycleEvent{Kind: kind, Payload: payload, Duration: duration}

	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, listener := range l.listeners {
		listener(event)
	}
	return nil
}
