// Package fanout pushes live telemetry updates to connected WebSocket observers.
package fanout

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"spritetel/internal/telemetry"
)

// Message types sent to observers besides relayed lifecycle kinds.
const (
	MessageInitialState     = "initial_state"
	MessageTelemetryUpdated = "telemetry_updated"
	MessagePong             = "pong"
	MessagePing             = "ping"
)

const (
	defaultOutboxSize   = 64
	defaultWriteTimeout = 5 * time.Second
)

// Message is the observer wire envelope.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Options tunes observer delivery.
type Options struct {
	OutboxSize   int
	WriteTimeout time.Duration
	PingInterval time.Duration
}

// observer is one registered connection. The hub only ever does non-blocking
// sends into outbox; the connection goroutine drains it.
type observer struct {
	id     string
	outbox chan []byte
}

// offer enqueues a frame without blocking.
// Params: frame encoded message.
// Returns: false when the outbox is full and the frame was skipped.
func (o *observer) offer(frame []byte) bool {
	select {
	case o.outbox <- frame:
		return true
	default:
		return false
	}
}

// Hub is the observer registry and broadcaster.
type Hub struct {
	mu        sync.RWMutex
	observers map[*observer]struct{}
	opts      Options
	logger    *slog.Logger

	done     chan struct{}
	doneOnce sync.Once
}

// NewHub creates an empty observer registry.
// Params: opts delivery tuning (zero values use defaults); logger for connection diagnostics.
// Returns: hub instance.
func NewHub(opts Options, logger *slog.Logger) *Hub {
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = defaultOutboxSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.PingInterval < 0 {
		opts.PingInterval = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		observers: make(map[*observer]struct{}),
		opts:      opts,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// BindAggregator forwards every aggregate update as telemetry_updated.
// Params: aggregates store to observe.
// Returns: none.
func (h *Hub) BindAggregator(aggregates *telemetry.Aggregator) {
	aggregates.OnUpdate(func(record telemetry.Aggregate) {
		if err := h.Broadcast(MessageTelemetryUpdated, record); err != nil {
			h.logger.Warn("fanout telemetry update encode failed", slog.String("error", err.Error()))
		}
	})
}

// BindLifecycle relays lifecycle notifications with their payload unmodified.
// Params: lifecycle relay to observe.
// Returns: none.
func (h *Hub) BindLifecycle(lifecycle *telemetry.Lifecycle) {
	lifecycle.OnPublish(func(event telemetry.LifecycleEvent) {
		if err := h.Broadcast(string(event.Kind), event.Payload); err != nil {
			h.logger.Warn("fanout lifecycle encode failed", slog.String("type", string(event.Kind)), slog.String("error", err.Error()))
		}
	})
}

// Broadcast encodes one message and offers it to every observer.
// Params: msgType message type; payload JSON-encodable payload.
// Returns: encode error; delivery is best-effort per observer.
func (h *Hub) Broadcast(msgType string, payload any) error {
	frame, err := encodeMessage(msgType, payload)
	if err != nil {
		return err
	}
	h.broadcastFrame(frame)
	return nil
}

// broadcastFrame offers a pre-encoded frame to all observers, skipping full outboxes.
// Params: frame encoded message.
// Returns: none.
func (h *Hub) broadcastFrame(frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for obs := range h.observers {
		if !obs.offer(frame) {
			h.logger.Debug("fanout observer outbox full, message skipped", slog.String("observer", obs.id))
		}
	}
}

// Count returns the number of registered observers.
// Params: none.
// Returns: observer count.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// Close disconnects every observer and rejects new ones.
// Params: none.
// Returns: none.
func (h *Hub) Close() {
	h.doneOnce.Do(func() {
		close(h.done)
	})
}

func (h *Hub) register(obs *observer) {
	h.mu.Lock()
	h.observers[obs] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(obs *observer) {
	h.mu.Lock()
	delete(h.observers, obs)
	h.mu.Unlock()
}

// encodeMessage renders the observer envelope.
// Params: msgType message type; payload optional payload.
// Returns: JSON bytes or encode error.
func encodeMessage(msgType string, payload any) ([]byte, error) {
	frame, err := json.Marshal(Message{Type: msgType, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", msgType, err)
	}
	return frame, nil
}
