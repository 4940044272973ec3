package fanout

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"spritetel/internal/telemetry"
)

// SnapshotSource provides all aggregates under a lock held for the callback.
type SnapshotSource interface {
	Snapshot(fn func([]telemetry.Aggregate))
}

// Handler upgrades requests to observer connections.
// Params: snapshots aggregate source used for initial_state.
// Returns: HTTP handler for the observer endpoint.
func (h *Hub) Handler(snapshots SnapshotSource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-h.done:
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		default:
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			h.logger.Warn("fanout websocket accept failed", slog.String("remote", r.RemoteAddr), slog.String("error", err.Error()))
			return
		}
		h.serve(r.Context(), conn, snapshots)
	})
}

// serve runs one observer connection until it disconnects or the hub closes.
// Params: parent request context; conn accepted WebSocket; snapshots initial state source.
// Returns: none.
func (h *Hub) serve(parent context.Context, conn *websocket.Conn, snapshots SnapshotSource) {
	obs := &observer{
		id:     uuid.NewString(),
		outbox: make(chan []byte, h.opts.OutboxSize),
	}

	var encodeErr error
	snapshots.Snapshot(func(records []telemetry.Aggregate) {
		frame, err := encodeMessage(MessageInitialState, records)
		if err != nil {
			encodeErr = err
			return
		}
		obs.offer(frame)
		h.register(obs)
	})
	if encodeErr != nil {
		h.logger.Error("fanout initial state encode failed", slog.String("error", encodeErr.Error()))
		_ = conn.Close(websocket.StatusInternalError, "initial state unavailable")
		return
	}
	defer h.unregister(obs)

	h.logger.Info("observer connected", slog.String("observer", obs.id))

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	go h.readLoop(ctx, cancel, conn, obs)

	err := h.writeLoop(ctx, conn, obs)
	switch {
	case err == nil:
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	case websocket.CloseStatus(err) != -1, errors.Is(err, context.Canceled):
		_ = conn.CloseNow()
	default:
		h.logger.Debug("observer write failed", slog.String("observer", obs.id), slog.String("error", err.Error()))
		_ = conn.CloseNow()
	}
	h.logger.Info("observer disconnected", slog.String("observer", obs.id))
}

// writeLoop drains the observer outbox and sends keepalive pings.
// Params: ctx connection context; conn WebSocket; obs observer state.
// Returns: nil when the hub closes; error on write failure or disconnect.
func (h *Hub) writeLoop(ctx context.Context, conn *websocket.Conn, obs *observer) error {
	var pingC <-chan time.Time
	if h.opts.PingInterval > 0 {
		ticker := time.NewTicker(h.opts.PingInterval)
		defer ticker.Stop()
		pingC = ticker.C
	}

	for {
		select {
		case <-h.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-obs.outbox:
			if err := h.write(ctx, conn, frame); err != nil {
				return err
			}
		case <-pingC:
			pingCtx, cancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

// write sends one text frame bounded by the write timeout.
// Params: ctx connection context; conn WebSocket; frame payload.
// Returns: write error.
func (h *Hub) write(ctx context.Context, conn *websocket.Conn, frame []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, frame)
}

// readLoop handles inbound observer messages; only ping is meaningful.
// Params: ctx connection context; cancel stops the connection on read failure; conn WebSocket; obs observer state.
// Returns: none.
func (h *Hub) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, obs *observer) {
	defer cancel()

	pong, _ := encodeMessage(MessagePong, nil)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if !gjson.ValidBytes(data) {
			h.logger.Debug("observer sent invalid message", slog.String("observer", obs.id))
			continue
		}
		if gjson.GetBytes(data, "type").String() != MessagePing {
			h.logger.Debug("observer message ignored", slog.String("observer", obs.id))
			continue
		}
		if !obs.offer(pong) {
			h.logger.Debug("fanout observer outbox full, pong skipped", slog.String("observer", obs.id))
		}
	}
}
