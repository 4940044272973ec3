package logging

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Switch is a slog handler whose destination can be replaced while loggers built on it
// stay in use. Long-lived components keep logging through config reloads.
type Switch struct {
	target *atomic.Pointer[slog.Handler]
	ops    []func(slog.Handler) slog.Handler
}

// NewSwitch creates a switch writing to initial.
// Params: initial destination handler.
// Returns: switch handler.
func NewSwitch(initial slog.Handler) *Switch {
	target := &atomic.Pointer[slog.Handler]{}
	target.Store(&initial)
	return &Switch{target: target}
}

// Set replaces the destination for this switch and every handler derived from it.
// Params: next destination handler; nil is ignored.
// Returns: none.
func (s *Switch) Set(next slog.Handler) {
	if next == nil {
		return
	}
	s.target.Store(&next)
}

func (s *Switch) current() slog.Handler {
	handler := *s.target.Load()
	for _, op := range s.ops {
		handler = op(handler)
	}
	return handler
}

func (s *Switch) Enabled(ctx context.Context, level slog.Level) bool {
	return s.current().Enabled(ctx, level)
}

func (s *Switch) Handle(ctx context.Context, record slog.Record) error {
	return s.current().Handle(ctx, record)
}

func (s *Switch) WithAttrs(attrs []slog.Attr) slog.Handler {
	return s.derive(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (s *Switch) WithGroup(name string) slog.Handler {
	return s.derive(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (s *Switch) derive(op func(slog.Handler) slog.Handler) *Switch {
	ops := make([]func(slog.Handler) slog.Handler, 0, len(s.ops)+1)
	ops = append(ops, s.ops...)
	ops = append(ops, op)
	return &Switch{target: s.target, ops: ops}
}
