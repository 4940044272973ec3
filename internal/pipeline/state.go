package pipeline

import (
	"log/slog"

	"spritetel/internal/config"
	"spritetel/internal/fanout"
	"spritetel/internal/otlp"
	"spritetel/internal/promexport"
	"spritetel/internal/telemetry"
)

// State holds the in-memory stores and their push wiring. It outlives engines so a
// config reload rebinds listeners without dropping telemetry or connected observers.
type State struct {
	Aggregates *telemetry.Aggregator
	Events     *telemetry.EventLog
	Lifecycle  *telemetry.Lifecycle
	Hub        *fanout.Hub
	Receiver   *otlp.Receiver
	Exporter   *promexport.Exporter
}

// StateOptions overrides scrape-time dependencies for tests.
type StateOptions struct {
	HostSampler promexport.HostSampler
}

// NewState constructs stores and binds the fanout hub and exporter to them.
// Params: cfg validated config (identity, events and fanout sections); logger for store components; opts optional overrides.
// Returns: wired state.
func NewState(cfg *config.Config, logger *slog.Logger, opts StateOptions) *State {
	aggregates := telemetry.NewAggregator()
	events := telemetry.NewEventLog(cfg.Events.Capacity, cfg.Events.DefaultLimit)
	lifecycle := telemetry.NewLifecycle()

	aggregates.OnUpdate(func(record telemetry.Aggregate) {
		logger.Debug("telemetry updated", slog.String("sprite", record.SpriteName))
	})
	events.OnAppend(func(event telemetry.Event) {
		logger.Debug("event appended", slog.String("sprite", event.SpriteName), slog.String("event_type", string(event.Kind)))
	})

	hub := fanout.NewHub(fanout.Options{
		OutboxSize:   cfg.Fanout.OutboxSize,
		WriteTimeout: cfg.Fanout.WriteTimeout.Duration,
		PingInterval: cfg.Fanout.PingInterval.Duration,
	}, logger)
	hub.BindAggregator(aggregates)
	hub.BindLifecycle(lifecycle)

	receiver := otlp.NewReceiver(
		otlp.Resolver{ServiceNamePrefix: cfg.Identity.ServiceNamePrefix},
		aggregates,
		events,
		logger,
	)

	sampler := opts.HostSampler
	if sampler == nil {
		sampler = promexport.NewHostSampler()
	}
	exporter := promexport.New(promexport.Sources{
		Aggregates: aggregates,
		Gateway:    receiver,
		Observers:  hub,
		Events:     events,
		Host:       sampler,
	}, logger)
	exporter.BindLifecycle(lifecycle)

	return &State{
		Aggregates: aggregates,
		Events:     events,
		Lifecycle:  lifecycle,
		Hub:        hub,
		Receiver:   receiver,
		Exporter:   exporter,
	}
}

// Close disconnects observers. Stores stay readable.
// Params: none.
// Returns: none.
func (s *State) Close() {
	if s == nil || s.Hub == nil {
		return
	}
	s.Hub.Close()
}
