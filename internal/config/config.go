package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultLogLevel          = "info"
	defaultLogFormat         = "line"
	defaultOTLPGRPCListen    = "0.0.0.0:4317"
	defaultOTLPHTTPListen    = "0.0.0.0:4318"
	defaultOTLPMaxBodyBytes  = 4 << 20
	defaultOTLPShutdownTO    = 5 * time.Second
	defaultHTTPListen        = "0.0.0.0:3008"
	defaultHTTPShutdownTO    = 5 * time.Second
	defaultServiceNamePrefix = "claude-"
	defaultEventCapacity     = 500
	defaultEventLimit        = 100
	defaultTimelineMinutes   = 60
	maxTimelineMinutes       = 366 * 24 * 60
	defaultFanoutOutbox      = 64
	defaultFanoutWriteTO     = 5 * time.Second
	defaultFanoutPingEvery   = 30 * time.Second
	defaultPprofListen       = "127.0.0.1:6060"
)

// Duration wraps time.Duration for TOML parsing.
// Params: text duration string (e.g. "5s", "1m").
// Returns: parse error on invalid duration.
type Duration struct {
	time.Duration
}

// UnmarshalText parses TOML duration values.
// Params: text is raw duration bytes from TOML.
// Returns: error when value is not a valid Go duration.
func (d *Duration) UnmarshalText(text []byte) error {
	value := strings.TrimSpace(string(text))
	if value == "" {
		d.Duration = 0
		return nil
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value, err)
	}

	d.Duration = parsed
	return nil
}

// Config represents the root service configuration.
// Params: TOML document sections.
// Returns: validated runtime configuration.
type Config struct {
	Log      LogConfig      `toml:"log"`
	Pprof    PprofConfig    `toml:"pprof"`
	OTLP     OTLPConfig     `toml:"otlp"`
	HTTP     HTTPConfig     `toml:"http"`
	Identity IdentityConfig `toml:"identity"`
	Events   EventsConfig   `toml:"events"`
	Fanout   FanoutConfig   `toml:"fanout"`
}

// PprofConfig defines optional runtime pprof HTTP endpoint.
// Params: enabled flag and listen address in host:port format.
// Returns: pprof runtime settings.
type PprofConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// LogConfig contains console/file logging configuration.
// Params: console and file sink options.
// Returns: logger sink settings.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink options from TOML.
// Returns: sink setup.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// OTLPConfig defines the OTLP ingestion endpoints.
// Params: gRPC/HTTP listen addresses, body limit, and shutdown timeout.
// Returns: gateway runtime settings.
type OTLPConfig struct {
	GRPCListen      string   `toml:"grpc_listen"`
	HTTPListen      string   `toml:"http_listen"`
	HTTPDisabled    bool     `toml:"http_disabled"`
	MaxBodyBytes    int64    `toml:"max_body_bytes"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// HTTPConfig defines the API/observer/metrics HTTP endpoint.
// Params: listen address and shutdown timeout.
// Returns: API server settings.
type HTTPConfig struct {
	Listen          string   `toml:"listen"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// IdentityConfig controls sandbox identity resolution from resource attributes.
// Params: service.name prefix stripped by the fallback rule.
// Returns: resolver settings.
type IdentityConfig struct {
	ServiceNamePrefix string `toml:"service_name_prefix"`
}

// EventsConfig controls per-sandbox event history retention and read defaults.
// Params: capacity per sandbox, default read limit and timeline window.
// Returns: event log settings.
type EventsConfig struct {
	Capacity        int `toml:"capacity"`
	DefaultLimit    int `toml:"default_limit"`
	TimelineMinutes int `toml:"timeline_minutes"`
}

// FanoutConfig controls real-time observer delivery.
// Params: per-observer outbox size, write timeout and keepalive interval.
// Returns: broadcast settings.
type FanoutConfig struct {
	OutboxSize   int      `toml:"outbox_size"`
	WriteTimeout Duration `toml:"write_timeout"`
	PingInterval Duration `toml:"ping_interval"`
	PingDisabled bool     `toml:"ping_disabled"`
}

// Load reads, expands, validates, and returns config from path.
// Params: path to TOML config file or directory with *.toml files.
// Returns: validated config pointer or error.
func Load(path string) (*Config, error) {
	raw, err := readConfigSource(path)
	if err != nil {
		return nil, err
	}

	return Parse(raw, path)
}

// Parse expands env variables, decodes TOML, and applies defaults and validation.
// Params: raw TOML bytes; source label used in errors.
// Returns: validated config pointer or error.
func Parse(raw []byte, source string) (*Config, error) {
	expanded := os.ExpandEnv(string(raw))

	var cfg Config
	if err := toml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("decode TOML %q: %w", source, err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// readConfigSource reads one TOML file or concatenates *.toml files from directory.
// Params: path to config file or directory.
// Returns: raw TOML bytes or error.
func readConfigSource(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config %q: %w", path, err)
	}

	if !info.IsDir() {
		raw, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil, fmt.Errorf("read config %q: %w", path, readErr)
		}
		return raw, nil
	}

	return readConfigDir(path)
}

// readConfigDir concatenates config snippets from one directory.
// Params: path to directory that contains *.toml files.
// Returns: concatenated TOML content or error.
func readConfigDir(path string) ([]byte, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read config dir %q: %w", path, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(entry.Name()), ".toml") {
			files = append(files, entry.Name())
		}
	}

	sort.Strings(files)
	if len(files) == 0 {
		return nil, fmt.Errorf("read config dir %q: no *.toml files", path)
	}

	var builder strings.Builder
	for _, name := range files {
		filePath := filepath.Join(path, name)
		raw, readErr := os.ReadFile(filePath)
		if readErr != nil {
			return nil, fmt.Errorf("read config %q: %w", filePath, readErr)
		}
		builder.Write(raw)
		if len(raw) == 0 || raw[len(raw)-1] != '\n' {
			builder.WriteByte('\n')
		}
		builder.WriteByte('\n')
	}

	return []byte(builder.String()), nil
}

// applyDefaults fills defaults for optional configuration fields.
// Params: receiver config pointer.
// Returns: none.
func (c *Config) applyDefaults() {
	c.Log.Console.Level = lowerOrDefault(c.Log.Console.Level, defaultLogLevel)
	c.Log.Console.Format = lowerOrDefault(c.Log.Console.Format, defaultLogFormat)
	c.Log.File.Level = lowerOrDefault(c.Log.File.Level, defaultLogLevel)
	c.Log.File.Format = lowerOrDefault(c.Log.File.Format, "json")

	if !c.Log.Console.Enabled && !c.Log.File.Enabled {
		c.Log.Console.Enabled = true
	}

	if strings.TrimSpace(c.OTLP.GRPCListen) == "" {
		c.OTLP.GRPCListen = defaultOTLPGRPCListen
	}
	if !c.OTLP.HTTPDisabled && strings.TrimSpace(c.OTLP.HTTPListen) == "" {
		c.OTLP.HTTPListen = defaultOTLPHTTPListen
	}
	if c.OTLP.MaxBodyBytes <= 0 {
		c.OTLP.MaxBodyBytes = defaultOTLPMaxBodyBytes
	}
	if c.OTLP.ShutdownTimeout.Duration <= 0 {
		c.OTLP.ShutdownTimeout.Duration = defaultOTLPShutdownTO
	}

	if strings.TrimSpace(c.HTTP.Listen) == "" {
		c.HTTP.Listen = defaultHTTPListen
	}
	if c.HTTP.ShutdownTimeout.Duration <= 0 {
		c.HTTP.ShutdownTimeout.Duration = defaultHTTPShutdownTO
	}

	if c.Identity.ServiceNamePrefix == "" {
		c.Identity.ServiceNamePrefix = defaultServiceNamePrefix
	}

	if c.Events.Capacity == 0 {
		c.Events.Capacity = defaultEventCapacity
	}
	if c.Events.DefaultLimit == 0 {
		c.Events.DefaultLimit = defaultEventLimit
	}
	if c.Events.TimelineMinutes == 0 {
		c.Events.TimelineMinutes = defaultTimelineMinutes
	}

	if c.Fanout.OutboxSize == 0 {
		c.Fanout.OutboxSize = defaultFanoutOutbox
	}
	if c.Fanout.WriteTimeout.Duration <= 0 {
		c.Fanout.WriteTimeout.Duration = defaultFanoutWriteTO
	}
	if !c.Fanout.PingDisabled && c.Fanout.PingInterval.Duration <= 0 {
		c.Fanout.PingInterval.Duration = defaultFanoutPingEvery
	}
	if c.Fanout.PingDisabled {
		c.Fanout.PingInterval.Duration = 0
	}

	if c.Pprof.Enabled && strings.TrimSpace(c.Pprof.Listen) == "" {
		c.Pprof.Listen = defaultPprofListen
	}
}

// validate checks config consistency and required fields.
// Params: receiver config pointer.
// Returns: validation error for invalid or incomplete config.
func (c *Config) validate() error {
	if err := validateSink("log.console", c.Log.Console, false); err != nil {
		return err
	}
	if err := validateSink("log.file", c.Log.File, true); err != nil {
		return err
	}
	if err := validatePprofConfig("pprof", c.Pprof); err != nil {
		return err
	}

	if err := validateListen("otlp.grpc_listen", c.OTLP.GRPCListen); err != nil {
		return err
	}
	if !c.OTLP.HTTPDisabled {
		if err := validateListen("otlp.http_listen", c.OTLP.HTTPListen); err != nil {
			return err
		}
		if c.OTLP.HTTPListen == c.OTLP.GRPCListen {
			return fmt.Errorf("otlp.http_listen must differ from otlp.grpc_listen")
		}
	}
	if err := validateListen("http.listen", c.HTTP.Listen); err != nil {
		return err
	}
	if c.HTTP.Listen == c.OTLP.GRPCListen || (!c.OTLP.HTTPDisabled && c.HTTP.Listen == c.OTLP.HTTPListen) {
		return fmt.Errorf("http.listen must differ from otlp listen addresses")
	}

	if strings.TrimSpace(c.Identity.ServiceNamePrefix) == "" {
		return fmt.Errorf("identity.service_name_prefix cannot be blank")
	}

	if c.Events.Capacity < 0 {
		return fmt.Errorf("events.capacity must be > 0")
	}
	if c.Events.DefaultLimit < 0 {
		return fmt.Errorf("events.default_limit must be > 0")
	}
	if c.Events.TimelineMinutes < 0 || c.Events.TimelineMinutes > maxTimelineMinutes {
		return fmt.Errorf("events.timeline_minutes must be in 1..%d", maxTimelineMinutes)
	}

	if c.Fanout.OutboxSize < 0 {
		return fmt.Errorf("fanout.outbox_size must be > 0")
	}
	if c.Fanout.PingInterval.Duration < 0 {
		return fmt.Errorf("fanout.ping_interval must be >= 0")
	}

	return nil
}

// validateSink validates one logging sink configuration.
// Params: name is sink path for errors; sink is sink config; requirePath means path required when enabled.
// Returns: validation error or nil.
func validateSink(name string, sink LogSinkConfig, requirePath bool) error {
	if sink.Enabled && requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required when sink is enabled", name)
	}

	if err := validateLogLevel(sink.Level); err != nil {
		return fmt.Errorf("%s.level: %w", name, err)
	}
	if err := validateLogFormat(sink.Format); err != nil {
		return fmt.Errorf("%s.format: %w", name, err)
	}

	return nil
}

// validateLogLevel validates known log levels.
// Params: level is lower-case level name.
// Returns: error when level is unsupported.
func validateLogLevel(level string) error {
	switch strings.TrimSpace(strings.ToLower(level)) {
	case "info", "warn", "error", "debug":
		return nil
	default:
		return fmt.Errorf("unsupported value %q", level)
	}
}

// validateLogFormat validates supported sink formats.
// Params: format is lower-case format name.
// Returns: error when format is unsupported.
func validateLogFormat(format string) error {
	switch strings.TrimSpace(strings.ToLower(format)) {
	case "line", "json":
		return nil
	default:
		return fmt.Errorf("unsupported value %q", format)
	}
}

// validateListen validates one host:port listen address.
// Params: path is config path for errors; listen is configured address.
// Returns: validation error for empty or malformed address.
func validateListen(path string, listen string) error {
	if strings.TrimSpace(listen) == "" {
		return fmt.Errorf("%s cannot be empty", path)
	}
	if _, _, err := net.SplitHostPort(listen); err != nil {
		return fmt.Errorf("%s must be host:port: %w", path, err)
	}
	return nil
}

// lowerOrDefault returns a trimmed lower-case value or default fallback.
// Params: value to normalize; fallback value when empty.
// Returns: normalized value.
func lowerOrDefault(value, fallback string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return fallback
	}
	return normalized
}

// validatePprofConfig validates optional pprof endpoint settings.
// Params: path is config path prefix; cfg pprof section.
// Returns: validation error for invalid listen endpoint.
func validatePprofConfig(path string, cfg PprofConfig) error {
	if !cfg.Enabled {
		return nil
	}
	return validateListen(path+".listen", cfg.Listen)
}
