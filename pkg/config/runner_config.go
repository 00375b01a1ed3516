package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/changeflow/changeflow/pkg/audit"
	"github.com/changeflow/changeflow/pkg/telemetry"
)

// RunnerConfig is the runner configuration file, usually changeflow.yaml.
type RunnerConfig struct {
	Service   ServiceSection   `yaml:"service"`
	Store     StoreSection     `yaml:"store"`
	Lock      LockSection      `yaml:"lock"`
	Logging   LoggingSection   `yaml:"logging"`
	Tracing   TracingSection   `yaml:"tracing"`
	Metrics   MetricsSection   `yaml:"metrics"`
	Events    EventsSection    `yaml:"events"`
	Targets   []TargetSection  `yaml:"targets" validate:"dive"`
	Policies  PoliciesSection  `yaml:"policies"`
	Execution ExecutionSection `yaml:"execution"`
}

// ServiceSection identifies the runner in telemetry.
type ServiceSection struct {
	Name        string `yaml:"name" validate:"required"`
	Environment string `yaml:"environment"`
}

// StoreSection configures the audit store.
type StoreSection struct {
	Path         string        `yaml:"path" validate:"required"`
	MaxOpenConns int           `yaml:"max_open_conns" validate:"gte=0"`
	BusyTimeout  time.Duration `yaml:"busy_timeout" validate:"gte=0"`
}

// LockSection configures the run lease.
type LockSection struct {
	Name string        `yaml:"name" validate:"required"`
	TTL  time.Duration `yaml:"ttl" validate:"required,gte=1s"`
}

// LoggingSection configures structured logging.
type LoggingSection struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `yaml:"format" validate:"oneof=console json"`
	Output string `yaml:"output"`
	Caller bool   `yaml:"caller"`
}

// TracingSection configures distributed tracing.
type TracingSection struct {
	Enabled      bool              `yaml:"enabled"`
	Exporter     string            `yaml:"exporter" validate:"oneof=otlp stdout none"`
	Endpoint     string            `yaml:"endpoint" validate:"required_if=Exporter otlp"`
	SamplingRate float64           `yaml:"sampling_rate" validate:"gte=0,lte=1"`
	Insecure     bool              `yaml:"insecure"`
	Headers      map[string]string `yaml:"headers"`
}

// MetricsSection configures the Prometheus endpoint.
type MetricsSection struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address" validate:"required_if=Enabled true"`
	Path          string `yaml:"path"`
}

// EventsSection configures run and task events.
type EventsSection struct {
	Enabled bool `yaml:"enabled"`
	Async   bool `yaml:"async"`

	// Journal appends every event to this file as JSON lines.
	Journal  string `yaml:"journal"`
	MinLevel string `yaml:"min_level" validate:"omitempty,oneof=info warning error"`
}

// TargetSection declares one SQL target system.
type TargetSection struct {
	ID       string                 `yaml:"id" validate:"required"`
	Driver   string                 `yaml:"driver" validate:"oneof=sqlite"`
	Path     string                 `yaml:"path" validate:"required"`
	Recovery audit.RecoveryStrategy `yaml:"recovery" validate:"omitempty,oneof=MANUAL_INTERVENTION ALWAYS_RETRY"`

	// TransactionalAudit writes APPLIED entries inside the change's
	// transaction. Only valid when the target database is the audit store.
	TransactionalAudit bool `yaml:"transactional_audit"`
}

// PoliciesSection configures the plan gate.
type PoliciesSection struct {
	Enabled bool     `yaml:"enabled"`
	Paths   []string `yaml:"paths"`

	// Builtin toggles the built-in policies.
	Builtin bool `yaml:"builtin"`
}

// ExecutionSection configures the run itself.
type ExecutionSection struct {
	StageID  string   `yaml:"stage_id"`
	Hostname string   `yaml:"hostname"`
	Pipeline []string `yaml:"pipeline" validate:"required,min=1,dive,required"`

	// WatchDebounce delays replanning in watch mode after the last file change.
	WatchDebounce time.Duration `yaml:"watch_debounce" validate:"gte=0"`
}

// DefaultRunnerConfig returns the configuration used for unset fields.
func DefaultRunnerConfig() *RunnerConfig {
	return &RunnerConfig{
		Service: ServiceSection{
			Name:        "changeflow",
			Environment: "development",
		},
		Store: StoreSection{
			Path:         "changeflow.db",
			MaxOpenConns: 25,
			BusyTimeout:  5 * time.Second,
		},
		Lock: LockSection{
			Name: "changeflow",
			TTL:  30 * time.Second,
		},
		Logging: LoggingSection{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingSection{
			Exporter:     "none",
			SamplingRate: 1.0,
			Insecure:     true,
		},
		Metrics: MetricsSection{
			ListenAddress: ":9090",
			Path:          "/metrics",
		},
		Events: EventsSection{
			Enabled: true,
		},
		Policies: PoliciesSection{
			Builtin: true,
		},
		Execution: ExecutionSection{
			Pipeline:      []string{"changes"},
			WatchDebounce: 500 * time.Millisecond,
		},
	}
}

// LoadRunnerConfig reads a YAML runner configuration. Fields missing from the
// file keep their defaults. Unknown fields are rejected.
func LoadRunnerConfig(path string) (*RunnerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read runner config: %w", err)
	}
	return ParseRunnerConfig(data)
}

// ParseRunnerConfig decodes and validates YAML runner configuration.
func ParseRunnerConfig(data []byte) (*RunnerConfig, error) {
	cfg := DefaultRunnerConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse runner config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags and cross-section constraints.
func (c *RunnerConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid runner config: %w", err)
	}

	seen := make(map[string]bool, len(c.Targets))
	for _, t := range c.Targets {
		if seen[t.ID] {
			return fmt.Errorf("invalid runner config: duplicate target id %q", t.ID)
		}
		seen[t.ID] = true
		if t.TransactionalAudit && t.Path != c.Store.Path {
			return fmt.Errorf("invalid runner config: target %s: transactional_audit requires the target path to equal store.path", t.ID)
		}
	}
	return nil
}

// Target returns the target section with the given id.
func (c *RunnerConfig) Target(id string) (TargetSection, bool) {
	for _, t := range c.Targets {
		if t.ID == id {
			return t, true
		}
	}
	return TargetSection{}, false
}

// ToTelemetryConfig maps the logging, tracing, metrics and events sections
// onto a telemetry configuration.
func (c *RunnerConfig) ToTelemetryConfig(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceName = c.Service.Name
	if version != "" {
		tc.ServiceVersion = version
	}
	if c.Service.Environment != "" {
		tc.Environment = c.Service.Environment
	}

	tc.Logging.Level = c.Logging.Level
	tc.Logging.Format = c.Logging.Format
	if c.Logging.Output != "" {
		tc.Logging.Output = c.Logging.Output
	}
	tc.Logging.Caller = c.Logging.Caller

	tc.Tracing.Enabled = c.Tracing.Enabled
	tc.Tracing.Exporter = c.Tracing.Exporter
	tc.Tracing.Endpoint = c.Tracing.Endpoint
	tc.Tracing.SamplingRate = c.Tracing.SamplingRate
	tc.Tracing.Insecure = c.Tracing.Insecure
	for k, v := range c.Tracing.Headers {
		tc.Tracing.Headers[k] = v
	}

	tc.Metrics.Enabled = c.Metrics.Enabled
	tc.Metrics.ListenAddress = c.Metrics.ListenAddress
	if c.Metrics.Path != "" {
		tc.Metrics.Path = c.Metrics.Path
	}

	tc.Events.Enabled = c.Events.Enabled
	tc.Events.Async = c.Events.Async
	tc.Events.Journal = c.Events.Journal
	tc.Events.MinLevel = c.Events.MinLevel

	return tc
}
