package telemetry

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Config is the telemetry configuration of one changeflow runner.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// Environment is reported on spans, e.g. "staging".
	Environment string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig configures the runner log.
type LoggingConfig struct {
	// Level is a zerolog level name.
	Level string

	// Format is console or json.
	Format string

	// Output is stderr, stdout or a file path the log is appended to.
	Output string

	// Caller adds file:line to every record.
	Caller bool
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled bool

	// Exporter is otlp, stdout or none.
	Exporter string

	// Endpoint is the OTLP gRPC collector, e.g. "localhost:4317".
	Endpoint string

	SamplingRate  float64
	ExportTimeout time.Duration
	Headers       map[string]string

	// Insecure disables TLS towards the collector.
	Insecure bool
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	Enabled       bool
	ListenAddress string
	Path          string
	Namespace     string

	// DurationBuckets are the histogram buckets, in seconds, for run and
	// change unit durations. Migrations range from milliseconds to minutes.
	DurationBuckets []float64
}

// EventsConfig configures the in-process event publisher.
type EventsConfig struct {
	Enabled bool

	// Async delivers events from a background goroutine in batches of at
	// most MaxBatchSize, buffering up to BufferSize.
	Async        bool
	BufferSize   int
	MaxBatchSize int

	// Journal is a file every event at or above MinLevel is appended to,
	// one JSON object per line. Empty disables the journal.
	Journal  string
	MinLevel string
}

// DefaultConfig returns the configuration used when the runner config
// leaves a section out.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "changeflow",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Exporter:      "none",
			SamplingRate:  1.0,
			ExportTimeout: 30 * time.Second,
			Headers:       map[string]string{},
			Insecure:      true,
		},
		Metrics: MetricsConfig{
			ListenAddress:   ":9090",
			Path:            "/metrics",
			Namespace:       "changeflow",
			DurationBuckets: []float64{0.005, 0.05, 0.25, 1, 5, 30, 120, 600, 1800},
		},
		Events: EventsConfig{
			Enabled:      true,
			BufferSize:   1000,
			MaxBatchSize: 100,
		},
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.ServiceName == "" {
		errs = append(errs, errors.New("service name is required"))
	}
	if c.ServiceVersion == "" {
		errs = append(errs, errors.New("service version is required"))
	}

	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil || c.Logging.Level == "" {
		errs = append(errs, fmt.Errorf("invalid log level %q", c.Logging.Level))
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		errs = append(errs, fmt.Errorf("invalid log format %q: must be console or json", c.Logging.Format))
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "otlp":
			if c.Tracing.Endpoint == "" {
				errs = append(errs, errors.New("otlp exporter requires an endpoint"))
			}
		case "stdout", "none":
		default:
			errs = append(errs, fmt.Errorf("invalid trace exporter %q", c.Tracing.Exporter))
		}
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("trace sampling rate must be between 0 and 1, got %g", c.Tracing.SamplingRate))
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		errs = append(errs, errors.New("metrics listen address is required when metrics are enabled"))
	}

	switch c.Events.MinLevel {
	case "", EventLevelInfo, EventLevelWarning, EventLevelError:
	default:
		errs = append(errs, fmt.Errorf("invalid event level %q", c.Events.MinLevel))
	}
	if c.Events.Enabled && c.Events.Async && c.Events.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("event buffer size must be positive, got %d", c.Events.BufferSize))
	}

	return errors.Join(errs...)
}
