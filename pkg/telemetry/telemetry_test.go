package telemetry

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "otlp", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
			c.Tracing.Endpoint = "localhost:4317"
		}},
		{name: "otlp without endpoint", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
		}, wantErr: true},
		{name: "empty level", mutate: func(c *Config) { c.Logging.Level = "" }, wantErr: true},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "bad exporter", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, wantErr: true},
		{name: "bad sampling", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: true},
		{name: "no service", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoggerContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, &buf)

	ctx := logger.WithContext(context.Background())
	FromContext(ctx).WithChangeID("create-users").WithTargetSystem("sql").Info("applied")

	out := buf.String()
	for _, want := range []string{`"change_id":"create-users"`, `"target_system":"sql"`, `"message":"applied"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %q missing %s", out, want)
		}
	}
}

func TestMetricsDisabledIsNoop(t *testing.T) {
	var nilMetrics *Metrics
	nilMetrics.RecordTask("sql", "applied", time.Second)
	nilMetrics.RecordDecision("APPLY")
	nilMetrics.SetRecoveryIssues(3)

	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics() failed: %v", err)
	}
	m.RecordAuditWriteFailure("APPLIED")
	if m.Registry() != nil {
		t.Error("disabled metrics must not expose a registry")
	}
}

func TestMetricsHandler(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "changeflow", Path: "/metrics", ListenAddress: ":0"})
	if err != nil {
		t.Fatalf("NewMetrics() failed: %v", err)
	}

	m.RecordTask("sql", "applied", 10*time.Millisecond)
	m.RecordDecision("SKIP")
	m.RecordAuditWriteFailure("APPLIED")
	m.SetRecoveryIssues(1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`changeflow_tasks_total{result="applied",target_system="sql"} 1`,
		`changeflow_planner_decisions_total{action="SKIP"} 1`,
		`changeflow_audit_write_failures_total{state="APPLIED"} 1`,
		`changeflow_recovery_issues 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}

func TestEventPublisherSync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("NewEventPublisher() failed: %v", err)
	}

	var got []Event
	ep.Subscribe(func(e Event) { got = append(got, e) }, FilterByType(EventTypeTaskApplied, EventTypeTaskFailed))

	_ = ep.PublishTask(EventTypeTaskStarted, "exec-1", "A", "sql", "started")
	_ = ep.PublishTask(EventTypeTaskApplied, "exec-1", "A", "sql", "applied")
	_ = ep.PublishTask(EventTypeTaskFailed, "exec-1", "B", "sql", "failed")

	if len(got) != 2 {
		t.Fatalf("expected 2 delivered events, got %d", len(got))
	}
	if got[0].ChangeID != "A" || got[1].Level != EventLevelError {
		t.Errorf("unexpected events: %+v", got)
	}
	if got[0].ID == "" || got[0].Timestamp.IsZero() {
		t.Error("expected id and timestamp to be filled in")
	}
}

func TestEventPublisherAsyncShutdownDelivers(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, Async: true, BufferSize: 16, MaxBatchSize: 4})
	if err != nil {
		t.Fatalf("NewEventPublisher() failed: %v", err)
	}

	var mu sync.Mutex
	count := 0
	ep.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, nil)

	for i := 0; i < 10; i++ {
		if err := ep.PublishRunStarted("exec-1", i); err != nil {
			t.Fatalf("Publish() failed: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 10 {
		t.Errorf("expected 10 delivered events, got %d", count)
	}
}

func TestRecordTargetOperation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = true
	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry() failed: %v", err)
	}
	tel.Logger = NewNopLogger()
	ctx := tel.WithContext(context.Background())

	want := errors.New("boom")
	got := RecordTargetOperation(ctx, "sql", "apply", func(context.Context) error { return want })
	if !errors.Is(got, want) {
		t.Fatalf("expected original error, got %v", got)
	}

	if MetricsFromContext(ctx) != tel.Metrics {
		t.Error("expected metrics from context")
	}
	if MetricsFromContext(context.Background()) != nil {
		t.Error("expected nil metrics without telemetry")
	}
}

func TestStartOperationWithoutTelemetry(t *testing.T) {
	op := StartOperation(context.Background(), "plan")
	if op.Logger == nil || op.Timer == nil {
		t.Fatal("expected logger and timer")
	}
	op.End(errors.New("ignored"))
}

func TestLoggerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")

	logger, err := NewLogger(LoggingConfig{Level: "info", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("NewLogger() failed: %v", err)
	}
	logger.Component("runner").WithExecutionID("exec-1").Info("Run started")
	logger.Debug("filtered")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log: %v", err)
	}
	out := string(data)
	for _, want := range []string{`"component":"runner"`, `"execution_id":"exec-1"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %q missing %s", out, want)
		}
	}
	if strings.Contains(out, "filtered") {
		t.Error("debug record written at info level")
	}
}

func TestLoggerUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "loud", Format: "json"}, &buf)

	logger.Debug("hidden")
	logger.Info("shown")

	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("unexpected output: %s", buf.String())
	}
}

func TestTelemetryShutdown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Events.Async = true
	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry() failed: %v", err)
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() failed: %v", err)
	}
}

func TestEventJournal(t *testing.T) {
	journal := filepath.Join(t.TempDir(), "events.jsonl")

	cfg := DefaultConfig()
	cfg.Events.Journal = journal
	cfg.Events.MinLevel = EventLevelWarning
	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry() failed: %v", err)
	}

	_ = tel.Events.PublishTask(EventTypeTaskApplied, "exec-1", "create-users", "main", "applied")
	_ = tel.Events.PublishTask(EventTypeTaskRolledBack, "exec-1", "seed-users", "main", "rolled back")
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() failed: %v", err)
	}

	data, err := os.ReadFile(journal)
	if err != nil {
		t.Fatalf("failed to read journal: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 journal line, got %d: %s", len(lines), data)
	}
	if !strings.Contains(lines[0], `"change_id":"seed-users"`) || !strings.Contains(lines[0], `"type":"task.rolled_back"`) {
		t.Errorf("unexpected journal line: %s", lines[0])
	}
}
