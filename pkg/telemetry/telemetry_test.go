package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "default", mutate: func(c *Config) {}},
		{name: "empty service name", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: true},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "bad exporter", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, wantErr: true},
		{name: "bad sampling rate", mutate: func(c *Config) { c.Tracing.SamplingRate = 1.5 }, wantErr: true},
		{name: "metrics without address", mutate: func(c *Config) { c.Metrics.ListenAddress = "" }, wantErr: true},
		{name: "zero event buffer", mutate: func(c *Config) { c.Events.BufferSize = 0 }, wantErr: true},
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

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, &buf)

	logger.NewComponentLogger("executor").
		WithExecutionID(42).
		WithPriority("high").
		WithError(errors.New("boom")).
		Info("Batch resolved")

	out := buf.String()
	for _, want := range []string{`"component":"executor"`, `"execution_id":42`, `"priority":"high"`, `"error":"boom"`, `"message":"Batch resolved"`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in log output: %s", want, out)
		}
	}
}

func TestLogger_WithTarget(t *testing.T) {
	tests := []struct {
		domain string
		want   string
	}{
		{"", `"domain":"local"`},
		{"settlement", `"domain":"settlement"`},
	}

	for _, tt := range tests {
		var buf bytes.Buffer
		logger := NewLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, &buf)
		logger.WithTarget(tt.domain, "ledger").Debug("call")

		out := buf.String()
		if !strings.Contains(out, tt.want) || !strings.Contains(out, `"address":"ledger"`) {
			t.Errorf("WithTarget(%q) output = %s", tt.domain, out)
		}
	}
}

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("info message should be filtered at warn level")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("warn message should be logged")
	}
}

func TestLogger_Context(t *testing.T) {
	logger := NopLogger()
	ctx := logger.WithContext(context.Background())
	if FromContext(ctx) != logger {
		t.Error("expected logger from context")
	}
	if FromContext(context.Background()) == nil {
		t.Error("expected fallback logger")
	}
}

func TestMetrics_Record(t *testing.T) {
	cfg := DefaultConfig().Metrics
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	m.RecordTick("high", "resolved")
	m.RecordTick("high", "resolved")
	m.RecordEnqueued("low")
	m.SetQueueLength("low", 3)
	m.RecordRetry("medium")
	m.RecordCallback("success")
	m.RecordDeliveryFailure()
	m.RecordFunctionCall("local", "ok", 10*time.Millisecond)
	m.RecordError("execution", "UNKNOWN_TARGET")

	if got := testutil.ToFloat64(m.ticks.WithLabelValues("high", "resolved")); got != 2 {
		t.Errorf("expected 2 ticks, got %v", got)
	}
	if got := testutil.ToFloat64(m.queueLength.WithLabelValues("low")); got != 3 {
		t.Errorf("expected queue length 3, got %v", got)
	}
	if got := testutil.ToFloat64(m.deliveryFailures); got != 1 {
		t.Errorf("expected 1 delivery failure, got %v", got)
	}
	if got := testutil.ToFloat64(m.errorsByCode.WithLabelValues("UNKNOWN_TARGET")); got != 1 {
		t.Errorf("expected 1 error by code, got %v", got)
	}
	if n := testutil.CollectAndCount(m.functionDuration); n != 1 {
		t.Errorf("expected 1 histogram series, got %d", n)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.RecordTick("high", "idle")
	m.RecordError("storage", "")
	m.RecordFunctionCall("local", "ok", time.Second)

	disabled, _ := NewMetrics(MetricsConfig{Enabled: false})
	disabled.RecordCallback("success")
	if disabled.Registry() != nil {
		t.Error("disabled metrics should have no registry")
	}
}

func TestTracer_Disabled(t *testing.T) {
	tr, err := NewTracer(TracingConfig{Enabled: false}, "processor", "test", "test")
	if err != nil {
		t.Fatalf("NewTracer: %v", err)
	}
	ctx, span := tr.StartTickSpan(context.Background(), "high")
	span.End()
	if TraceID(ctx) != "" {
		t.Error("no-op tracer should not produce valid trace ids")
	}
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestTracer_NoneExporter(t *testing.T) {
	tr, err := NewTracer(TracingConfig{Enabled: true, Exporter: "none", SamplingRate: 1}, "processor", "test", "test")
	if err != nil {
		t.Fatalf("NewTracer: %v", err)
	}
	defer tr.Shutdown(context.Background())

	ctx, span := tr.StartFunctionSpan(context.Background(), 1, 0, "", "echo")
	defer span.End()
	if TraceID(ctx) == "" {
		t.Error("expected a sampled trace id")
	}
}

func TestEventPublisher_Sync(t *testing.T) {
	ep := NewEventPublisher(EventsConfig{Enabled: true})

	var got []Event
	ep.Subscribe(func(e Event) { got = append(got, e) }, FilterByType("resolved"))

	_ = ep.RecordEvent(context.Background(), 7, "enqueued", "high")
	_ = ep.RecordEvent(context.Background(), 7, "resolved", "success")

	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].ID == "" || got[0].ExecutionID != 7 || got[0].Message != "success" {
		t.Errorf("unexpected event: %+v", got[0])
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestEventPublisher_AsyncDrainsOnShutdown(t *testing.T) {
	ep := NewEventPublisher(EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 16})

	var (
		mu  sync.Mutex
		ids []uint64
	)
	ep.Subscribe(func(e Event) {
		mu.Lock()
		ids = append(ids, e.ExecutionID)
		mu.Unlock()
	}, nil)

	for i := uint64(1); i <= 5; i++ {
		if err := ep.Publish(Event{Type: "enqueued", ExecutionID: i}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(ids) != 5 {
		t.Fatalf("expected 5 delivered events, got %d", len(ids))
	}
	for i, id := range ids {
		if id != uint64(i+1) {
			t.Errorf("expected in-order delivery, got %v", ids)
			break
		}
	}
}

func TestEventPublisher_Disabled(t *testing.T) {
	ep := NewEventPublisher(EventsConfig{Enabled: false})
	called := false
	ep.Subscribe(func(Event) { called = true }, nil)
	_ = ep.Publish(Event{Type: "x"})
	if called {
		t.Error("disabled publisher should not deliver")
	}
}
