// Package telemetry provides observability instrumentation for the processor.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and an engine event stream.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	errCh := tel.Metrics.StartMetricsServer()
//
// # Structured Logging
//
// Loggers carry a component field and can be narrowed to a batch:
//
//	logger := tel.Logger.NewComponentLogger("executor")
//	logger.WithExecutionID(42).WithPriority("high").Info("Batch resolved")
//
// # Tracing
//
// Each tick and each function call gets its own span:
//
//	ctx, span := tel.Tracer.StartTickSpan(ctx, "high")
//	defer span.End()
//
// Exporters: otlp (gRPC), stdout, none.
//
// # Metrics
//
// Exposed metrics, all prefixed with the configured namespace:
//
//   - ticks_total{priority,action}
//   - batches_enqueued_total{priority}
//   - queue_length{priority}
//   - retries_total{priority}
//   - callbacks_emitted_total{result}
//   - callback_delivery_failures_total
//   - function_duration_seconds{domain,status}
//   - errors_by_class_total{class}, errors_by_code_total{code}
//
// Record methods are safe on a nil *Metrics.
//
// # Events
//
// EventPublisher implements the engine's event recorder and fans events out
// to subscribers, such as the SQLite journal:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    _ = journal.AppendEvent(ctx, e.ID, e.ExecutionID, e.Type, e.Message, e.Timestamp)
//	}, nil)
package telemetry
