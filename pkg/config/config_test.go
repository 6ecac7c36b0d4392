package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestDefault_IsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
}

func TestLoader_Layers(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "processor.yaml", `
domain: payments
store:
  path: /var/lib/processor
journal:
  schedule: "0 3 * * *"
driver:
  ticks_per_second: 5
telemetry:
  logging:
    level: warn
`)

	l := &Loader{Environment: map[string]string{
		"PROCESSOR_DRIVER_BURST":            "3",
		"PROCESSOR_CALLBACK_WEBHOOK_URL":    "http://authorizer:8080/callbacks",
		"PROCESSOR_CALLBACK_HEADERS":        "Authorization:Bearer abc",
		"PROCESSOR_TELEMETRY_LOG_LEVEL":     "debug",
		"PROCESSOR_CLOCK_BLOCK_TIME":        "2s",
		"PROCESSOR_ADAPTERS_CAPABILITIES":   "log,env:read",
		"UNRELATED_DRIVER_TICKS_PER_SECOND": "1000",
	}}

	cfg, err := l.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Domain != "payments" || cfg.Store.Path != "/var/lib/processor" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Journal.Schedule != "0 3 * * *" || cfg.Journal.Retention != 30*24*time.Hour {
		t.Errorf("journal not layered over defaults: %+v", cfg.Journal)
	}
	if cfg.Driver.TicksPerSecond != 5 || cfg.Driver.Burst != 3 {
		t.Errorf("driver not layered: %+v", cfg.Driver)
	}
	if cfg.Callback.WebhookURL != "http://authorizer:8080/callbacks" || cfg.Callback.Headers["Authorization"] != "Bearer abc" {
		t.Errorf("callback env not applied: %+v", cfg.Callback)
	}
	if cfg.Telemetry.Logging.Level != "debug" {
		t.Errorf("env should override file log level, got %s", cfg.Telemetry.Logging.Level)
	}
	if cfg.Clock.BlockTime != 2*time.Second {
		t.Errorf("expected 2s block time, got %s", cfg.Clock.BlockTime)
	}
	if len(cfg.Adapters.Capabilities) != 2 {
		t.Errorf("expected two capabilities, got %v", cfg.Adapters.Capabilities)
	}
}

func TestLoader_EnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := writeFile(t, dir, "test.env", "PROCESSOR_TEST_ENVFILE_MARKER=from-file\n")

	l := &Loader{EnvFiles: []string{envFile, filepath.Join(dir, "missing.env")}}
	if _, err := l.Load(""); err != nil {
		t.Fatalf("load: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("PROCESSOR_TEST_ENVFILE_MARKER") })

	if got := os.Getenv("PROCESSOR_TEST_ENVFILE_MARKER"); got != "from-file" {
		t.Errorf("expected env file to be loaded, got %q", got)
	}
}

func TestLoader_Validation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
	}{
		{name: "missing domain", yaml: "domain: ''\n", wantErr: "Domain"},
		{name: "bad cron", yaml: "journal:\n  schedule: 'every day'\n", wantErr: "Schedule"},
		{name: "retention without schedule", yaml: "journal:\n  schedule: ''\n", wantErr: "schedule"},
		{name: "in memory needs no path", yaml: "store:\n  path: ''\n  in_memory: true\n"},
		{name: "path required on disk", yaml: "store:\n  path: ''\n", wantErr: "Path"},
		{name: "bad webhook url", env: map[string]string{"PROCESSOR_CALLBACK_WEBHOOK_URL": "not a url"}, wantErr: "WebhookURL"},
		{name: "zero tick rate", yaml: "driver:\n  ticks_per_second: 0\n", wantErr: "TicksPerSecond"},
		{name: "unknown capability", yaml: "adapters:\n  capabilities: [net]\n", wantErr: "Capabilities"},
		{name: "bad log level", env: map[string]string{"PROCESSOR_TELEMETRY_LOG_LEVEL": "loud"}, wantErr: "log level"},
		{name: "bad admin address", yaml: "admin:\n  listen_address: localhost\n", wantErr: "ListenAddress"},
		{name: "admin disabled", yaml: "admin:\n  listen_address: ''\n"},
		{name: "peer without adapters", yaml: "peers:\n  - domain: settlement\n", wantErr: "AdaptersDir"},
		{name: "peer shadows local domain", yaml: "domain: local\npeers:\n  - {domain: local, adapters_dir: x}\n", wantErr: "duplicate domain"},
		{name: "not yaml", yaml: "domain: [", wantErr: "parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "processor.yaml", tt.yaml)
			env := tt.env
			if env == nil {
				env = map[string]string{}
			}

			_, err := (&Loader{Environment: env}).Load(path)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}
