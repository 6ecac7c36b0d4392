package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/processor/pkg/telemetry"
)

// EnvPrefix prefixes every environment override, e.g. PROCESSOR_DOMAIN.
const EnvPrefix = "PROCESSOR_"

// Config is the processor's runtime configuration.
type Config struct {
	// Domain is the local domain name used by the dispatcher.
	Domain string `yaml:"domain" env:"DOMAIN" validate:"required"`

	Store     StoreConfig      `yaml:"store" envPrefix:"STORE_"`
	Journal   JournalConfig    `yaml:"journal" envPrefix:"JOURNAL_"`
	Callback  CallbackConfig   `yaml:"callback" envPrefix:"CALLBACK_"`
	Adapters  AdaptersConfig   `yaml:"adapters" envPrefix:"ADAPTERS_"`
	Driver    DriverConfig     `yaml:"driver" envPrefix:"DRIVER_"`
	Clock     ClockConfig      `yaml:"clock" envPrefix:"CLOCK_"`
	Admin     AdminConfig      `yaml:"admin" envPrefix:"ADMIN_"`
	Telemetry telemetry.Config `yaml:"telemetry" envPrefix:"TELEMETRY_"`

	// Peers are other domains hosted in the same process and reached over
	// in-process bridges. They are configured from the file only.
	Peers []PeerConfig `yaml:"peers" validate:"dive"`
}

// StoreConfig configures the pebble engine store.
type StoreConfig struct {
	Path     string `yaml:"path" env:"PATH" validate:"required_unless=InMemory true"`
	InMemory bool   `yaml:"in_memory" env:"IN_MEMORY"`

	// NoSync skips fsync on commit. Only for tests and throwaway nodes.
	NoSync bool `yaml:"no_sync" env:"NO_SYNC"`
}

// JournalConfig configures the SQLite delivery and event journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Path    string `yaml:"path" env:"PATH" validate:"required_if=Enabled true"`

	// Retention is how long journal rows are kept. Zero keeps them forever.
	Retention time.Duration `yaml:"retention" env:"RETENTION" validate:"gte=0"`

	// Schedule is the cron expression of the purge job.
	Schedule string `yaml:"schedule" env:"SCHEDULE" validate:"omitempty,cron"`
}

// CallbackConfig configures delivery of results to the authorizer.
type CallbackConfig struct {
	// WebhookURL receives callbacks as JSON. Empty disables delivery.
	WebhookURL string            `yaml:"webhook_url" env:"WEBHOOK_URL" validate:"omitempty,url"`
	Timeout    time.Duration     `yaml:"timeout" env:"TIMEOUT" validate:"gte=0"`
	Headers    map[string]string `yaml:"headers" env:"HEADERS"`
}

// AdaptersConfig configures WASM adapter loading.
type AdaptersConfig struct {
	// Dir holds adapter manifests. Empty disables WASM adapters.
	Dir   string `yaml:"dir" env:"DIR"`
	Watch bool   `yaml:"watch" env:"WATCH"`

	Timeout          time.Duration `yaml:"timeout" env:"TIMEOUT" validate:"gte=0"`
	MemoryLimitPages uint32        `yaml:"memory_limit_pages" env:"MEMORY_LIMIT_PAGES"`
	Capabilities     []string      `yaml:"capabilities" env:"CAPABILITIES" validate:"dive,oneof=log env:read"`
}

// DriverConfig configures the serve loop that ticks the queues.
type DriverConfig struct {
	// TicksPerSecond caps the tick rate across all priorities.
	TicksPerSecond float64 `yaml:"ticks_per_second" env:"TICKS_PER_SECOND" validate:"gt=0"`
	Burst          int     `yaml:"burst" env:"BURST" validate:"gte=1"`

	// IdleInterval is how long the driver sleeps when every queue is idle.
	IdleInterval time.Duration `yaml:"idle_interval" env:"IDLE_INTERVAL" validate:"gt=0"`
}

// ClockConfig derives block height from wall time.
type ClockConfig struct {
	Genesis   time.Time     `yaml:"genesis" env:"GENESIS"`
	BlockTime time.Duration `yaml:"block_time" env:"BLOCK_TIME" validate:"gt=0"`
}

// AdminConfig configures the operator API served next to the driver.
type AdminConfig struct {
	// ListenAddress is where the admin API listens. Empty disables it.
	ListenAddress string `yaml:"listen_address" env:"LISTEN_ADDRESS" validate:"omitempty,hostname_port"`
}

// PeerConfig describes a domain served by its own dispatcher and adapters.
type PeerConfig struct {
	Domain      string `yaml:"domain" validate:"required"`
	AdaptersDir string `yaml:"adapters_dir" validate:"required"`

	// RateLimit caps calls forwarded to the peer per second. Zero is
	// unlimited.
	RateLimit float64 `yaml:"rate_limit" validate:"gte=0"`
	Burst     int     `yaml:"burst" validate:"gte=0"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Domain: "local",
		Store: StoreConfig{
			Path: "data/processor",
		},
		Journal: JournalConfig{
			Enabled:   true,
			Path:      "data/journal.db",
			Retention: 30 * 24 * time.Hour,
			Schedule:  "0 2 * * *",
		},
		Callback: CallbackConfig{
			Timeout: 5 * time.Second,
		},
		Adapters: AdaptersConfig{
			Timeout:          30 * time.Second,
			MemoryLimitPages: 256,
			Capabilities:     []string{"log"},
		},
		Driver: DriverConfig{
			TicksPerSecond: 50,
			Burst:          10,
			IdleInterval:   500 * time.Millisecond,
		},
		Clock: ClockConfig{
			Genesis:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			BlockTime: 6 * time.Second,
		},
		Admin: AdminConfig{
			ListenAddress: "127.0.0.1:7420",
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Loader reads configuration. Values are layered: defaults, then the YAML
// file, then .env files, then the process environment.
type Loader struct {
	// EnvFiles are loaded with godotenv before the environment is read.
	// Missing files are ignored. Variables already set are not overridden.
	EnvFiles []string

	// Environment replaces the process environment when set.
	Environment map[string]string
}

// Load reads path (optional) with the default loader.
func Load(path string) (*Config, error) {
	l := &Loader{EnvFiles: []string{".env"}}
	return l.Load(path)
}

// Load reads path (optional) and applies overrides.
func (l *Loader) Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	for _, f := range l.EnvFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}

	opts := env.Options{Prefix: EnvPrefix}
	if l.Environment != nil {
		opts.Environment = l.Environment
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var configValidator = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		return gronx.IsValid(fl.Field().String())
	})
	return v
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	if c.Journal.Enabled && c.Journal.Retention > 0 && c.Journal.Schedule == "" {
		return fmt.Errorf("invalid configuration: journal retention requires a schedule")
	}
	seen := map[string]bool{c.Domain: true}
	for _, p := range c.Peers {
		if seen[p.Domain] {
			return fmt.Errorf("invalid configuration: duplicate domain %q", p.Domain)
		}
		seen[p.Domain] = true
	}
	return nil
}
