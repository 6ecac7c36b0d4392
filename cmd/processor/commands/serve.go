package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/processor/pkg/adapters/wasm"
	"github.com/openfroyo/processor/pkg/admin"
	"github.com/openfroyo/processor/pkg/bridge"
	"github.com/openfroyo/processor/pkg/callback"
	"github.com/openfroyo/processor/pkg/config"
	"github.com/openfroyo/processor/pkg/driver"
	"github.com/openfroyo/processor/pkg/engine"
	"github.com/openfroyo/processor/pkg/kvstore"
	"github.com/openfroyo/processor/pkg/stores"
	"github.com/openfroyo/processor/pkg/telemetry"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(version string) *cobra.Command {
	var noDriver bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine",
		Long: `Run the batch execution engine.

serve opens the store, loads WASM adapters, and then runs until interrupted:
  - the driver, which ticks the high, medium and low queues in turn
  - the admin API used by the other commands
  - the metrics endpoint
  - the journal purge on its cron schedule

Resolved batches are reported to the configured webhook and recorded in the
journal.`,
		Example: `  # Run with a config file
  processor serve -c processor.yaml

  # Run without ticking, e.g. to inspect queues with "processor queue list"
  processor serve -c processor.yaml --no-driver

  # Override settings from the environment
  PROCESSOR_CALLBACK_WEBHOOK_URL=http://authorizer:8080/callbacks processor serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if verbose {
				cfg.Telemetry.Logging.Level = "debug"
			}
			cfg.Telemetry.ServiceVersion = version
			return runServe(cmd.Context(), cfg, version, !noDriver)
		},
	}

	cmd.Flags().BoolVar(&noDriver, "no-driver", false, "do not tick the queues; use \"processor queue tick\" instead")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, version string, runDriver bool) error {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown incomplete")
		}
	}()
	logger := tel.Logger

	db, err := kvstore.Open(kvstore.Config{
		Path:     cfg.Store.Path,
		InMemory: cfg.Store.InMemory,
		NoSync:   cfg.Store.NoSync,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer db.Close()

	journal, err := openJournal(ctx, cfg.Journal)
	if err != nil {
		return err
	}
	if journal != nil {
		defer journal.Close()
		tel.Events.Subscribe(stores.JournalEvents(journal, 5*time.Second, logger), nil)
	}

	sink, err := newCallbackSink(cfg.Callback, journal, logger)
	if err != nil {
		return err
	}

	dispatcher := engine.NewDomainDispatcher(cfg.Domain,
		engine.WithDispatcherTelemetry(logger, tel.Metrics, tel.Tracer))

	registries, err := loadAdapters(ctx, cfg, dispatcher, tel)
	for _, reg := range registries {
		defer func(reg *wasm.Registry) {
			if err := reg.Close(context.Background()); err != nil {
				logger.WithError(err).Warn("Failed to close adapters")
			}
		}(reg)
	}
	if err != nil {
		return err
	}

	proc, err := engine.NewProcessor(db, engine.ProcessorConfig{
		Dispatcher: dispatcher,
		Sink:       sink,
		Clock:      engine.NewBlockClock(cfg.Clock.Genesis, cfg.Clock.BlockTime),
		Events:     tel.Events,
		Logger:     logger,
		Metrics:    tel.Metrics,
		Tracer:     tel.Tracer,
	})
	if err != nil {
		return err
	}

	var d *driver.Driver
	if runDriver {
		d, err = driver.New(proc, driver.Config{
			TicksPerSecond: cfg.Driver.TicksPerSecond,
			Burst:          cfg.Driver.Burst,
			IdleInterval:   cfg.Driver.IdleInterval,
		}, logger)
		if err != nil {
			return err
		}
	}

	var maintenance *driver.Maintenance
	if journal != nil && cfg.Journal.Retention > 0 {
		maintenance, err = driver.NewMaintenance(journal, cfg.Journal.Schedule, cfg.Journal.Retention, logger)
		if err != nil {
			return err
		}
	}

	var adminSrv *admin.Server
	if cfg.Admin.ListenAddress != "" {
		adminCfg := admin.Config{Processor: proc, Logger: logger, Version: version}
		if journal != nil {
			adminCfg.Journal = journal
		}
		adminSrv, err = admin.NewServer(adminCfg)
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  []error
	)
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				errMu.Unlock()
				cancel()
			}
		}()
	}

	if d != nil {
		spawn("driver", d.Run)
	}
	if maintenance != nil {
		spawn("maintenance", maintenance.Run)
	}
	if adminSrv != nil {
		spawn("admin", func(ctx context.Context) error {
			return adminSrv.ListenAndServe(ctx, cfg.Admin.ListenAddress)
		})
	}

	metricsErr := tel.Metrics.StartMetricsServer()
	spawn("metrics", func(ctx context.Context) error {
		select {
		case err := <-metricsErr:
			return err
		case <-ctx.Done():
			return nil
		}
	})

	logger.
		WithField("domain", cfg.Domain).
		WithField("peers", len(cfg.Peers)).
		WithField("adapters", dispatcher.Adapters()).
		WithField("driver", runDriver).
		Info("Processor started")

	<-ctx.Done()
	logger.Info("Processor stopping")
	cancel()
	wg.Wait()

	return errors.Join(errs...)
}

func openJournal(ctx context.Context, cfg config.JournalConfig) (*stores.SQLiteStore, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	journal, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Path})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if err := journal.Init(ctx); err != nil {
		_ = journal.Close()
		return nil, fmt.Errorf("failed to initialize journal: %w", err)
	}
	if err := journal.Migrate(ctx); err != nil {
		_ = journal.Close()
		return nil, fmt.Errorf("failed to migrate journal: %w", err)
	}
	return journal, nil
}

// newCallbackSink returns the webhook sink, journaled when the journal is
// enabled. Without a webhook URL outcomes are only persisted.
func newCallbackSink(cfg config.CallbackConfig, journal *stores.SQLiteStore, logger *telemetry.Logger) (engine.CallbackSink, error) {
	if cfg.WebhookURL == "" {
		logger.Warn("No callback webhook configured; outcomes are only persisted")
		return nil, nil
	}

	webhook, err := callback.NewWebhookSink(callback.WebhookConfig{
		URL:     cfg.WebhookURL,
		Timeout: cfg.Timeout,
		Headers: cfg.Headers,
	})
	if err != nil {
		return nil, err
	}
	if journal == nil {
		return webhook, nil
	}
	return callback.NewJournalSink(webhook, webhook.Name(), journal, logger), nil
}

// loadAdapters loads the local adapter directory and every peer domain, and
// bridges the peers into dispatcher. The registries are returned even on
// error so the caller can close them.
func loadAdapters(ctx context.Context, cfg *config.Config, dispatcher *engine.DomainDispatcher, tel *telemetry.Telemetry) ([]*wasm.Registry, error) {
	hostCfg := wasm.HostConfig{
		Timeout:          cfg.Adapters.Timeout,
		MemoryLimitPages: cfg.Adapters.MemoryLimitPages,
	}
	caps := make([]wasm.Capability, len(cfg.Adapters.Capabilities))
	for i, c := range cfg.Adapters.Capabilities {
		caps[i] = wasm.Capability(c)
	}

	var registries []*wasm.Registry
	load := func(d *engine.DomainDispatcher, dir string) error {
		reg := wasm.NewRegistry(d, hostCfg, tel.Logger)
		reg.SetAllowedCapabilities(caps)
		registries = append(registries, reg)

		dirLog := tel.Logger.WithField("domain", d.LocalDomain()).WithField("dir", dir)
		if cfg.Adapters.Watch {
			return reg.Watch(ctx, dir, wasm.DefaultReloadDelay, func(err error) {
				if err != nil {
					dirLog.WithError(err).Warn("Adapter reload incomplete")
					return
				}
				dirLog.WithField("adapters", reg.Addresses()).Info("Adapters reloaded")
			})
		}
		if err := reg.Sync(ctx, dir); err != nil {
			dirLog.WithError(err).Warn("Some adapters failed to load")
		}
		return nil
	}

	if cfg.Adapters.Dir != "" {
		if err := load(dispatcher, cfg.Adapters.Dir); err != nil {
			return registries, err
		}
	}

	for _, peer := range cfg.Peers {
		remote := engine.NewDomainDispatcher(peer.Domain,
			engine.WithDispatcherTelemetry(tel.Logger, tel.Metrics, tel.Tracer))
		if err := load(remote, peer.AdaptersDir); err != nil {
			return registries, err
		}
		dispatcher.RegisterBridge(peer.Domain, bridge.NewInProcess(remote,
			bridge.WithRateLimit(peer.RateLimit, peer.Burst),
			bridge.WithLogger(tel.Logger)))
	}

	return registries, nil
}
