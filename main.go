package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"hedge-core/internal/api"
	"hedge-core/internal/engine"
	"hedge-core/internal/events"
	"hedge-core/internal/gateway"
	"hedge-core/internal/journal"
	"hedge-core/internal/monitor"
	"hedge-core/internal/persistence"
	"hedge-core/internal/reconciliation"
	"hedge-core/internal/state"
	"hedge-core/internal/strategy"
	"hedge-core/pkg/cache"
	"hedge-core/pkg/config"
	"hedge-core/pkg/crypto"
	"hedge-core/pkg/db"
	"hedge-core/pkg/i18n"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Msgf(i18n.M().ConfigLoadFailed, err)
	}
	setupLogging(cfg)
	i18n.SetLanguage(i18n.Language(cfg.Language))
	log.Info().Msg(i18n.M().Starting)
	log.Info().Str("port", cfg.Port).Str("state_dir", cfg.StateDir).Msg(i18n.M().ConfigLoaded)

	buildVersion := os.Getenv("APP_VERSION")
	if buildVersion == "" {
		buildVersion = "v0.1-dev"
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence
	log.Info().Msgf(i18n.M().UsingDBPath, cfg.DBPath)
	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatal().Msgf(i18n.M().DBInitFailed, err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatal().Msgf(i18n.M().DBMigrationsFailed, err)
	}
	audit := persistence.NewBatchWriter(database, 50, 500*time.Millisecond)

	jr, err := journal.Open(cfg.JournalPath)
	if err != nil {
		log.Fatal().Msgf(i18n.M().JournalOpenFailed, err)
	}
	defer jr.Close()

	store, err := state.NewStore(cfg.StateDir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.StateDir).Msg("failed to open state store")
	}

	// Observability
	bus := events.NewBus(jr)
	metrics := monitor.New()
	(&monitor.Monitor{Bus: bus, Sinks: []monitor.AlertSink{monitor.LogSink{}}}).Start(ctx)

	// Platforms
	var keys *crypto.KeyManager
	if len(cfg.EncryptionKeys) > 0 {
		if keys, err = crypto.NewKeyManager(cfg.EncryptionKeys); err != nil {
			log.Fatal().Err(err).Msg("invalid encryption keys")
		}
	} else {
		log.Warn().Msg(i18n.M().KeysNotConfigured)
	}
	credentials := gateway.NewCredentialStore(cfg.CredentialsDir, keys)

	prices, err := cfg.Prices()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid paper prices")
	}
	factories := gateway.DefaultFactories(prices)
	if cfg.BinanceTestnet {
		factories[gateway.PlatformBinanceUSDT] = gateway.ForceTestnet(factories[gateway.PlatformBinanceUSDT])
	}
	registry := gateway.NewRegistry(factories, gateway.Config{
		Policies:         cfg.Policies,
		DefaultPolicy:    cfg.DefaultPolicy(),
		OrderRatePerSec:  cfg.OrderRatePerSec,
		OrderBurst:       cfg.OrderBurst,
		HealthInterval:   cfg.HealthInterval,
		FailureThreshold: gateway.DefaultConfig().FailureThreshold,
	})
	restorePlatforms(ctx, registry, credentials)

	// Strategies
	strategies := strategy.DefaultRegistry()
	priceCache := cache.NewPriceCache()
	manager := engine.NewManager(engine.Config{
		PendingTimeout: cfg.PendingTimeout,
		FaultCooldown:  cfg.FaultCooldown,
		AutoResume:     cfg.AutoResume,
	}, state.NewManager(store), registry, strategies, engine.Options{
		DB:      database,
		Audit:   audit,
		Bus:     bus,
		Metrics: metrics,
		Prices:  priceCache,
	})
	if err := manager.RestoreFromDB(ctx); err != nil {
		log.Error().Msgf(i18n.M().InstancesRestoreFailed, err)
	}
	if cfg.StrategiesFile != "" {
		configs, err := strategy.LoadConfig(cfg.StrategiesFile)
		if err != nil {
			log.Error().Msgf(i18n.M().BootstrapFailed, cfg.StrategiesFile, err)
		} else if err := manager.Bootstrap(ctx, configs); err != nil {
			log.Error().Msgf(i18n.M().BootstrapFailed, cfg.StrategiesFile, err)
		} else {
			log.Info().Msgf(i18n.M().BootstrapLoaded, len(configs), cfg.StrategiesFile)
		}
	}

	// Background services
	scheduler := engine.NewScheduler(manager, cfg.TickInterval, cfg.TickWorkers, metrics)
	scheduler.Start(ctx)
	log.Info().Dur("interval", cfg.TickInterval).Int("workers", cfg.TickWorkers).Msg(i18n.M().SchedulerStarted)

	recon := reconciliation.NewService(manager, registry, bus, cfg.ReconcileInterval)
	recon.Start(ctx)
	registry.Start(ctx)
	go housekeeping(ctx, jr, priceCache, manager, registry, cfg.JournalRetention)

	// API
	server := api.NewServer(api.Deps{
		Engine:      manager,
		Platforms:   registry,
		Credentials: credentials,
		Reconciler:  recon,
		Journal:     jr,
		Bus:         bus,
		Metrics:     metrics,
		Strategies:  strategies,
		Meta:        api.SystemMeta{Version: buildVersion, StartedAt: time.Now()},
	}, api.Options{
		RequestTimeout: cfg.RequestTimeout,
		RateLimitRPS:   cfg.RateLimitRPS,
		CORSOrigins:    cfg.CORSOrigins,
	})
	httpServer := server.HTTPServer(ctx, ":"+cfg.Port)
	go func() {
		log.Info().Msgf(i18n.M().ServerListening, httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Msgf(i18n.M().APIServerError, err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info().Msg(i18n.M().ShuttingDown)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("API server shutdown")
	}
	// Stop ticking first so no fill is in flight when stores close.
	scheduler.Stop()
	cancel()
	if err := audit.Close(); err != nil {
		log.Error().Err(err).Msg("order audit flush failed")
	}
	registry.Close()
	log.Info().Msg(i18n.M().ShutdownComplete)
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"})
	}
}

// restorePlatforms registers every platform with stored credentials. A pair
// that fails stays unregistered; its instances fail to start with
// PLATFORM_NOT_CONFIGURED until it is registered again.
func restorePlatforms(ctx context.Context, registry *gateway.Registry, store *gateway.CredentialStore) {
	pairs, err := store.List()
	if err != nil {
		log.Error().Err(err).Msg("failed to list stored credentials")
		return
	}
	for _, p := range pairs {
		creds, err := store.Read(p.Account, p.Platform)
		if err == nil {
			_, err = registry.CreatePlatformForAccount(ctx, p.Account, p.Platform, creds)
		}
		if err != nil {
			log.Error().Msgf(i18n.M().PlatformRestoreFailed, p.Platform, p.Account, err)
			continue
		}
		log.Info().Msgf(i18n.M().PlatformRestored, p.Platform, p.Account)
	}
}

// housekeeping prunes the event journal and stale cached prices.
func housekeeping(ctx context.Context, jr *journal.Journal, prices *cache.PriceCache, manager *engine.Manager, registry *gateway.Registry, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			prices.Cleanup(24 * time.Hour)
			if retention <= 0 {
				continue
			}
			seen := make(map[string]bool)
			for _, account := range append(manager.Accounts(), registry.Accounts()...) {
				if seen[account] {
					continue
				}
				seen[account] = true
				n, err := jr.Prune(account, now.Add(-retention))
				if err != nil {
					log.Error().Err(err).Str("account", account).Msg("journal prune failed")
				} else if n > 0 {
					log.Debug().Str("account", account).Int("removed", n).Msg("journal pruned")
				}
			}
		}
	}
}
