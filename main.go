package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bot-core/internal/api"
	"bot-core/internal/balance"
	"bot-core/internal/engine"
	"bot-core/internal/events"
	"bot-core/internal/gateway"
	"bot-core/internal/history"
	"bot-core/internal/monitor"
	"bot-core/internal/notify"
	"bot-core/internal/strategy"
	"bot-core/pkg/cache"
	"bot-core/pkg/config"
	"bot-core/pkg/crypto"
	"bot-core/pkg/db"
	"bot-core/pkg/i18n"
	"bot-core/pkg/license"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf(i18n.Get("ConfigLoadFailed"), err)
	}

	i18n.SetLanguage(i18n.Language(cfg.Language))
	log.Println(i18n.Get("Starting"))

	if cfg.LicenseSecret != "" {
		if err := license.NewManager(cfg.LicenseSecret).Validate(cfg.LicenseToken); err != nil {
			log.Fatalf(i18n.Get("LicenseInvalid"), err)
		}
	}

	log.Printf(i18n.Get("ConfigLoaded"), cfg.Port)
	log.Printf(i18n.Get("UsingDBPath"), cfg.DBPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf(i18n.Get("DBInitFailed"), err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf(i18n.Get("DBMigrationsFailed"), err)
	}

	// Broker token encryption. Running without keys keeps the server up,
	// but every stored token is unusable until keys are configured.
	var keys *crypto.KeyManager
	if cfg.EncryptionKeys != "" {
		keys, err = crypto.NewKeyManager(cfg.EncryptionKeys, cfg.EncryptionActive)
		if err != nil {
			log.Printf(i18n.Get("EncryptionDisabled"), err)
			keys = nil
		}
	} else {
		log.Printf(i18n.Get("EncryptionDisabled"), crypto.ErrNoKeys)
	}

	// Trade history and the cross-process session guard
	hist := history.NewService(database, history.DefaultConfig())
	defer hist.Close()
	guard := history.NewGuard(database, 2*time.Minute)

	// Broker gateway pool: one websocket client per active user
	venue := cfg.DerivWSURL
	var factory gateway.ClientFactory
	if cfg.DryRun {
		venue = "paper"
		factory = gateway.PaperFactory(*cfg)
		log.Println(i18n.Get("DryRunMode"))
	} else {
		factory = gateway.LiveFactory(*cfg)
		log.Printf(i18n.Get("LiveMode"), venue)
	}
	pool := gateway.NewManager(database, keys, factory, gateway.DefaultConfig())
	pool.Start(ctx)
	defer pool.Stop()
	log.Println(i18n.Get("GatewayPoolStarted"))

	// Per-user balance trackers ride the pooled broker clients.
	balances := balance.NewMultiUserManager(func(userID string) (*balance.Manager, error) {
		client, err := pool.GetOrCreate(ctx, userID)
		if err != nil {
			return nil, err
		}
		return balance.NewManager(client, 30*time.Second), nil
	})

	// Candle cache shared by every session so five bots on R_50 cost one
	// history request per granularity.
	candles := cache.NewShardedCandleCache()

	// Monitoring
	metrics := monitor.NewSystemMetrics()
	log.Println(i18n.Get("MetricsInit"))
	alerter := monitor.NewAlerter(metrics, bus, monitor.AlertConfig{})
	alerter.Start(ctx)
	log.Println(i18n.Get("AlerterStarted"))

	// Optional strategy presets; a bad file is fatal so a typo does not
	// silently trade the default setup.
	if cfg.StrategyFile != "" {
		presets, err := strategy.LoadPresets(cfg.StrategyFile)
		if err != nil {
			log.Fatalf(i18n.Get("PresetsLoadFailed"), err)
		}
		log.Printf(i18n.Get("PresetsLoaded"), len(presets), cfg.StrategyFile)
	}

	// Bot orchestrator
	orchestrator := engine.NewManager(*cfg, engine.ManagerDeps{
		Gateway:  pool,
		Balances: balances,
		History:  hist,
		Guard:    guard,
		Bus:      bus,
		Metrics:  metrics,
		Cache:    candles,
	}, engine.ManagerConfig{MaxBots: cfg.MaxBots})
	go orchestrator.Run(ctx)
	log.Printf(i18n.Get("OrchestratorInit"), cfg.MaxBots)

	// Notifications
	sinks := []notify.Sink{notify.NewLogSink()}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.WebhookURL))
	}
	notify.NewService(bus, sinks...).Start(ctx)

	version := os.Getenv("APP_VERSION")
	if version == "" {
		version = "v1.0-dev"
	}

	// API
	server := api.NewServer(
		bus,
		database,
		orchestrator,
		pool,
		balances,
		hist,
		metrics,
		keys,
		api.SystemMeta{
			DryRun:  cfg.DryRun,
			Venue:   venue,
			Symbols: cfg.Symbols,
			Version: version,
		},
		cfg.JWTSecret,
	)
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf(i18n.Get("APIServerError"), err)
		}
	}()
	log.Printf(i18n.Get("ServerListening"), cfg.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println(i18n.Get("ShuttingDown"))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	// Stop trading before the HTTP surface goes away so settlements in
	// flight can finish and persist.
	log.Println(i18n.Get("StoppingAllBots"))
	orchestrator.StopAll(shutdownCtx)
	orchestrator.Close()
	log.Println(i18n.Get("AllBotsStopped"))

	_ = httpSrv.Shutdown(shutdownCtx)
	cancel()

	if err := hist.Flush(); err != nil {
		log.Printf(i18n.Get("HistoryFlushFailed"), err)
	}
	log.Println(i18n.Get("ShutdownComplete"))
}
