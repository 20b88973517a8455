package main

import (
	"context"
	"log" // Standard log is used for fatal exits, including those before the logger is set up
	"os"
	"os/signal"
	"syscall"

	"tradeengine/config"
	"tradeengine/internal/adapters/binanceclient"
	"tradeengine/internal/adapters/logger"
	"tradeengine/internal/adapters/notifier"
	"tradeengine/internal/adapters/sqlite"
	"tradeengine/internal/app"
	"tradeengine/internal/circuitbreaker"
	"tradeengine/internal/dedup"
	"tradeengine/internal/executor"
	"tradeengine/internal/locks"
	"tradeengine/internal/ports"
	"tradeengine/internal/sizing"
	"tradeengine/internal/stream"
)

func main() {
	// 1. Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}
	defaults, err := config.LoadGlobalDefaults(cfg.GlobalDefaultsPath)
	if err != nil {
		log.Fatalf("FATAL: Failed to load trading defaults: %v", err)
	}

	// 2. Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	ctx := context.Background()
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Persistence
	store, err := sqlite.New(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize trade store")
		log.Fatalf("FATAL: Failed to initialize trade store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			appLogger.Error(ctx, err, "Error closing trade store")
		}
	}()
	appLogger.Info(ctx, "Trade store initialized", map[string]interface{}{"path": cfg.DBPath})

	// 4. Venue client
	venueClient, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.UseTestnet,
		BaseURL:    cfg.RestBaseURL,
		Logger:     appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize venue client")
		log.Fatalf("FATAL: Failed to initialize venue client: %v", err)
	}

	// 5. Engine components
	alerts := notifier.NewLogNotifier(appLogger)
	clock := ports.SystemClock{}
	lockRegistry := locks.New()
	venues := &app.StaticVenueProvider{Client: venueClient}

	exec, err := executor.New(
		venues,
		store,
		alerts,
		appLogger,
		lockRegistry,
		dedup.New(store, clock, defaults.DedupWindow),
		circuitbreaker.New(store),
		sizing.New(),
		executor.NewSymbolInfoCache(venueClient, clock),
	)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize executor")
		log.Fatalf("FATAL: Failed to initialize executor: %v", err)
	}

	service, err := app.NewTradingService(
		appLogger,
		store,
		exec,
		venues,
		&app.StaticUserDirectory{UserIDs: []string{cfg.UserID}},
		app.NoOverrides{},
		defaults.Globals,
	)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize trading service")
		log.Fatalf("FATAL: Failed to initialize trading service: %v", err)
	}

	// 6. User-data stream
	consumer := stream.New(venueClient, store, alerts, appLogger, lockRegistry, cfg.UserID, stream.Config{
		WSBaseURL:          cfg.WSBaseURL,
		ReconnectBaseDelay: cfg.ReconnectBaseDelay,
		ReconnectMaxDelay:  cfg.ReconnectMaxDelay,
		MaxAttempts:        cfg.MaxReconnectAttempts,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLogger.Info(runCtx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
		cancel()
	}()

	if err := consumer.Start(runCtx); err != nil {
		appLogger.Error(runCtx, err, "FATAL: Failed to start user-data stream")
		log.Fatalf("FATAL: Failed to start user-data stream: %v", err)
	}
	defer consumer.Stop(ctx)
	appLogger.Info(runCtx, "User-data stream started")

	// 7. Run until shutdown
	if err := service.Run(runCtx); err != nil {
		appLogger.Error(runCtx, err, "Trading service exited with error")
		log.Fatalf("FATAL: Trading service exited with error: %v", err)
	}

	appLogger.Info(ctx, "Application finished gracefully.")
}
