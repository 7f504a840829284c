package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up

	"trailstopbot/config"
	"trailstopbot/internal/adapters/ibgateway"
	"trailstopbot/internal/adapters/logger"
	"trailstopbot/internal/adapters/sheets"
	"trailstopbot/internal/adapters/sqlite"
	"trailstopbot/internal/adapters/telegram"
	"trailstopbot/internal/app"
	"trailstopbot/internal/engine"
	"trailstopbot/internal/ports"
	"trailstopbot/internal/tracker"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger, err := logger.New(logger.Config{
		Level:    cfg.LogLevel,
		FilePath: cfg.LogFile,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize logger: %v", err)
	}
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err) // Also log to stderr
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()
	appLogger.Info(context.Background(), "Database repository initialized")

	// 4. Initialize Gateway Client (Broker Adapter)
	gatewayClient, err := ibgateway.New(ibgateway.Config{
		Host:                 cfg.Host,
		Port:                 cfg.Port,
		ClientID:             cfg.ClientID,
		Logger:               appLogger,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize gateway client")
		log.Fatalf("FATAL: Failed to initialize gateway client: %v", err)
	}
	appLogger.Info(context.Background(), "Gateway client initialized")

	// 5. Initialize Trailing-Stop Engine
	eng, err := engine.New(cfg.Trailing, cfg.Overrides, appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize trailing-stop engine")
		log.Fatalf("FATAL: Failed to initialize trailing-stop engine: %v", err)
	}
	appLogger.Info(context.Background(), "Trailing-stop engine initialized", map[string]interface{}{
		"distance": cfg.Trailing.Distance, "percent": cfg.Trailing.Percent, "overrides": len(cfg.Overrides),
	})

	// 6. Initialize Position Tracker
	trk, err := tracker.New(appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize position tracker")
		log.Fatalf("FATAL: Failed to initialize position tracker: %v", err)
	}

	// 7. Initialize Recorder (Google Sheets, optional)
	var recorder ports.Recorder
	if cfg.SheetID != "" {
		sheetRecorder, err := sheets.New(context.Background(), sheets.Config{
			SheetID:          cfg.SheetID,
			CredentialsPath:  cfg.GoogleCredsPath,
			LiveRange:        cfg.LiveRange,
			AdjustmentsRange: cfg.AdjustmentsRange,
			Logger:           appLogger,
		})
		if err != nil {
			appLogger.Error(context.Background(), err, "FATAL: Failed to initialize sheet recorder")
			log.Fatalf("FATAL: Failed to initialize sheet recorder: %v", err)
		}
		recorder = sheetRecorder
	} else {
		appLogger.Warn(context.Background(), "SHEET_ID not set, spreadsheet journal disabled")
	}

	// 8. Initialize Notifier (Telegram, optional)
	var notifier ports.Notifier
	if cfg.TelegramToken != "" {
		tgNotifier, err := telegram.New(telegram.Config{
			Token:  cfg.TelegramToken,
			ChatID: cfg.TelegramChatID,
			Logger: appLogger,
		})
		if err != nil {
			appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Telegram notifier")
			log.Fatalf("FATAL: Failed to initialize Telegram notifier: %v", err)
		}
		notifier = tgNotifier
	} else {
		appLogger.Warn(context.Background(), "TELEGRAM_TOKEN not set, chat alerts disabled")
	}

	// 9. Initialize Application Service
	service, err := app.NewService(
		cfg,
		appLogger,
		gatewayClient, // Pass the concrete implementation, service expects the interface
		trk,
		eng,
		repo, // Position journal
		repo, // Adjustment journal
		recorder,
		notifier,
	)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize application service")
		log.Fatalf("FATAL: Failed to initialize application service: %v", err)
	}

	// 10. Run (blocks until shutdown signal or fatal stream error)
	if err := service.Start(context.Background()); err != nil {
		appLogger.Error(context.Background(), err, "Service terminated with error")
		log.Fatalf("FATAL: Service terminated with error: %v", err)
	}
	appLogger.Info(context.Background(), "Shutdown complete")
}
