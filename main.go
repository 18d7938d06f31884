package main

import (
	"context"
	"fmt"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"net/http"

	"bracketbot/config"
	"bracketbot/internal/adapters/binanceclient"
	"bracketbot/internal/adapters/logger"
	"bracketbot/internal/adapters/sqlite"
	"bracketbot/internal/adapters/telegram"
	"bracketbot/internal/app"
	"bracketbot/internal/engine"
	"bracketbot/internal/monitoring"
	"bracketbot/internal/risk"
	"bracketbot/internal/sizing"
	"bracketbot/internal/strategy"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	ctx := context.Background()
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize Store (Database Adapter)
	store, err := sqlite.NewStore(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize position store")
		log.Fatalf("FATAL: Failed to initialize position store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			appLogger.Error(ctx, err, "Error closing position store")
		}
	}()
	appLogger.Info(ctx, "Position store initialized", map[string]interface{}{"dbPath": cfg.DBPath})

	// 4. Initialize Exchange Client (Binance Adapter)
	exchange, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.IsTestnet,
		Logger:     appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}
	appLogger.Info(ctx, "Binance client initialized", map[string]interface{}{"testnet": cfg.IsTestnet})

	// 5. Initialize Notifier
	notifier, err := telegram.New(telegram.Config{
		Token:  cfg.TelegramToken,
		ChatID: cfg.TelegramChatID,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize Telegram notifier")
		log.Fatalf("FATAL: Failed to initialize Telegram notifier: %v", err)
	}

	// 6. Initialize Strategy
	strat, err := strategy.New(strategy.Config{
		ShortTermMAPeriod: cfg.StrategyShortMAPeriod,
		LongTermMAPeriod:  cfg.StrategyLongMAPeriod,
		EMAPeriod:         cfg.StrategyEMAPeriod,
		RSIPeriod:         cfg.StrategyRSIPeriod,
		RSIOverbought:     cfg.StrategyRSIOverbought,
		RSIOversold:       cfg.StrategyRSIOversold,
	}, appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize trading strategy")
		log.Fatalf("FATAL: Failed to initialize trading strategy: %v", err)
	}

	// 7. Exchange filters per symbol, from configuration.
	filter, err := sizing.ParseFilter(cfg.QtyStep, cfg.MinQty, cfg.MinNotional)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Invalid exchange filter configuration")
		log.Fatalf("FATAL: Invalid exchange filter configuration: %v", err)
	}
	filters := make(map[string]sizing.Filter, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		filters[sym] = filter
	}

	// 8. Initialize Risk Manager
	riskMgr, err := risk.NewManager(risk.Config{
		MaxOpenPositions: cfg.MaxOpenPositions,
		MaxDrawdownPct:   cfg.MaxDrawdownPct,
		StaleDataLimit:   cfg.StaleDataLimit,
		ClockSkewLimit:   cfg.ClockSkewLimit,
	}, appLogger, notifier)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize risk manager")
		log.Fatalf("FATAL: Failed to initialize risk manager: %v", err)
	}

	// 9. Initialize Execution Engine
	eng, err := engine.New(engine.Config{
		StopLossPct:           cfg.StopLoss,
		TakeProfitPct:         cfg.TakeProfit,
		TrailingActivationPct: cfg.TrailingActivation,
		TrailingATRMult:       cfg.TrailingATRMult,
		ATRPeriod:             cfg.ATRPeriod,
		PartialFillThreshold:  cfg.PartialFillThreshold,
		FeeRate:               cfg.FeeRate,
		BracketMaxAttempts:    cfg.BracketMaxAttempts,
		BracketBackoffMin:     cfg.BracketBackoffMin,
		BracketBackoffMax:     cfg.BracketBackoffMax,
	}, appLogger, exchange, store, notifier, filters)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize execution engine")
		log.Fatalf("FATAL: Failed to initialize execution engine: %v", err)
	}

	// 10. Optional metrics listener
	if cfg.MetricsPort > 0 {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.MetricsPort)
			mux := http.NewServeMux()
			mux.Handle("/metrics", monitoring.Handler())
			appLogger.Info(ctx, "Metrics listener starting", map[string]interface{}{"addr": addr})
			if err := http.ListenAndServe(addr, mux); err != nil {
				appLogger.Error(ctx, err, "Metrics listener stopped")
			}
		}()
	}

	// 11. Initialize Application Service
	service, err := app.NewService(cfg, app.Deps{
		Logger:   appLogger,
		Exchange: exchange,
		Store:    store,
		Ledger:   store,
		Strategy: strat,
		Risk:     riskMgr,
		Engine:   eng,
		Notifier: notifier,
		Commands: notifier,
		Filters:  filters,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize trading service")
		log.Fatalf("FATAL: Failed to initialize trading service: %v", err)
	}

	// 12. Run
	if err := service.Run(ctx); err != nil {
		appLogger.Error(ctx, err, "Trading service exited with error")
		log.Fatalf("FATAL: Trading service exited with error: %v", err)
	}
	appLogger.Info(ctx, "Application finished gracefully.")
}
