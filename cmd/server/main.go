// Package main provides the entry point for the weaver server: the event
// log, the run manager, the strategy event router, and the HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/weaverhq/weaver/internal/api"
	"github.com/weaverhq/weaver/internal/backtest"
	"github.com/weaverhq/weaver/internal/bars"
	"github.com/weaverhq/weaver/internal/config"
	"github.com/weaverhq/weaver/internal/eventlog"
	"github.com/weaverhq/weaver/internal/exchange"
	"github.com/weaverhq/weaver/internal/orders"
	"github.com/weaverhq/weaver/internal/router"
	"github.com/weaverhq/weaver/internal/runs"
	"github.com/weaverhq/weaver/internal/storage"
	"github.com/weaverhq/weaver/internal/strategy"
	"github.com/weaverhq/weaver/internal/telemetry"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	host := flag.String("host", "", "Server host (overrides config)")
	port := flag.Int("port", 0, "Server port (overrides config)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	strategyDir := flag.String("strategies", "", "Directory of strategy manifests to discover")
	adapterDir := flag.String("adapters", "", "Directory of adapter manifests to discover")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger is not up yet.
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	defer logger.Sync()

	logger.Info("starting weaver",
		zap.String("version", version),
		zap.String("addr", cfg.Addr()),
		zap.String("adapter", cfg.Exchange.Adapter),
		zap.Bool("persistent", cfg.Storage.URL != ""),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence: Postgres when a storage URL is configured, memory
	// otherwise.
	var (
		elog       eventlog.Log
		runRepo    runs.Repository
		orderStore orders.Store
		barRepo    bars.Repository
		offsets    eventlog.OffsetStore
	)
	if cfg.Storage.URL != "" {
		if cfg.Storage.Migrate {
			if err := storage.Migrate(logger, cfg.Storage.URL); err != nil {
				logger.Fatal("migrations failed", zap.Error(err))
			}
		}
		pool, err := storage.Connect(ctx, cfg.Storage.URL)
		if err != nil {
			logger.Fatal("storage connection failed", zap.Error(err))
		}
		defer pool.Close()

		pgLog := eventlog.NewPostgresLog(logger, pool)
		go func() {
			if err := pgLog.Listen(ctx); err != nil {
				logger.Error("event listener stopped", zap.Error(err))
			}
		}()
		elog = pgLog
		offsets = eventlog.NewPostgresOffsetStore(pool)
		runRepo = runs.NewPostgresRepository(pool)
		orderStore = orders.NewPostgresStore(pool)
		barRepo = bars.NewPostgresRepository(pool)
	} else {
		elog = eventlog.NewMemoryLog(logger)
		runRepo = runs.NewMemoryRepository()
		orderStore = orders.NewMemoryStore()
		barRepo = bars.NewMemoryRepository(logger)
	}

	// Strategy catalog: built-ins plus anything discovered on disk.
	registry := strategy.NewRegistry()
	strategyLoader := strategy.NewLoader(logger, registry)
	strategy.RegisterBuiltins(registry, strategyLoader)
	if *strategyDir != "" {
		if err := strategyLoader.Discover(*strategyDir); err != nil {
			logger.Warn("strategy discovery failed", zap.Error(err))
		}
	}

	adapterLoader := exchange.NewLoader(logger)
	exchange.RegisterBuiltins(adapterLoader)
	if *adapterDir != "" {
		if err := adapterLoader.Discover(*adapterDir); err != nil {
			logger.Warn("adapter discovery failed", zap.Error(err))
		}
	}

	adapter, err := adapterLoader.Load(cfg.Exchange.Adapter, exchange.Credentials{
		APIKey:    cfg.Exchange.APIKey,
		APISecret: cfg.Exchange.APISecret,
		BaseURL:   cfg.Exchange.BaseURL,
		StreamURL: cfg.Exchange.StreamURL,
		Paper:     cfg.Exchange.Paper,
	})
	if err != nil {
		logger.Fatal("adapter load failed", zap.String("adapter", cfg.Exchange.Adapter), zap.Error(err))
	}

	manager := runs.NewManager(logger, runs.Deps{
		Log:        elog,
		Runs:       runRepo,
		Orders:     orderStore,
		Strategies: strategyLoader,
		Bars:       barRepo,
		Adapter:    adapter,
		Sim:        simConfig(logger, cfg),
	})

	// Runs left in the running state by a previous process cannot be
	// resumed; mark them failed before accepting traffic.
	if err := manager.Recover(ctx); err != nil {
		logger.Fatal("run recovery failed", zap.Error(err))
	}

	eventRouter := router.New(logger, elog, manager.ResolveMode)
	if offsets != nil {
		eventRouter.UseOffsetStore(offsets)
	}
	if err := eventRouter.Start(ctx); err != nil {
		logger.Fatal("event router failed", zap.Error(err))
	}

	metrics := telemetry.New(manager.ActiveRuns)
	metrics.ObserveLog(elog)

	stream := api.NewBroadcaster(logger, elog, cfg.SSE.Heartbeat, cfg.SSE.ClientCapacity, metrics.SSEClientConnected)

	server := api.NewServer(logger, api.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Version:        version,
	}, api.Deps{
		Manager:    manager,
		Orders:     orderStore,
		Bars:       barRepo,
		Strategies: strategyLoader,
		Adapters:   adapterLoader,
		Adapter:    adapter,
		Stream:     stream,
		Metrics:    metrics,
	})

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
		}
	}()

	logger.Info("weaver started",
		zap.String("http", "http://"+cfg.Addr()+"/api/v1"),
		zap.String("stream", "http://"+cfg.Addr()+"/api/v1/events/stream"),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop producers before consumers: active runs first, then the router
	// and metrics subscriptions, then the HTTP listener.
	manager.StopAll(shutdownCtx)
	eventRouter.Stop()
	metrics.Close(elog)
	cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("weaver stopped")
}

// simConfig builds the backtest simulator settings from configuration,
// keeping the defaults for anything malformed.
func simConfig(logger *zap.Logger, cfg *config.Config) backtest.SimConfig {
	sim := backtest.DefaultSimConfig()
	sim.MarketFill = backtest.MarketFillMode(cfg.Backtest.MarketFill)
	setDecimal(logger, &sim.SlippageBps, "backtest.slippage_bps", cfg.Backtest.SlippageBps)
	setDecimal(logger, &sim.CommissionBps, "backtest.commission_bps", cfg.Backtest.CommissionBps)
	setDecimal(logger, &sim.CommissionFloor, "backtest.commission_floor", cfg.Backtest.CommissionFloor)
	setDecimal(logger, &sim.InitialCash, "backtest.initial_cash", cfg.Backtest.InitialCash)
	return sim
}

func setDecimal(logger *zap.Logger, dst *decimal.Decimal, key, raw string) {
	if raw == "" {
		return
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		logger.Warn("invalid decimal setting", zap.String("key", key), zap.String("value", raw))
		return
	}
	*dst = d
}

func setupLogger(level, format string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if format == "json" {
		encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         format,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
