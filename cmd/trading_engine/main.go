// Command trading_engine runs the multi-strategy futures trading engine:
// a cooperative scheduler ticking every active strategy, a crash-safe order
// manager, and a health monitor, against Binance USDT perpetuals.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"trading_engine/internal/alert"
	"trading_engine/internal/config"
	"trading_engine/internal/core"
	"trading_engine/internal/engine"
	"trading_engine/internal/exchange"
	"trading_engine/internal/health"
	"trading_engine/internal/orders"
	"trading_engine/internal/risk"
	"trading_engine/internal/storage"
	"trading_engine/pkg/concurrency"
	"trading_engine/pkg/logging"
	"trading_engine/pkg/telemetry"
)

const serviceName = "trading_engine"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// Optional .env for local runs; the process environment wins.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger.Info("Starting trading engine",
		"testnet", cfg.Exchange.UseTestnet, "data_dir", cfg.Engine.DataDir,
		"tick_interval", cfg.TickInterval().String())
	if cfg.ReadOnly() {
		logger.Warn("No exchange credentials configured, order submission will fail; market data only")
	}

	tel, err := telemetry.Setup(serviceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "engine",
		MaxWorkers:  10,
		MaxCapacity: 100,
		NonBlocking: true,
	}, logger)

	alerter := alert.NewManager(pool, logger)
	if cfg.Alert.TelegramBotToken != "" && cfg.Alert.TelegramChatID != "" {
		alerter.AddChannel(alert.NewTelegramChannel(cfg.Alert.TelegramBotToken, cfg.Alert.TelegramChatID))
	}

	store, err := storage.NewFileStore(cfg.Engine.DataDir, logger)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	ex := exchange.NewBinanceExchange(&cfg.Exchange, logger, pool)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := ex.FetchMarkets(ctx); err != nil {
		// Not fatal: the cache refreshes on demand and retries hourly.
		logger.Warn("Initial markets fetch failed", "error", err)
	}

	strategies, err := store.LoadStrategies()
	if err != nil {
		return fmt.Errorf("load strategies: %w", err)
	}
	logger.Info("Loaded strategies", "count", len(strategies))

	if cfg.Exchange.EnablePriceStream {
		symbols := activeSymbols(strategies)
		if len(symbols) > 0 {
			if err := ex.StartPriceStream(ctx, symbols, cfg.Exchange.UseTestnet); err != nil {
				logger.Warn("Price stream unavailable", "error", err)
			}
		}
	}

	orderManager := orders.NewManager(store, ex, alerter, logger, cfg.OrderTimeout(), cfg.GhostTimeout())
	gate := risk.NewGate(store, ex, logger)
	eng := engine.NewEngine(store, ex, orderManager, gate, alerter, logger,
		cfg.Engine.MaxConsecutiveErrors, cfg.RiskAlertCooldown())
	monitor := health.NewMonitor(store, alerter, logger,
		time.Duration(cfg.Health.IntervalMin)*time.Minute,
		cfg.Health.AutoDisable, cfg.Health.MaxErrors, eng.DisableStrategy)
	scheduler := engine.NewScheduler(eng, store, logger, cfg.TickInterval())

	jobs := cron.New()
	_, err = jobs.AddFunc("@hourly", func() {
		if _, err := ex.FetchMarkets(ctx); err != nil {
			logger.Warn("Markets refresh failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule markets refresh: %w", err)
	}
	_, err = jobs.AddFunc(fmt.Sprintf("@every %dm", cfg.Health.IntervalMin), func() {
		current, err := store.LoadStrategies()
		if err != nil {
			logger.Error("Health sweep could not load strategies", "error", err)
			return
		}
		monitor.Sweep(ctx, current)
	})
	if err != nil {
		return fmt.Errorf("schedule health sweep: %w", err)
	}
	jobs.Start()

	var metricsServer *telemetry.MetricsServer
	if cfg.Telemetry.EnableMetrics {
		metricsServer = telemetry.NewMetricsServer(cfg.Telemetry.MetricsPort, logger)
		metricsServer.Start()
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return scheduler.Run(groupCtx)
	})

	err = group.Wait()
	logger.Info("Shutting down", "cause", err)

	jobs.Stop()
	if cfg.System.CancelOnExit {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		eng.CancelAllOnShutdown(shutdownCtx)
		cancel()
	}
	if metricsServer != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Stop(stopCtx); err != nil {
			logger.Error("Metrics server shutdown failed", "error", err)
		}
		cancel()
	}
	pool.StopAndWait()

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tel.Shutdown(flushCtx); err != nil {
		logger.Error("Telemetry shutdown failed", "error", err)
	}

	logger.Info("Trading engine stopped")
	return nil
}

// activeSymbols deduplicates the symbols of active strategies
func activeSymbols(strategies []*core.Strategy) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range strategies {
		if !s.Active || seen[s.Symbol] {
			continue
		}
		seen[s.Symbol] = true
		out = append(out, s.Symbol)
	}
	return out
}
