// Package main is the operator entry point for the trading engine.
//
// Exit codes: 0 clean shutdown, 1 fatal error or consecutive-timeout
// restart request, 2 configuration error.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ver3-trading/engine/internal/api"
	"github.com/ver3-trading/engine/internal/clock"
	"github.com/ver3-trading/engine/internal/command"
	"github.com/ver3-trading/engine/internal/config"
	"github.com/ver3-trading/engine/internal/engine"
	"github.com/ver3-trading/engine/internal/exchange"
	"github.com/ver3-trading/engine/internal/executor"
	"github.com/ver3-trading/engine/internal/factors"
	"github.com/ver3-trading/engine/internal/metrics"
	"github.com/ver3-trading/engine/internal/notify"
	"github.com/ver3-trading/engine/internal/portfolio"
	"github.com/ver3-trading/engine/internal/regime"
	"github.com/ver3-trading/engine/internal/store"
	"github.com/ver3-trading/engine/internal/strategy"
	"github.com/ver3-trading/engine/pkg/types"
)

const (
	exitOK     = 0
	exitFatal  = 1
	exitConfig = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "Path to YAML config file")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	dryRun := flag.Bool("dry-run", false, "Force dry-run mode")
	live := flag.Bool("live", false, "Force live trading mode")
	coinsFlag := flag.String("coins", "", "Comma-separated coin symbols overriding the config")
	stateDir := flag.String("state-dir", "", "State directory overriding the config")
	listen := flag.String("listen", "", "Status server address overriding the config")
	flag.Parse()

	// Best effort; secrets also arrive from the real environment.
	godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}

	if *dryRun && *live {
		fmt.Fprintln(os.Stderr, "configuration error: --dry-run and --live are mutually exclusive")
		return exitConfig
	}
	if *dryRun || os.Getenv("DRY_RUN") == "1" {
		cfg.Trading.DryRun = true
	}
	if *live {
		cfg.Trading.DryRun = false
	}
	if *stateDir != "" {
		cfg.Store.Dir = *stateDir
	}
	if *listen != "" {
		cfg.API.Listen = *listen
	}

	coins := cfg.CoinList()
	if *coinsFlag != "" {
		coins, err = filterCoins(coins, *coinsFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			return exitConfig
		}
	}

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	logger.Info("starting trading engine",
		zap.Bool("dry_run", cfg.Trading.DryRun),
		zap.Int("coins", len(coins)),
		zap.Int("cycle_interval_sec", cfg.Engine.CycleIntervalSec),
		zap.String("state_dir", cfg.Store.Dir))

	st, err := store.New(logger, cfg.Store.Dir)
	if err != nil {
		logger.Error("state store init failed", zap.Error(err))
		return exitFatal
	}
	defer st.Close()

	positions, err := st.LoadPositions()
	if err != nil {
		// A corrupt position table cannot be defaulted away; the
		// operator has to reconcile against the exchange first.
		logger.Error("position table unreadable, refusing to start", zap.Error(err))
		return exitFatal
	}
	engineState := st.LoadEngineState()

	adapter, err := buildAdapter(cfg, coins)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}

	clk := clock.System{}
	m := metrics.New()

	commands := command.NewChanSource(16)

	var server *api.Server
	sinks := notify.Fanout{&notify.LogNotifier{Logger: logger}}
	if cfg.API.Enabled {
		server = api.New(logger, cfg.API.Listen, st, commands, m)
		sinks = append(sinks, server)
	}
	notifier := notify.NewService(logger, sinks)

	execCfg := executor.DefaultConfig()
	execCfg.DryRun = cfg.Trading.DryRun
	execCfg.FeeRate = decimal.NewFromFloat(cfg.Trading.FeeRate)
	execCfg.RiskPerTradePct = decimal.NewFromFloat(cfg.Trading.RiskPerTradePct)
	execCfg.PyramidingEnabled = cfg.Trading.PyramidingEnabled
	exec := executor.New(logger, execCfg, adapter, st, notifier, clk)
	exec.Restore(positions, engineState.ConsecutiveLosses)

	pmCfg := portfolio.Config{
		MaxPositions:         cfg.Risk.MaxPositions,
		MaxDailyLossPct:      cfg.Risk.MaxDailyLossPct,
		MaxConsecutiveLosses: cfg.Risk.MaxConsecutiveLosses,
		PerCoinTimeout:       time.Duration(cfg.Engine.PerCoinTimeoutSec) * time.Second,
		TotalTimeout:         time.Duration(cfg.Engine.TotalTimeoutSec) * time.Second,
		InitialCapital:       decimal.NewFromFloat(cfg.Trading.InitialCapital),
		DailyCloseHourUTC:    cfg.Engine.DailyCloseHourUTC,
		RebalanceEnabled:     cfg.Trading.RebalanceEnabled,
		TargetCoinCount:      cfg.Trading.TargetCoinCount,
		PyramidingEnabled:    cfg.Trading.PyramidingEnabled,
	}
	manager := portfolio.New(logger, pmCfg, coins, adapter,
		regime.NewClassifier(logger), factors.NewManager(logger),
		strategy.New(logger), exec, st, notifier, m, clk)
	manager.Restore(engineState)

	engCfg := engine.Config{
		CycleInterval:               time.Duration(cfg.Engine.CycleIntervalSec) * time.Second,
		MaxConsecutiveTimeoutCycles: cfg.Engine.MaxConsecutiveTimeoutCycles,
	}
	eng := engine.New(logger, engCfg, manager, manager, commands, clk)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go notifier.Run(ctx)
	if server != nil {
		go func() {
			if err := server.Start(); err != nil {
				logger.Error("status server failed", zap.Error(err))
			}
		}()
	}

	err = eng.Run(ctx)

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		server.Stop(shutdownCtx)
		cancel()
	}

	if err != nil {
		if errors.Is(err, engine.ErrTooManyTimeouts) {
			logger.Error("exiting for supervisor restart", zap.Error(err))
		} else {
			logger.Error("engine failed", zap.Error(err))
		}
		return exitFatal
	}

	logger.Info("clean shutdown")
	return exitOK
}

// buildAdapter selects the exchange implementation. Dry runs use the
// offline playback adapter seeded with deterministic candles; live
// trading requires a real exchange adapter linked into the binary.
func buildAdapter(cfg *config.Config, coins []types.Coin) (exchange.Adapter, error) {
	if !cfg.Trading.DryRun {
		return nil, fmt.Errorf("no live exchange adapter is linked into this build; run with --dry-run")
	}

	pb := exchange.NewPlayback(
		decimal.NewFromFloat(cfg.Trading.InitialCapital),
		decimal.NewFromFloat(cfg.Trading.FeeRate))
	pairs := make([]string, 0, len(coins))
	for _, c := range coins {
		pairs = append(pairs, c.Pair)
	}
	exchange.SeedSynthetic(pb, pairs, time.Now().UTC())
	return pb, nil
}

// filterCoins restricts the configured universe to the named symbols.
func filterCoins(coins []types.Coin, list string) ([]types.Coin, error) {
	want := make(map[string]bool)
	for _, s := range strings.Split(list, ",") {
		s = strings.TrimSpace(strings.ToUpper(s))
		if s != "" {
			want[s] = true
		}
	}

	var out []types.Coin
	for _, c := range coins {
		if want[c.Symbol] {
			out = append(out, c)
			delete(want, c.Symbol)
		}
	}
	if len(want) > 0 {
		for s := range want {
			return nil, fmt.Errorf("unknown coin %q in --coins", s)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("--coins selected no configured coins")
	}
	return out, nil
}

func setupLogger(level string) *zap.Logger {
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

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
