// Package engine drives the fixed-period trading loop: it schedules
// cycles without overlap, polls the optional command source, enforces
// the consecutive-timeout watchdog, and shuts down cleanly on context
// cancellation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ver3-trading/engine/internal/clock"
	"github.com/ver3-trading/engine/internal/command"
	"github.com/ver3-trading/engine/internal/portfolio"
)

// ErrTooManyTimeouts asks the supervisor for a restart after N
// successive all-timeout cycles.
var ErrTooManyTimeouts = errors.New("engine: consecutive all-timeout cycles exceeded")

// Runner executes one trading cycle. portfolio.Manager is the
// production implementation.
type Runner interface {
	RunCycle(ctx context.Context) (*portfolio.CycleSummary, error)
	ConsecutiveTimeoutCycles() int
}

// Commander answers remote query commands and market-closes a coin.
type Commander interface {
	Status() string
	FactorsSummary() string
	CloseCommand(ctx context.Context, symbol string) (string, error)
}

// Config drives the scheduler.
type Config struct {
	CycleInterval               time.Duration
	MaxConsecutiveTimeoutCycles int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		CycleInterval:               15 * time.Minute,
		MaxConsecutiveTimeoutCycles: 3,
	}
}

// Engine owns the cycle loop.
type Engine struct {
	logger    *zap.Logger
	cfg       Config
	runner    Runner
	commander Commander
	commands  command.Source
	clock     clock.Clock
	stop      context.CancelFunc
}

// New creates an engine. commands may be nil to run without a remote
// surface.
func New(logger *zap.Logger, cfg Config, runner Runner, commander Commander, commands command.Source, clk clock.Clock) *Engine {
	return &Engine{
		logger:    logger.Named("engine"),
		cfg:       cfg,
		runner:    runner,
		commander: commander,
		commands:  commands,
		clock:     clk,
	}
}

// Run executes cycles until the context is canceled or the timeout
// watchdog trips. A nil return is a clean shutdown.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.stop = cancel

	if e.commands != nil {
		go e.pollCommands(ctx)
	}

	e.logger.Info("engine started",
		zap.Duration("cycle_interval", e.cfg.CycleInterval))

	for {
		start := e.clock.Now()
		e.logger.Info("cycle starting", zap.Time("at", start))

		summary, err := e.runner.RunCycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				e.logger.Info("engine stopping during cycle")
				return nil
			}
			// The cycle boundary is the recover-and-continue point:
			// log, keep state persisted where possible, run again.
			e.logger.Error("cycle failed", zap.Error(err))
		} else {
			e.logger.Info("cycle complete",
				zap.String("cycle_id", summary.CycleID),
				zap.Duration("duration", summary.Duration),
				zap.Int("entries", summary.EntriesTaken),
				zap.Int("exits", summary.ExitsTaken),
				zap.Int("timeouts", len(summary.TimedOutCoins)))
		}

		if streak := e.runner.ConsecutiveTimeoutCycles(); streak >= e.cfg.MaxConsecutiveTimeoutCycles {
			e.logger.Error("timeout watchdog tripped, requesting restart",
				zap.Int("streak", streak))
			return fmt.Errorf("%w: %d cycles", ErrTooManyTimeouts, streak)
		}

		elapsed := e.clock.Now().Sub(start)
		sleep := e.cfg.CycleInterval - elapsed
		if sleep < 0 {
			sleep = 0
		}
		if err := e.clock.Sleep(ctx, sleep); err != nil {
			e.logger.Info("engine stopping")
			return nil
		}
	}
}

// pollCommands services the remote command source until shutdown.
func (e *Engine) pollCommands(ctx context.Context) {
	for {
		cmd, err := e.commands.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, command.ErrClosed) {
				e.logger.Warn("command source failed", zap.Error(err))
			}
			return
		}
		e.handleCommand(ctx, cmd)
	}
}

func (e *Engine) handleCommand(ctx context.Context, cmd command.Command) {
	reply := func(msg string) {
		if cmd.Reply != nil {
			select {
			case cmd.Reply <- msg:
			default:
			}
		}
	}

	switch cmd.Kind {
	case command.KindStatus:
		reply(e.commander.Status())
	case command.KindPositions:
		reply(e.commander.Status())
	case command.KindFactors:
		reply(e.commander.FactorsSummary())
	case command.KindClose:
		msg, err := e.commander.CloseCommand(ctx, cmd.Coin)
		if err != nil {
			e.logger.Error("remote close failed", zap.String("coin", cmd.Coin), zap.Error(err))
			reply(fmt.Sprintf("close %s failed: %v", cmd.Coin, err))
			return
		}
		reply(msg)
	case command.KindStop:
		e.logger.Info("remote stop received")
		reply("stopping")
		if e.stop != nil {
			e.stop()
		}
	default:
		e.logger.Warn("unknown command", zap.String("kind", string(cmd.Kind)))
	}
}
