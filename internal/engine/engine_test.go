package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ver3-trading/engine/internal/clock"
	"github.com/ver3-trading/engine/internal/command"
	"github.com/ver3-trading/engine/internal/engine"
	"github.com/ver3-trading/engine/internal/portfolio"
)

// fakeRunner counts cycles and scripts the timeout streak.
type fakeRunner struct {
	cycles      int
	maxCycles   int
	streak      func(cycle int) int
	cancel      context.CancelFunc
	lastStreak  int
}

func (r *fakeRunner) RunCycle(ctx context.Context) (*portfolio.CycleSummary, error) {
	r.cycles++
	if r.streak != nil {
		r.lastStreak = r.streak(r.cycles)
	}
	if r.maxCycles > 0 && r.cycles >= r.maxCycles && r.cancel != nil {
		r.cancel()
	}
	return &portfolio.CycleSummary{CycleID: "test", StartedAt: time.Now()}, nil
}

func (r *fakeRunner) ConsecutiveTimeoutCycles() int { return r.lastStreak }

type fakeCommander struct {
	closed []string
}

func (c *fakeCommander) Status() string         { return "status" }
func (c *fakeCommander) FactorsSummary() string { return "factors" }
func (c *fakeCommander) CloseCommand(ctx context.Context, symbol string) (string, error) {
	c.closed = append(c.closed, symbol)
	return "closed " + symbol, nil
}

func newEngine(runner *fakeRunner, commander engine.Commander, src command.Source) *engine.Engine {
	cfg := engine.DefaultConfig()
	cfg.CycleInterval = time.Minute
	cfg.MaxConsecutiveTimeoutCycles = 3
	clk := &clock.Fake{Current: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	return engine.New(zap.NewNop(), cfg, runner, commander, src, clk)
}

func TestRunStopsCleanlyOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runner := &fakeRunner{maxCycles: 5, cancel: cancel}

	e := newEngine(runner, &fakeCommander{}, nil)
	if err := e.Run(ctx); err != nil {
		t.Fatalf("Expected clean shutdown, got %v", err)
	}
	if runner.cycles != 5 {
		t.Errorf("Expected 5 cycles before shutdown, got %d", runner.cycles)
	}
}

func TestTimeoutWatchdogExitsNonZero(t *testing.T) {
	runner := &fakeRunner{streak: func(cycle int) int { return cycle }}

	e := newEngine(runner, &fakeCommander{}, nil)
	err := e.Run(context.Background())
	if !errors.Is(err, engine.ErrTooManyTimeouts) {
		t.Fatalf("Expected ErrTooManyTimeouts, got %v", err)
	}
	if runner.cycles != 3 {
		t.Errorf("Expected exit after 3 all-timeout cycles, got %d", runner.cycles)
	}
}

func TestCloseCommandRoutesToCommander(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := command.NewChanSource(4)
	commander := &fakeCommander{}
	runner := &fakeRunner{}

	reply := make(chan string, 1)
	src.Submit(command.Command{Kind: command.KindClose, Coin: "BTC", Reply: reply})

	e := newEngine(runner, commander, src)
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	select {
	case msg := <-reply:
		if msg != "closed BTC" {
			t.Errorf("Unexpected reply: %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close command not serviced")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Expected clean shutdown, got %v", err)
	}
	if len(commander.closed) != 1 || commander.closed[0] != "BTC" {
		t.Errorf("Close not routed: %v", commander.closed)
	}
}

func TestStopCommandShutsDown(t *testing.T) {
	src := command.NewChanSource(1)
	runner := &fakeRunner{}

	e := newEngine(runner, &fakeCommander{}, src)
	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	src.Submit(command.Command{Kind: command.KindStop})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Expected clean shutdown on stop command, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop command did not shut the engine down")
	}
}
