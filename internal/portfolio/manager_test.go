package portfolio_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ver3-trading/engine/internal/clock"
	"github.com/ver3-trading/engine/internal/exchange"
	"github.com/ver3-trading/engine/internal/executor"
	"github.com/ver3-trading/engine/internal/factors"
	"github.com/ver3-trading/engine/internal/portfolio"
	"github.com/ver3-trading/engine/internal/regime"
	"github.com/ver3-trading/engine/internal/store"
	"github.com/ver3-trading/engine/pkg/types"
)

var testCoins = []types.Coin{
	{Symbol: "BTC", Pair: "BTC/KRW", MinOrderQty: decimal.NewFromFloat(0.0001), MinOrderValue: decimal.NewFromInt(10), QtyPrecision: 4, Rank: 1},
	{Symbol: "ETH", Pair: "ETH/KRW", MinOrderQty: decimal.NewFromFloat(0.001), MinOrderValue: decimal.NewFromInt(10), QtyPrecision: 4, Rank: 2},
	{Symbol: "XRP", Pair: "XRP/KRW", MinOrderQty: decimal.NewFromInt(1), MinOrderValue: decimal.NewFromInt(10), QtyPrecision: 0, Rank: 3},
}

// stubAnalyzer returns canned decisions and can delay per coin to force
// timeouts.
type stubAnalyzer struct {
	decisions map[string]types.Decision
	delays    map[string]time.Duration
}

func (s *stubAnalyzer) Analyze(coin types.Coin, bars []types.Candle, f types.Factors, pos *types.Position) (types.Decision, error) {
	if d, ok := s.delays[coin.Symbol]; ok {
		time.Sleep(d)
	}
	d, ok := s.decisions[coin.Symbol]
	if !ok {
		d = types.Decision{Action: types.ActionHold, Reason: "hold"}
	}
	d.Coin = coin.Symbol
	d.Regime = f.Regime
	return d, nil
}

func flatBars(n int, price float64, step time.Duration) []types.Candle {
	bars := make([]types.Candle, n)
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := range bars {
		bars[i] = types.Candle{
			OpenTime: base.Add(time.Duration(i) * step),
			Open:     decimal.NewFromFloat(price),
			High:     decimal.NewFromFloat(price * 1.001),
			Low:      decimal.NewFromFloat(price * 0.999),
			Close:    decimal.NewFromFloat(price),
			Volume:   decimal.NewFromInt(100),
		}
	}
	return bars
}

type fixture struct {
	manager  *portfolio.Manager
	executor *executor.Executor
	store    *store.Store
	analyzer *stubAnalyzer
}

func newFixture(t *testing.T, cfg portfolio.Config, analyzer *stubAnalyzer) *fixture {
	t.Helper()
	logger := zap.NewNop()

	st, err := store.New(logger, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	pb := exchange.NewPlayback(decimal.NewFromInt(1000000), decimal.Zero)
	for _, c := range testCoins {
		pb.SetCandles(c.Pair, exchange.IntervalDaily, flatBars(220, 100, 24*time.Hour))
		pb.SetCandles(c.Pair, exchange.Interval4h, flatBars(60, 100, 4*time.Hour))
	}

	clk := &clock.Fake{Current: time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)}

	execCfg := executor.DefaultConfig()
	execCfg.DryRun = true
	execCfg.FeeRate = decimal.Zero
	exec := executor.New(logger, execCfg, pb, st, nil, clk)

	mgr := portfolio.New(logger, cfg, testCoins, pb,
		regime.NewClassifier(logger), factors.NewManager(logger),
		analyzer, exec, st, nil, nil, clk)

	return &fixture{manager: mgr, executor: exec, store: st, analyzer: analyzer}
}

func buy(score float64) types.Decision {
	return types.Decision{
		Action: types.ActionBuy,
		Reason: "entry_score",
		Score:  score,
		Indicators: types.IndicatorSnapshot{
			Close: 100,
			ATR:   1.0,
		},
	}
}

func testConfig() portfolio.Config {
	cfg := portfolio.DefaultConfig()
	cfg.PerCoinTimeout = 2 * time.Second
	cfg.TotalTimeout = 5 * time.Second
	return cfg
}

// Two candidates with equal score and one available slot: the lower
// rank wins and the loser is rejected with portfolio_slot.
func TestPriorityTiebreakByRank(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPositions = 1

	fx := newFixture(t, cfg, &stubAnalyzer{decisions: map[string]types.Decision{
		"ETH": buy(3),
		"XRP": buy(3),
	}})

	summary, err := fx.manager.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	if _, held := fx.executor.Position("ETH"); !held {
		t.Error("Expected ETH accepted by rank tiebreak")
	}
	if _, held := fx.executor.Position("XRP"); held {
		t.Error("XRP should have been rejected")
	}
	if summary.Rejections["XRP"] != portfolio.RejectPortfolioSlot {
		t.Errorf("Expected XRP rejected with portfolio_slot, got %q", summary.Rejections["XRP"])
	}
	if summary.EntriesTaken != 1 {
		t.Errorf("Expected one entry, got %d", summary.EntriesTaken)
	}
}

// Higher score beats lower rank.
func TestPriorityScoreBeatsRank(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPositions = 1

	fx := newFixture(t, cfg, &stubAnalyzer{decisions: map[string]types.Decision{
		"ETH": buy(2),
		"XRP": buy(4),
	}})

	if _, err := fx.manager.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, held := fx.executor.Position("XRP"); !held {
		t.Error("Expected XRP accepted on higher score")
	}
	if _, held := fx.executor.Position("ETH"); held {
		t.Error("ETH should have lost the slot")
	}
}

// The position cap holds no matter how many candidates arrive.
func TestPortfolioCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPositions = 2

	fx := newFixture(t, cfg, &stubAnalyzer{decisions: map[string]types.Decision{
		"BTC": buy(5),
		"ETH": buy(4),
		"XRP": buy(3),
	}})

	summary, err := fx.manager.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if fx.executor.OpenCount() != 2 {
		t.Fatalf("Expected cap of 2 positions, got %d", fx.executor.OpenCount())
	}
	if _, held := fx.executor.Position("XRP"); held {
		t.Error("Lowest-priority candidate should have been rejected")
	}
	if summary.EntriesTaken != 2 {
		t.Errorf("Expected 2 entries, got %d", summary.EntriesTaken)
	}
}

// Observation mode suppresses entries until a profitable close resets
// the loss streak.
func TestObservationMode(t *testing.T) {
	cfg := testConfig()

	analyzer := &stubAnalyzer{decisions: map[string]types.Decision{"ETH": buy(3)}}
	fx := newFixture(t, cfg, analyzer)

	// Three realized losses put the engine in observation mode.
	fx.executor.Restore(nil, 3)
	if !fx.manager.ObservationMode() {
		t.Fatal("Expected observation mode after 3 losses")
	}

	summary, err := fx.manager.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, held := fx.executor.Position("ETH"); held {
		t.Fatal("BUY must be suppressed in observation mode")
	}
	if summary.Rejections["ETH"] != portfolio.RejectObservationMode {
		t.Errorf("Expected observation_mode rejection, got %q", summary.Rejections["ETH"])
	}

	// A profitable partial exit clears the streak...
	fx.executor.Restore([]*types.Position{{
		Coin:              "BTC",
		EntryPrice:        decimal.NewFromInt(100),
		Size:              decimal.NewFromInt(10),
		StopLossPrice:     decimal.NewFromInt(95),
		FirstTargetPrice:  decimal.NewFromInt(102),
		HighestSinceEntry: decimal.NewFromInt(100),
		ProfitTargetMode:  types.TargetBBUpper,
	}}, 3)
	analyzer.decisions["BTC"] = types.Decision{
		Action: types.ActionSellPartial, Reason: "first_target",
		Indicators: types.IndicatorSnapshot{Close: 102, ATR: 1},
	}

	if _, err := fx.manager.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if fx.manager.ObservationMode() {
		t.Fatal("Observation mode should clear on profitable close")
	}

	// ...and the next valid BUY is accepted.
	delete(analyzer.decisions, "BTC")
	if _, err := fx.manager.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, held := fx.executor.Position("ETH"); !held {
		t.Error("Expected BUY accepted after observation mode cleared")
	}
}

// A timed-out task is substituted with HOLD and the previous regime;
// the other coins process normally.
func TestTimeoutSubstitution(t *testing.T) {
	cfg := testConfig()
	cfg.PerCoinTimeout = 50 * time.Millisecond
	cfg.TotalTimeout = time.Second

	analyzer := &stubAnalyzer{
		decisions: map[string]types.Decision{"ETH": buy(3)},
		delays:    map[string]time.Duration{"BTC": 300 * time.Millisecond},
	}
	fx := newFixture(t, cfg, analyzer)

	fx.manager.Restore(&types.EngineState{
		LastRegimePerCoin: map[string]types.Regime{"BTC": types.RegimeBullish},
	})

	summary, err := fx.manager.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("A timed-out coin must not fail the cycle: %v", err)
	}

	var btcDecision *types.Decision
	for i := range summary.Decisions {
		if summary.Decisions[i].Coin == "BTC" {
			btcDecision = &summary.Decisions[i]
		}
	}
	if btcDecision == nil {
		t.Fatal("BTC decision missing from summary")
	}
	if btcDecision.Action != types.ActionHold || !btcDecision.TimedOut {
		t.Errorf("Expected substituted HOLD with timeout flag, got %+v", btcDecision)
	}
	if btcDecision.Regime != types.RegimeBullish {
		t.Errorf("Expected previous regime bullish, got %v", btcDecision.Regime)
	}

	if _, held := fx.executor.Position("ETH"); !held {
		t.Error("Other coins must process normally during a timeout")
	}
	if fx.manager.ConsecutiveTimeoutCycles() != 0 {
		t.Error("Partial timeout must not count as an all-timeout cycle")
	}
}

func TestAllTimeoutCyclesAccumulate(t *testing.T) {
	cfg := testConfig()
	cfg.PerCoinTimeout = 30 * time.Millisecond
	cfg.TotalTimeout = 200 * time.Millisecond

	analyzer := &stubAnalyzer{delays: map[string]time.Duration{
		"BTC": 500 * time.Millisecond,
		"ETH": 500 * time.Millisecond,
		"XRP": 500 * time.Millisecond,
	}}
	fx := newFixture(t, cfg, analyzer)

	for i := 1; i <= 2; i++ {
		summary, err := fx.manager.RunCycle(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if !summary.AllTimedOut {
			t.Fatalf("Cycle %d: expected all tasks timed out", i)
		}
		if fx.manager.ConsecutiveTimeoutCycles() != i {
			t.Errorf("Cycle %d: expected streak %d, got %d", i, i, fx.manager.ConsecutiveTimeoutCycles())
		}
	}
}

// End-of-cycle state lands on disk and restores the same open positions.
func TestCyclePersistsState(t *testing.T) {
	cfg := testConfig()

	fx := newFixture(t, cfg, &stubAnalyzer{decisions: map[string]types.Decision{
		"BTC": buy(4),
	}})

	if _, err := fx.manager.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	st := fx.store.LoadEngineState()
	if len(st.Positions) != 1 || st.Positions[0].Coin != "BTC" {
		t.Fatalf("Engine state positions not persisted: %+v", st.Positions)
	}

	positions, err := fx.store.LoadPositions()
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 1 || positions[0].Coin != "BTC" {
		t.Fatalf("Positions file not persisted: %+v", positions)
	}
}

// At most one position per coin survives any cycle sequence.
func TestAtMostOnePositionPerCoin(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPositions = 5

	fx := newFixture(t, cfg, &stubAnalyzer{decisions: map[string]types.Decision{
		"BTC": buy(4),
	}})

	for i := 0; i < 3; i++ {
		if _, err := fx.manager.RunCycle(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	count := 0
	for _, p := range fx.executor.Positions() {
		if p.Coin == "BTC" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("Expected exactly one BTC position, got %d", count)
	}
}
