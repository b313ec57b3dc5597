package strategy_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ver3-trading/engine/internal/indicator"
	"github.com/ver3-trading/engine/internal/strategy"
	"github.com/ver3-trading/engine/pkg/types"
)

func bullishFactors() types.Factors {
	return types.Factors{
		Regime:                 types.RegimeBullish,
		Volatility:             types.VolatilityNormal,
		EntryWeights:           types.EntryWeights{BBTouch: 1, RSIOversold: 1, StochCross: 1},
		MinEntryScore:          1,
		RSIOversoldThreshold:   30,
		StochOversoldThreshold: 20,
		ChandelierMultiplier:   3.0,
		PositionSizeMultiplier: 1.0,
		ProfitTargetMode:       types.TargetBBUpper,
		TrailingStopPct:        0.02,
	}
}

// Bullish entry: BB touch + RSI oversold + stochastic cross-up below the
// oversold threshold scores 4.0 and clears the minimum of 1.
func TestEntryFullOversoldConfluence(t *testing.T) {
	snap := types.IndicatorSnapshot{
		Close:      100,
		BBLower:    99.5,
		RSI:        28,
		PrevStochK: 12,
		PrevStochD: 15,
		StochK:     12,
		StochD:     11,
	}

	action, reason, score := strategy.EvaluateEntry(snap, bullishFactors())
	if action != types.ActionBuy {
		t.Fatalf("Expected BUY, got %v (%s)", action, reason)
	}
	if score != 4.0 {
		t.Errorf("Expected score 4.0, got %v", score)
	}
	if reason != strategy.ReasonEntryScore {
		t.Errorf("Expected reason %s, got %s", strategy.ReasonEntryScore, reason)
	}
}

// BB touch scores when close is exactly on the band (the touch
// tolerance reaches 1% above it).
func TestEntryBBTouchBoundary(t *testing.T) {
	snap := types.IndicatorSnapshot{Close: 99.5, BBLower: 99.5, RSI: 50, StochK: 50, StochD: 40, PrevStochK: 45, PrevStochD: 40}

	_, _, score := strategy.EvaluateEntry(snap, bullishFactors())
	if score != 1.0 {
		t.Errorf("Expected score 1.0 for exact band touch, got %v", score)
	}
}

// The cross must happen on the last two bars; an already-crossed
// stochastic does not score.
func TestEntryStaleCrossDoesNotScore(t *testing.T) {
	snap := types.IndicatorSnapshot{
		Close:      100,
		BBLower:    90,
		RSI:        50,
		PrevStochK: 15, // already above
		PrevStochD: 12,
		StochK:     16,
		StochD:     13,
	}

	_, _, score := strategy.EvaluateEntry(snap, bullishFactors())
	if score != 0 {
		t.Errorf("Expected no score without a fresh cross, got %v", score)
	}
}

// A cross above the oversold threshold does not score either.
func TestEntryCrossAboveThresholdDoesNotScore(t *testing.T) {
	snap := types.IndicatorSnapshot{
		Close:      100,
		BBLower:    90,
		RSI:        50,
		PrevStochK: 25,
		PrevStochD: 30,
		StochK:     35,
		StochD:     30,
	}

	_, _, score := strategy.EvaluateEntry(snap, bullishFactors())
	if score != 0 {
		t.Errorf("Expected no score for cross above threshold, got %v", score)
	}
}

func TestEntryScoreBelowMinHolds(t *testing.T) {
	f := bullishFactors()
	f.MinEntryScore = 2

	snap := types.IndicatorSnapshot{Close: 100, BBLower: 90, RSI: 28, StochK: 50, StochD: 55, PrevStochK: 52, PrevStochD: 55}

	action, reason, score := strategy.EvaluateEntry(snap, f)
	if action != types.ActionHold || reason != strategy.ReasonScoreBelowMin {
		t.Errorf("Expected HOLD/%s, got %v/%s", strategy.ReasonScoreBelowMin, action, reason)
	}
	if score != 1.0 {
		t.Errorf("Expected score 1.0, got %v", score)
	}
}

// Bearish gate: with none of the three extreme conditions met, entry is
// forbidden even though the score of 3 clears the minimum.
func TestBearishGateRejectsEntry(t *testing.T) {
	f := bullishFactors()
	f.Regime = types.RegimeBearish
	f.RequireExtremeOversold = true
	f.MinEntryScore = 3

	snap := types.IndicatorSnapshot{
		Close:      100,
		BBLower:    99, // close > bbLower: not met
		RSI:        25, // not < 20: not met
		PrevStochK: 8,
		PrevStochD: 12,
		StochK:     12, // not < 10: not met... but cross scored
		StochD:     10,
	}

	action, reason, _ := strategy.EvaluateEntry(snap, f)
	if action != types.ActionHold || reason != strategy.ReasonOversoldGate {
		t.Errorf("Expected HOLD/%s, got %v/%s", strategy.ReasonOversoldGate, action, reason)
	}
}

func TestBearishGatePassesWithTwoConditions(t *testing.T) {
	f := bullishFactors()
	f.Regime = types.RegimeBearish
	f.RequireExtremeOversold = true
	f.MinEntryScore = 3

	snap := types.IndicatorSnapshot{
		Close:      98,
		BBLower:    99, // met: close below band
		RSI:        15, // met: deep oversold
		PrevStochK: 8,
		PrevStochD: 12,
		StochK:     13,
		StochD:     12,
	}

	action, _, score := strategy.EvaluateEntry(snap, f)
	if action != types.ActionBuy {
		t.Errorf("Expected BUY with 2/3 gate conditions and score %v, got %v", score, action)
	}
}

func position(entry, stop, first, second float64, mode types.ProfitTargetMode) *types.Position {
	return &types.Position{
		Coin:              "BTC",
		EntryPrice:        decimal.NewFromFloat(entry),
		Size:              decimal.NewFromInt(1),
		StopLossPrice:     decimal.NewFromFloat(stop),
		FirstTargetPrice:  decimal.NewFromFloat(first),
		SecondTargetPrice: decimal.NewFromFloat(second),
		ProfitTargetMode:  mode,
		HighestSinceEntry: decimal.NewFromFloat(entry),
	}
}

func TestExitStopLossBeatsTargets(t *testing.T) {
	pos := position(100, 96.25, 90, 109, types.TargetBBUpper)
	// Close is simultaneously below stop and above first target; the
	// stop must win.
	snap := types.IndicatorSnapshot{BBUpper: 120}

	action, reason := strategy.EvaluateExit(snap, decimal.NewFromFloat(95), pos)
	if action != types.ActionClose || reason != strategy.ReasonStopLoss {
		t.Errorf("Expected CLOSE/stop_loss, got %v/%s", action, reason)
	}
}

func TestExitFirstTargetSellsPartial(t *testing.T) {
	pos := position(100, 96.25, 105.625, 109.375, types.TargetBBUpper)
	snap := types.IndicatorSnapshot{BBUpper: 120}

	action, reason := strategy.EvaluateExit(snap, decimal.NewFromFloat(106), pos)
	if action != types.ActionSellPartial || reason != strategy.ReasonFirstTarget {
		t.Errorf("Expected SELL_PARTIAL/first_target, got %v/%s", action, reason)
	}
}

func TestExitFirstTargetOnlyOnce(t *testing.T) {
	pos := position(100, 102.9, 105.625, 109.375, types.TargetBBUpper)
	pos.FirstTargetHit = true
	snap := types.IndicatorSnapshot{BBUpper: 120}

	action, reason := strategy.EvaluateExit(snap, decimal.NewFromFloat(106), pos)
	if action != types.ActionHold || reason != strategy.ReasonHold {
		t.Errorf("Expected HOLD after first target already hit, got %v/%s", action, reason)
	}
}

func TestExitBBUpperProfitTarget(t *testing.T) {
	pos := position(100, 102.9, 105.625, 109.375, types.TargetBBUpper)
	pos.FirstTargetHit = true
	snap := types.IndicatorSnapshot{BBUpper: 108}

	action, reason := strategy.EvaluateExit(snap, decimal.NewFromFloat(108.5), pos)
	if action != types.ActionClose || reason != strategy.ReasonProfitTarget {
		t.Errorf("Expected CLOSE/profit_target, got %v/%s", action, reason)
	}
}

func TestExitBBMiddleMeanReversion(t *testing.T) {
	pos := position(100, 96, 105.625, 109.375, types.TargetBBMiddle)
	snap := types.IndicatorSnapshot{BBMiddle: 103, BBUpper: 108}

	action, reason := strategy.EvaluateExit(snap, decimal.NewFromFloat(103.5), pos)
	if action != types.ActionClose || reason != strategy.ReasonMeanReversion {
		t.Errorf("Expected CLOSE/mean_reversion, got %v/%s", action, reason)
	}
}

func TestAnalyzeRejectsShortSeries(t *testing.T) {
	s := strategy.New(zap.NewNop())

	bars := make([]types.Candle, 10)
	for i := range bars {
		bars[i] = types.Candle{
			Open: decimal.NewFromInt(100), High: decimal.NewFromInt(101),
			Low: decimal.NewFromInt(99), Close: decimal.NewFromInt(100),
		}
	}

	_, err := s.Analyze(types.Coin{Symbol: "BTC"}, bars, bullishFactors(), nil)
	if !errors.Is(err, indicator.ErrInsufficientData) {
		t.Errorf("Expected ErrInsufficientData, got %v", err)
	}
}

func TestAnalyzeEndToEndHold(t *testing.T) {
	s := strategy.New(zap.NewNop())

	// A flat series touches its own zero-width band but scores only 1;
	// with a minimum of 2 the decision is HOLD.
	bars := make([]types.Candle, 60)
	for i := range bars {
		bars[i] = types.Candle{
			Open: decimal.NewFromInt(100), High: decimal.NewFromInt(101),
			Low: decimal.NewFromInt(99), Close: decimal.NewFromInt(100),
			Volume: decimal.NewFromInt(10),
		}
	}

	f := bullishFactors()
	f.MinEntryScore = 2

	d, err := s.Analyze(types.Coin{Symbol: "BTC"}, bars, f, nil)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if d.Action != types.ActionHold {
		t.Errorf("Expected HOLD on flat series, got %v (%s)", d.Action, d.Reason)
	}
	if d.Indicators.RSI != 50 {
		t.Errorf("Expected RSI 50 on flat series, got %v", d.Indicators.RSI)
	}
}
