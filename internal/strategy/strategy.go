// Package strategy turns a coin's 4h candle series and the active factor
// set into a single trading decision. Entry is score-based over
// Bollinger, RSI, and Stochastic oversold signals; exits are evaluated
// in strict stop-loss, first-target, profit-target priority. The
// strategy only signals intent; order mechanics and the trailing-stop
// state machine belong to the executor.
package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ver3-trading/engine/internal/indicator"
	"github.com/ver3-trading/engine/pkg/types"
)

// Indicator periods the strategy runs on.
const (
	bbPeriod    = 20
	bbStdMul    = 2.0
	rsiPeriod   = 14
	stochK      = 14
	stochD      = 3
	atrPeriod   = 14
	minBarsNeed = bbPeriod + stochD // covers every warmup plus the cross lookback
)

// Decision reasons shared with the journal and notifier.
const (
	ReasonEntryScore    = "entry_score"
	ReasonScoreBelowMin = "score_below_min"
	ReasonOversoldGate  = "extreme_oversold_gate"
	ReasonStopLoss      = "stop_loss"
	ReasonFirstTarget   = "first_target"
	ReasonProfitTarget  = "profit_target"
	ReasonMeanReversion = "mean_reversion"
	ReasonHold          = "hold"
)

// Extreme-oversold gate thresholds for bearish regimes.
const (
	gateRSIMax    = 20.0
	gateStochKMax = 10.0
	gateMinMet    = 2
)

// bbTouchProximity lets a close within 1% of the lower band count as a
// touch for scoring. The bearish gate compares strictly.
const bbTouchProximity = 1.01

// Strategy is the score-based long-entry strategy.
type Strategy struct {
	logger *zap.Logger
}

// New creates a strategy.
func New(logger *zap.Logger) *Strategy {
	return &Strategy{logger: logger.Named("strategy")}
}

// Analyze emits the decision for one coin. pos is nil when the coin has
// no open position.
func (s *Strategy) Analyze(coin types.Coin, bars []types.Candle, f types.Factors, pos *types.Position) (types.Decision, error) {
	if len(bars) < minBarsNeed {
		return types.Decision{}, fmt.Errorf("strategy %s: %d bars (<%d): %w",
			coin.Symbol, len(bars), minBarsNeed, indicator.ErrInsufficientData)
	}

	snap, err := s.snapshot(bars)
	if err != nil {
		return types.Decision{}, fmt.Errorf("strategy %s: %w", coin.Symbol, err)
	}

	decision := types.Decision{
		Coin:       coin.Symbol,
		Regime:     f.Regime,
		Indicators: snap,
	}

	if pos != nil {
		decision.Action, decision.Reason = EvaluateExit(snap, bars[len(bars)-1].Close, pos)
		return decision, nil
	}

	decision.Action, decision.Reason, decision.Score = EvaluateEntry(snap, f)
	return decision, nil
}

// snapshot computes the full indicator state from the series.
func (s *Strategy) snapshot(bars []types.Candle) (types.IndicatorSnapshot, error) {
	closes := indicator.Closes(bars)
	close := closes[len(closes)-1]

	lower, middle, upper, err := indicator.BollingerBands(closes, bbPeriod, bbStdMul)
	if err != nil {
		return types.IndicatorSnapshot{}, err
	}

	rsi, err := indicator.RSI(closes, rsiPeriod)
	if err != nil {
		return types.IndicatorSnapshot{}, err
	}

	kSeries, dSeries, err := indicator.Stochastic(bars, stochK, stochD)
	if err != nil {
		return types.IndicatorSnapshot{}, err
	}
	if len(kSeries) < 2 {
		return types.IndicatorSnapshot{}, indicator.ErrInsufficientData
	}

	atr, err := indicator.ATR(bars, atrPeriod)
	if err != nil {
		return types.IndicatorSnapshot{}, err
	}

	atrPct := 0.0
	if close != 0 {
		atrPct = atr / close * 100
	}

	return types.IndicatorSnapshot{
		Close:      close,
		BBLower:    lower,
		BBMiddle:   middle,
		BBUpper:    upper,
		RSI:        rsi,
		StochK:     kSeries[len(kSeries)-1],
		StochD:     dSeries[len(dSeries)-1],
		PrevStochK: kSeries[len(kSeries)-2],
		PrevStochD: dSeries[len(dSeries)-2],
		ATR:        atr,
		ATRPct:     atrPct,
	}, nil
}

// EvaluateEntry scores the oversold signals against the active factors.
// The stochastic cross is defined on the last two bars only.
func EvaluateEntry(snap types.IndicatorSnapshot, f types.Factors) (types.Action, string, float64) {
	score := 0.0
	if snap.Close <= snap.BBLower*bbTouchProximity {
		score += 1 * f.EntryWeights.BBTouch
	}
	if snap.RSI < f.RSIOversoldThreshold {
		score += 1 * f.EntryWeights.RSIOversold
	}
	crossedUp := snap.PrevStochK < snap.PrevStochD && snap.StochK >= snap.StochD
	if crossedUp && snap.StochK < f.StochOversoldThreshold {
		score += 2 * f.EntryWeights.StochCross
	}

	if f.RequireExtremeOversold && !extremeOversold(snap) {
		return types.ActionHold, ReasonOversoldGate, score
	}

	if score >= float64(f.MinEntryScore) {
		return types.ActionBuy, ReasonEntryScore, score
	}

	return types.ActionHold, ReasonScoreBelowMin, score
}

// extremeOversold requires at least two of three deep-oversold marks.
func extremeOversold(snap types.IndicatorSnapshot) bool {
	met := 0
	if snap.RSI < gateRSIMax {
		met++
	}
	if snap.StochK < gateStochKMax {
		met++
	}
	if snap.Close <= snap.BBLower {
		met++
	}
	return met >= gateMinMet
}

// EvaluateExit walks the exit ladder in strict priority: stop-loss,
// first target, then the regime's profit-target mode.
func EvaluateExit(snap types.IndicatorSnapshot, close decimal.Decimal, pos *types.Position) (types.Action, string) {
	if close.LessThanOrEqual(pos.StopLossPrice) {
		return types.ActionClose, ReasonStopLoss
	}

	if !pos.FirstTargetHit && close.GreaterThanOrEqual(pos.FirstTargetPrice) {
		return types.ActionSellPartial, ReasonFirstTarget
	}

	switch pos.ProfitTargetMode {
	case types.TargetBBUpper:
		if close.GreaterThanOrEqual(decimal.NewFromFloat(snap.BBUpper)) {
			return types.ActionClose, ReasonProfitTarget
		}
	case types.TargetBBMiddle:
		if close.GreaterThanOrEqual(decimal.NewFromFloat(snap.BBMiddle)) {
			return types.ActionClose, ReasonMeanReversion
		}
	}

	return types.ActionHold, ReasonHold
}
