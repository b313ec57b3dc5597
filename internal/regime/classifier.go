// Package regime classifies a daily OHLCV series into one of six market
// regimes from the EMA50/EMA200 spread and ADX trend strength.
package regime

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ver3-trading/engine/internal/indicator"
	"github.com/ver3-trading/engine/pkg/types"
)

const (
	// MinBars is the hard floor below which classification refuses to run.
	MinBars = 50
	// RecommendedBars gives both EMAs their full warmup.
	RecommendedBars = 220

	adxPeriod     = 14
	rangingADXMax = 20.0
)

// Reading is the classification result plus the inputs it was derived
// from, kept for logging and the factors snapshot.
type Reading struct {
	Regime       types.Regime `json:"regime"`
	EMASpreadPct float64      `json:"emaSpreadPct"`
	ADX          float64      `json:"adx"`
}

// Classifier maps daily candles to a market regime.
type Classifier struct {
	logger *zap.Logger
}

// NewClassifier creates a regime classifier.
func NewClassifier(logger *zap.Logger) *Classifier {
	return &Classifier{logger: logger.Named("regime")}
}

// Classify derives the regime for a daily series. It returns
// indicator.ErrInsufficientData below MinBars; callers fall back to the
// last valid regime for the coin.
func (c *Classifier) Classify(daily []types.Candle) (Reading, error) {
	if len(daily) < MinBars {
		return Reading{Regime: types.RegimeUnknown},
			fmt.Errorf("regime: %d daily bars (<%d): %w", len(daily), MinBars, indicator.ErrInsufficientData)
	}

	closes := indicator.Closes(daily)

	// With a short history the slow EMA degrades to an SMA-seeded EMA
	// over the whole series rather than failing the cycle.
	slowPeriod := 200
	if len(closes) < slowPeriod {
		slowPeriod = len(closes)
	}

	ema50, err := indicator.EMALast(closes, 50)
	if err != nil {
		return Reading{Regime: types.RegimeUnknown}, fmt.Errorf("regime: ema50: %w", err)
	}
	ema200, err := indicator.EMALast(closes, slowPeriod)
	if err != nil {
		return Reading{Regime: types.RegimeUnknown}, fmt.Errorf("regime: ema%d: %w", slowPeriod, err)
	}

	adx, err := indicator.ADX(daily, adxPeriod)
	if err != nil {
		return Reading{Regime: types.RegimeUnknown}, fmt.Errorf("regime: adx: %w", err)
	}

	spread := 0.0
	if ema200 != 0 {
		spread = (ema50 - ema200) / ema200 * 100
	}

	return Reading{
		Regime:       FromSpread(spread, adx),
		EMASpreadPct: spread,
		ADX:          adx,
	}, nil
}

// FromSpread maps an EMA spread percentage and ADX value to a regime.
// A weak trend (ADX below 20) overrides the spread classification
// entirely; exactly 20 classifies by spread.
func FromSpread(spread, adx float64) types.Regime {
	if adx < rangingADXMax {
		return types.RegimeRanging
	}

	switch {
	case spread > 5:
		return types.RegimeStrongBullish
	case spread > 2:
		return types.RegimeBullish
	case spread > -2:
		return types.RegimeNeutral
	case spread > -5:
		return types.RegimeBearish
	default:
		return types.RegimeStrongBearish
	}
}
