// Package factors derives the active parameter set for a cycle from the
// current market regime and volatility bucket. Factors carry no
// hysteresis: the same (regime, bucket) pair always yields the same
// output, recomputed at every cycle start.
package factors

import (
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/ver3-trading/engine/pkg/types"
)

// Volatility bucket edges, in ATR/close percent.
const (
	lowVolMax     = 1.5
	normalVolMax  = 3.0
	highVolMax    = 5.0
	chandelierMin = 2.5
)

// Strategy thresholds shared by every factor set.
const (
	defaultRSIOversold   = 30.0
	defaultStochOversold = 20.0
	defaultTrailingStop  = 0.02
	defaultPyramidGap    = 0.03
)

type regimeParams struct {
	scoreMultiplier float64
	stopMultiplier  float64
	target          types.ProfitTargetMode
	baseMinScore    int
	extremeGate     bool
}

var regimeTable = map[types.Regime]regimeParams{
	types.RegimeStrongBullish: {1.0, 1.0, types.TargetBBUpper, 1, false},
	types.RegimeBullish:       {1.0, 1.0, types.TargetBBUpper, 1, false},
	types.RegimeNeutral:       {1.2, 1.0, types.TargetBBMiddle, 2, false},
	types.RegimeBearish:       {1.3, 0.85, types.TargetBBMiddle, 2, true},
	types.RegimeStrongBearish: {1.5, 0.8, types.TargetBBMiddle, 3, true},
	types.RegimeRanging:       {1.0, 1.0, types.TargetBBUpper, 2, false},
}

type volParams struct {
	sizeMultiplier float64
	chandelier     float64
	minScoreAdd    int
}

var volTable = map[types.VolatilityBucket]volParams{
	types.VolatilityLow:     {1.2, 3.5, 0},
	types.VolatilityNormal:  {1.0, 3.0, 0},
	types.VolatilityHigh:    {0.7, 2.5, 1},
	types.VolatilityExtreme: {0.5, 2.5, 2},
}

// Manager produces the active Factors for a cycle.
type Manager struct {
	logger *zap.Logger
}

// NewManager creates a factor manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{logger: logger.Named("factors")}
}

// BucketFor classifies an ATR percentage into a volatility bucket.
// Edges belong to the higher bucket: 1.5% is Normal, 3% High, 5% Extreme.
func BucketFor(atrPct float64) types.VolatilityBucket {
	switch {
	case atrPct < lowVolMax:
		return types.VolatilityLow
	case atrPct < normalVolMax:
		return types.VolatilityNormal
	case atrPct < highVolMax:
		return types.VolatilityHigh
	default:
		return types.VolatilityExtreme
	}
}

// Compute derives the full factor set for (regime, bucket). An unknown
// regime falls back to the Neutral row.
func (m *Manager) Compute(reg types.Regime, bucket types.VolatilityBucket, now time.Time) types.Factors {
	rp, ok := regimeTable[reg]
	if !ok {
		m.logger.Warn("unknown regime, using neutral factors", zap.String("regime", string(reg)))
		reg = types.RegimeNeutral
		rp = regimeTable[types.RegimeNeutral]
	}
	vp := volTable[bucket]

	minScore := int(math.Ceil(float64(rp.baseMinScore)*rp.scoreMultiplier)) + vp.minScoreAdd

	chandelier := vp.chandelier * rp.stopMultiplier
	if chandelier < chandelierMin {
		chandelier = chandelierMin
	}

	return types.Factors{
		Regime:     reg,
		Volatility: bucket,
		EntryWeights: types.EntryWeights{
			BBTouch:     1.0,
			RSIOversold: 1.0,
			StochCross:  1.0,
		},
		MinEntryScore:          minScore,
		RSIOversoldThreshold:   defaultRSIOversold,
		StochOversoldThreshold: defaultStochOversold,
		ChandelierMultiplier:   chandelier,
		PositionSizeMultiplier: vp.sizeMultiplier,
		ProfitTargetMode:       rp.target,
		TrailingStopPct:        defaultTrailingStop,
		PyramidThresholdPct:    defaultPyramidGap,
		RequireExtremeOversold: rp.extremeGate,
		GeneratedAt:            now,
	}
}

// Record is the persisted view of the last computed factors, written to
// dynamic_factors.json for inspection by the dashboard.
type Record struct {
	Factors     types.Factors          `json:"factors"`
	Regime      types.Regime           `json:"regime"`
	Volatility  types.VolatilityBucket `json:"volatilityBucket"`
	ATRPct      float64                `json:"atrPct"`
	GeneratedAt time.Time              `json:"generatedAt"`
}
