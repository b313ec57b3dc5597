package factors_test

import (
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ver3-trading/engine/internal/factors"
	"github.com/ver3-trading/engine/pkg/types"
)

func TestBucketForEdges(t *testing.T) {
	cases := []struct {
		atrPct float64
		want   types.VolatilityBucket
	}{
		{0.3, types.VolatilityLow},
		{1.49, types.VolatilityLow},
		{1.5, types.VolatilityNormal},
		{2.99, types.VolatilityNormal},
		{3.0, types.VolatilityHigh},
		{4.99, types.VolatilityHigh},
		{5.0, types.VolatilityExtreme},
		{12.0, types.VolatilityExtreme},
	}

	for _, tc := range cases {
		if got := factors.BucketFor(tc.atrPct); got != tc.want {
			t.Errorf("BucketFor(%v) = %v, want %v", tc.atrPct, got, tc.want)
		}
	}
}

// TestComputeFullGrid pins every (regime, bucket) combination to the
// factor tables.
func TestComputeFullGrid(t *testing.T) {
	m := factors.NewManager(zap.NewNop())
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	type expect struct {
		minScore   int
		chandelier float64
		sizeMult   float64
		target     types.ProfitTargetMode
		gate       bool
	}

	grid := map[types.Regime]map[types.VolatilityBucket]expect{
		types.RegimeStrongBullish: {
			types.VolatilityLow:     {1, 3.5, 1.2, types.TargetBBUpper, false},
			types.VolatilityNormal:  {1, 3.0, 1.0, types.TargetBBUpper, false},
			types.VolatilityHigh:    {2, 2.5, 0.7, types.TargetBBUpper, false},
			types.VolatilityExtreme: {3, 2.5, 0.5, types.TargetBBUpper, false},
		},
		types.RegimeBullish: {
			types.VolatilityLow:     {1, 3.5, 1.2, types.TargetBBUpper, false},
			types.VolatilityNormal:  {1, 3.0, 1.0, types.TargetBBUpper, false},
			types.VolatilityHigh:    {2, 2.5, 0.7, types.TargetBBUpper, false},
			types.VolatilityExtreme: {3, 2.5, 0.5, types.TargetBBUpper, false},
		},
		types.RegimeNeutral: {
			types.VolatilityLow:     {3, 3.5, 1.2, types.TargetBBMiddle, false},
			types.VolatilityNormal:  {3, 3.0, 1.0, types.TargetBBMiddle, false},
			types.VolatilityHigh:    {4, 2.5, 0.7, types.TargetBBMiddle, false},
			types.VolatilityExtreme: {5, 2.5, 0.5, types.TargetBBMiddle, false},
		},
		types.RegimeBearish: {
			types.VolatilityLow:     {3, 2.975, 1.2, types.TargetBBMiddle, true},
			types.VolatilityNormal:  {3, 2.55, 1.0, types.TargetBBMiddle, true},
			types.VolatilityHigh:    {4, 2.5, 0.7, types.TargetBBMiddle, true},
			types.VolatilityExtreme: {5, 2.5, 0.5, types.TargetBBMiddle, true},
		},
		types.RegimeStrongBearish: {
			types.VolatilityLow:     {5, 2.8, 1.2, types.TargetBBMiddle, true},
			types.VolatilityNormal:  {5, 2.5, 1.0, types.TargetBBMiddle, true},
			types.VolatilityHigh:    {6, 2.5, 0.7, types.TargetBBMiddle, true},
			types.VolatilityExtreme: {7, 2.5, 0.5, types.TargetBBMiddle, true},
		},
		types.RegimeRanging: {
			types.VolatilityLow:     {2, 3.5, 1.2, types.TargetBBUpper, false},
			types.VolatilityNormal:  {2, 3.0, 1.0, types.TargetBBUpper, false},
			types.VolatilityHigh:    {3, 2.5, 0.7, types.TargetBBUpper, false},
			types.VolatilityExtreme: {4, 2.5, 0.5, types.TargetBBUpper, false},
		},
	}

	for reg, buckets := range grid {
		for bucket, want := range buckets {
			got := m.Compute(reg, bucket, now)

			if got.MinEntryScore != want.minScore {
				t.Errorf("%s/%s: MinEntryScore = %d, want %d", reg, bucket, got.MinEntryScore, want.minScore)
			}
			if math.Abs(got.ChandelierMultiplier-want.chandelier) > 1e-9 {
				t.Errorf("%s/%s: ChandelierMultiplier = %v, want %v", reg, bucket, got.ChandelierMultiplier, want.chandelier)
			}
			if got.PositionSizeMultiplier != want.sizeMult {
				t.Errorf("%s/%s: PositionSizeMultiplier = %v, want %v", reg, bucket, got.PositionSizeMultiplier, want.sizeMult)
			}
			if got.ProfitTargetMode != want.target {
				t.Errorf("%s/%s: ProfitTargetMode = %v, want %v", reg, bucket, got.ProfitTargetMode, want.target)
			}
			if got.RequireExtremeOversold != want.gate {
				t.Errorf("%s/%s: RequireExtremeOversold = %v, want %v", reg, bucket, got.RequireExtremeOversold, want.gate)
			}
			if got.Regime != reg || got.Volatility != bucket {
				t.Errorf("%s/%s: factor set does not echo its inputs", reg, bucket)
			}
		}
	}
}

func TestComputeChandelierFloor(t *testing.T) {
	m := factors.NewManager(zap.NewNop())

	// StrongBearish + High would be 2.5 * 0.8 = 2.0 without the floor.
	f := m.Compute(types.RegimeStrongBearish, types.VolatilityHigh, time.Now())
	if f.ChandelierMultiplier < 2.5 {
		t.Errorf("Chandelier multiplier %v below the 2.5 floor", f.ChandelierMultiplier)
	}
}

func TestComputeUnknownRegimeFallsBackToNeutral(t *testing.T) {
	m := factors.NewManager(zap.NewNop())

	f := m.Compute(types.Regime("garbage"), types.VolatilityNormal, time.Now())
	if f.Regime != types.RegimeNeutral {
		t.Errorf("Expected neutral fallback, got %v", f.Regime)
	}
}
