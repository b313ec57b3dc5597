// Package indicator provides pure technical-indicator functions over
// ordered OHLCV series. All functions are stateless and deterministic:
// the same input always produces the same output, across calls and
// across processes. Computation uses float64 scratch math; callers keep
// money in decimals.
package indicator

import (
	"errors"
	"math"

	"github.com/ver3-trading/engine/pkg/types"
)

// ErrInsufficientData is returned when a series is shorter than the
// warmup an indicator needs.
var ErrInsufficientData = errors.New("indicator: insufficient data")

// Closes extracts close prices as float64 scratch values.
func Closes(bars []types.Candle) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close.InexactFloat64()
	}
	return out
}

// EMA computes an exponential moving average series. The series is
// seeded with the period-length SMA to avoid transient bias; the result
// is aligned so that out[i] corresponds to values[i+period-1].
func EMA(values []float64, period int) ([]float64, error) {
	if period <= 0 || len(values) < period {
		return nil, ErrInsufficientData
	}

	out := make([]float64, 0, len(values)-period+1)

	seed := 0.0
	for _, v := range values[:period] {
		seed += v
	}
	seed /= float64(period)
	out = append(out, seed)

	k := 2.0 / float64(period+1)
	ema := seed
	for _, v := range values[period:] {
		ema = (v-ema)*k + ema
		out = append(out, ema)
	}

	return out, nil
}

// EMALast returns only the latest EMA value.
func EMALast(values []float64, period int) (float64, error) {
	series, err := EMA(values, period)
	if err != nil {
		return 0, err
	}
	return series[len(series)-1], nil
}

// trueRange computes the true range of bar i against bar i-1.
func trueRange(bars []types.Candle, i int) float64 {
	high := bars[i].High.InexactFloat64()
	low := bars[i].Low.InexactFloat64()
	prevClose := bars[i-1].Close.InexactFloat64()

	tr := high - low
	if d := math.Abs(high - prevClose); d > tr {
		tr = d
	}
	if d := math.Abs(low - prevClose); d > tr {
		tr = d
	}
	return tr
}

// ATR computes the latest Wilder-smoothed average true range. A bar with
// zero true range leaves the running ATR at its previous value.
func ATR(bars []types.Candle, period int) (float64, error) {
	if period <= 0 || len(bars) < period+1 {
		return 0, ErrInsufficientData
	}

	atr := 0.0
	for i := 1; i <= period; i++ {
		atr += trueRange(bars, i)
	}
	atr /= float64(period)

	for i := period + 1; i < len(bars); i++ {
		tr := trueRange(bars, i)
		if tr == 0 {
			continue
		}
		atr = (atr*float64(period-1) + tr) / float64(period)
	}

	return atr, nil
}

// RSI computes the latest Wilder-smoothed relative strength index,
// clamped into [0,100]. A window with zero movement in both directions
// yields 50.
func RSI(closes []float64, period int) (float64, error) {
	if period <= 0 || len(closes) < period+1 {
		return 0, ErrInsufficientData
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			avgGain += delta
		} else {
			avgLoss -= delta
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgGain == 0 && avgLoss == 0 {
		return 50, nil
	}
	if avgLoss == 0 {
		return 100, nil
	}

	rs := avgGain / avgLoss
	rsi := 100 - 100/(1+rs)
	return math.Max(0, math.Min(100, rsi)), nil
}

// Stochastic computes %K and %D series. %K is the raw stochastic over
// kPeriod bars, %D its dPeriod simple moving average. Both series are
// aligned to each other; out[i] corresponds to
// bars[i+kPeriod+dPeriod-2].
func Stochastic(bars []types.Candle, kPeriod, dPeriod int) (k, d []float64, err error) {
	if kPeriod <= 0 || dPeriod <= 0 || len(bars) < kPeriod+dPeriod-1 {
		return nil, nil, ErrInsufficientData
	}

	rawK := make([]float64, 0, len(bars)-kPeriod+1)
	for i := kPeriod - 1; i < len(bars); i++ {
		hh := bars[i-kPeriod+1].High.InexactFloat64()
		ll := bars[i-kPeriod+1].Low.InexactFloat64()
		for j := i - kPeriod + 2; j <= i; j++ {
			if h := bars[j].High.InexactFloat64(); h > hh {
				hh = h
			}
			if l := bars[j].Low.InexactFloat64(); l < ll {
				ll = l
			}
		}
		close := bars[i].Close.InexactFloat64()
		if hh == ll {
			rawK = append(rawK, 50)
			continue
		}
		rawK = append(rawK, (close-ll)/(hh-ll)*100)
	}

	k = make([]float64, 0, len(rawK)-dPeriod+1)
	d = make([]float64, 0, len(rawK)-dPeriod+1)
	for i := dPeriod - 1; i < len(rawK); i++ {
		sum := 0.0
		for j := i - dPeriod + 1; j <= i; j++ {
			sum += rawK[j]
		}
		k = append(k, rawK[i])
		d = append(d, sum/float64(dPeriod))
	}

	return k, d, nil
}

// BollingerBands computes the latest (lower, middle, upper) bands using
// a simple moving average and population standard deviation.
func BollingerBands(closes []float64, period int, stdMul float64) (lower, middle, upper float64, err error) {
	if period <= 0 || len(closes) < period {
		return 0, 0, 0, ErrInsufficientData
	}

	window := closes[len(closes)-period:]

	mean := 0.0
	for _, v := range window {
		mean += v
	}
	mean /= float64(period)

	variance := 0.0
	for _, v := range window {
		diff := v - mean
		variance += diff * diff
	}
	variance /= float64(period)
	sd := math.Sqrt(variance)

	return mean - stdMul*sd, mean, mean + stdMul*sd, nil
}

// ADX computes the latest Wilder average directional index.
func ADX(bars []types.Candle, period int) (float64, error) {
	if period <= 0 || len(bars) < 2*period+1 {
		return 0, ErrInsufficientData
	}

	n := len(bars)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	tr := make([]float64, n)

	for i := 1; i < n; i++ {
		upMove := bars[i].High.InexactFloat64() - bars[i-1].High.InexactFloat64()
		downMove := bars[i-1].Low.InexactFloat64() - bars[i].Low.InexactFloat64()
		if upMove > downMove && upMove > 0 {
			plusDM[i] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i] = downMove
		}
		tr[i] = trueRange(bars, i)
	}

	// Wilder smoothing of TR and DM over the first period.
	var smTR, smPlus, smMinus float64
	for i := 1; i <= period; i++ {
		smTR += tr[i]
		smPlus += plusDM[i]
		smMinus += minusDM[i]
	}

	dxs := make([]float64, 0, n-period)
	appendDX := func() {
		if smTR == 0 {
			dxs = append(dxs, 0)
			return
		}
		pDI := smPlus / smTR * 100
		mDI := smMinus / smTR * 100
		if pDI+mDI == 0 {
			dxs = append(dxs, 0)
			return
		}
		dxs = append(dxs, math.Abs(pDI-mDI)/(pDI+mDI)*100)
	}
	appendDX()

	for i := period + 1; i < n; i++ {
		smTR = smTR - smTR/float64(period) + tr[i]
		smPlus = smPlus - smPlus/float64(period) + plusDM[i]
		smMinus = smMinus - smMinus/float64(period) + minusDM[i]
		appendDX()
	}

	if len(dxs) < period {
		return 0, ErrInsufficientData
	}

	adx := 0.0
	for _, dx := range dxs[:period] {
		adx += dx
	}
	adx /= float64(period)
	for _, dx := range dxs[period:] {
		adx = (adx*float64(period-1) + dx) / float64(period)
	}

	return adx, nil
}
