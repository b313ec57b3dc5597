// Package types provides shared type definitions for the trading engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side represents buy or sell.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Action is the decision a strategy emits for a single coin.
type Action string

const (
	ActionBuy         Action = "BUY"
	ActionHold        Action = "HOLD"
	ActionSellPartial Action = "SELL_PARTIAL"
	ActionClose       Action = "CLOSE"
)

// Regime is the coarse market classification derived from daily candles.
type Regime string

const (
	RegimeStrongBullish Regime = "strong_bullish"
	RegimeBullish       Regime = "bullish"
	RegimeNeutral       Regime = "neutral"
	RegimeBearish       Regime = "bearish"
	RegimeStrongBearish Regime = "strong_bearish"
	RegimeRanging       Regime = "ranging"
	RegimeUnknown       Regime = "unknown"
)

// VolatilityBucket classifies ATR/close into coarse volatility bands.
type VolatilityBucket string

const (
	VolatilityLow     VolatilityBucket = "low"
	VolatilityNormal  VolatilityBucket = "normal"
	VolatilityHigh    VolatilityBucket = "high"
	VolatilityExtreme VolatilityBucket = "extreme"
)

// ProfitTargetMode selects which Bollinger band closes the remainder of a
// position.
type ProfitTargetMode string

const (
	TargetBBUpper  ProfitTargetMode = "bb_upper"
	TargetBBMiddle ProfitTargetMode = "bb_middle"
)

// Candle represents a single OHLCV bar. OpenTime is UTC.
type Candle struct {
	OpenTime time.Time       `json:"openTime"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}

// Coin is the static configuration for one tradable market.
type Coin struct {
	Symbol         string          `json:"symbol"` // e.g. "BTC"
	Pair           string          `json:"pair"`   // e.g. "BTC/KRW"
	MinOrderQty    decimal.Decimal `json:"minOrderQty"`
	MinOrderValue  decimal.Decimal `json:"minOrderValue"`
	PricePrecision int32           `json:"pricePrecision"`
	QtyPrecision   int32           `json:"qtyPrecision"`
	Rank           int             `json:"rank"` // deterministic tiebreaker, lower wins
}

// EntryWeights are the per-component weights of the entry score.
type EntryWeights struct {
	BBTouch     float64 `json:"bbTouch"`
	RSIOversold float64 `json:"rsiOversold"`
	StochCross  float64 `json:"stochCross"`
}

// Factors is the active, cycle-scoped parameter set derived from
// (regime, volatility). Rebuilt at every cycle start; no hysteresis.
type Factors struct {
	Regime                 Regime           `json:"regime"`
	Volatility             VolatilityBucket `json:"volatilityBucket"`
	EntryWeights           EntryWeights     `json:"entryWeights"`
	MinEntryScore          int              `json:"minEntryScore"`
	RSIOversoldThreshold   float64          `json:"rsiOversoldThreshold"`
	StochOversoldThreshold float64          `json:"stochOversoldThreshold"`
	ChandelierMultiplier   float64          `json:"chandelierMultiplier"`
	PositionSizeMultiplier float64          `json:"positionSizeMultiplier"`
	ProfitTargetMode       ProfitTargetMode `json:"profitTargetMode"`
	TrailingStopPct        float64          `json:"trailingStopPct"`
	PyramidThresholdPct    float64          `json:"pyramidThresholdPct"`
	RequireExtremeOversold bool             `json:"requireExtremeOversold"`
	GeneratedAt            time.Time        `json:"generatedAt"`
}

// Position is one open long spot position. At most one exists per coin.
type Position struct {
	Coin              string           `json:"coin"`
	EntryPrice        decimal.Decimal  `json:"entryPrice"`
	Size              decimal.Decimal  `json:"size"`
	EntryTime         time.Time        `json:"entryTime"`
	RegimeAtEntry     Regime           `json:"regimeAtEntry"`
	EntryScore        float64          `json:"entryScore"`
	StopLossPrice     decimal.Decimal  `json:"stopLossPrice"`
	FirstTargetPrice  decimal.Decimal  `json:"firstTargetPrice"`
	SecondTargetPrice decimal.Decimal  `json:"secondTargetPrice"`
	ProfitTargetMode  ProfitTargetMode `json:"profitTargetMode"`
	FirstTargetHit    bool             `json:"firstTargetHit"`
	HighestSinceEntry decimal.Decimal  `json:"highestSinceEntry"`
	EntriesTaken      int              `json:"entriesTaken"`
	LastExitReason    string           `json:"lastExitReason,omitempty"`
}

// Transaction is one append-only journal row. Immutable once written.
type Transaction struct {
	Timestamp   time.Time        `json:"timestamp"`
	Coin        string           `json:"coin"`
	Side        Side             `json:"side"`
	Qty         decimal.Decimal  `json:"qty"`
	Price       decimal.Decimal  `json:"price"`
	Fee         decimal.Decimal  `json:"fee"`
	Reason      string           `json:"reason"`
	Regime      Regime           `json:"regime"`
	EntryScore  float64          `json:"entryScore,omitempty"`
	RealizedPnL *decimal.Decimal `json:"realizedPnl,omitempty"`
	PnLPct      *decimal.Decimal `json:"pnlPct,omitempty"`
	DryRun      bool             `json:"dryRun"`
	OrderID     string           `json:"orderId,omitempty"`
}

// DailySnapshot is the once-per-day roll-up consumed by the dashboard.
type DailySnapshot struct {
	Date             string          `json:"date"` // YYYY-MM-DD
	TotalAssets      decimal.Decimal `json:"totalAssets"`
	DailyPnL         decimal.Decimal `json:"dailyPnl"`
	DailyPnLPct      decimal.Decimal `json:"dailyPnlPct"`
	CumulativePnLPct decimal.Decimal `json:"cumulativePnlPct"`
	PositionCount    int             `json:"positionCount"`
	TradesToday      int             `json:"tradesToday"`
}

// TradeOutcome is one realized per-trade result kept for analytics.
type TradeOutcome struct {
	ClosedAt    time.Time       `json:"closedAt"`
	Coin        string          `json:"coin"`
	EntryPrice  decimal.Decimal `json:"entryPrice"`
	ExitPrice   decimal.Decimal `json:"exitPrice"`
	Qty         decimal.Decimal `json:"qty"`
	RealizedPnL decimal.Decimal `json:"realizedPnl"`
	PnLPct      decimal.Decimal `json:"pnlPct"`
	Reason      string          `json:"reason"`
	Regime      Regime          `json:"regime"`
	HoldingTime time.Duration   `json:"holdingTime"`
}

// EngineState is the durable engine snapshot persisted at the end of each
// cycle.
type EngineState struct {
	UpdatedAt                time.Time         `json:"updatedAt"`
	Positions                []*Position       `json:"positions"`
	LastFactors              *Factors          `json:"lastFactors,omitempty"`
	LastRegimePerCoin        map[string]Regime `json:"lastRegimePerCoin"`
	DailyLossPct             decimal.Decimal   `json:"dailyLossPct"`
	ConsecutiveLosses        int               `json:"consecutiveLosses"`
	ConsecutiveTimeoutCycles int               `json:"consecutiveTimeoutCycles"`
	ObservationMode          bool              `json:"observationMode"`
	LastRebalanceMonth       string            `json:"lastRebalanceMonth,omitempty"`
	LastEmergencyMonth       string            `json:"lastEmergencyRebalanceMonth,omitempty"`
}

// IndicatorSnapshot is the indicator state a decision was made from.
// Values are scratch floats; persisted money stays decimal.
type IndicatorSnapshot struct {
	Close      float64 `json:"close"`
	BBLower    float64 `json:"bbLower"`
	BBMiddle   float64 `json:"bbMiddle"`
	BBUpper    float64 `json:"bbUpper"`
	RSI        float64 `json:"rsi"`
	StochK     float64 `json:"stochK"`
	StochD     float64 `json:"stochD"`
	PrevStochK float64 `json:"prevStochK"`
	PrevStochD float64 `json:"prevStochD"`
	ATR        float64 `json:"atr"`
	ATRPct     float64 `json:"atrPct"`
	ADX        float64 `json:"adx"`
}

// Decision is the output of one per-coin analysis.
type Decision struct {
	Coin       string            `json:"coin"`
	Action     Action            `json:"action"`
	Reason     string            `json:"reason"`
	Score      float64           `json:"score"`
	Regime     Regime            `json:"regime"`
	Indicators IndicatorSnapshot `json:"indicators"`
	TimedOut   bool              `json:"timedOut,omitempty"`
}

// Ticker is a minimal last-price quote.
type Ticker struct {
	Pair      string          `json:"pair"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// Fill is the exchange-side result of a market order.
type Fill struct {
	OrderID  string          `json:"orderId"`
	Pair     string          `json:"pair"`
	Side     Side            `json:"side"`
	Qty      decimal.Decimal `json:"qty"`
	AvgPrice decimal.Decimal `json:"avgPrice"`
	Fee      decimal.Decimal `json:"fee"`
	FilledAt time.Time       `json:"filledAt"`
}
