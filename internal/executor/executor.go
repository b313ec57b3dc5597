// Package executor owns the position table and is the only component
// that sends orders. It translates strategy intent into market orders,
// implements the stop-loss / partial take-profit / trailing-stop state
// machine, and journals every fill.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ver3-trading/engine/internal/clock"
	"github.com/ver3-trading/engine/internal/exchange"
	"github.com/ver3-trading/engine/internal/notify"
	"github.com/ver3-trading/engine/internal/store"
	"github.com/ver3-trading/engine/pkg/types"
)

// Target distances in ATR-stop units.
var (
	firstTargetMul  = decimal.NewFromFloat(1.5)
	secondTargetMul = decimal.NewFromFloat(2.5)
	half            = decimal.NewFromFloat(0.5)
	hundred         = decimal.NewFromInt(100)
)

// Pyramid add sizes relative to the base entry.
var pyramidSizes = []decimal.Decimal{
	decimal.NewFromInt(1),
	decimal.NewFromFloat(0.5),
	decimal.NewFromFloat(0.25),
}

// Config configures order execution.
type Config struct {
	DryRun            bool
	FeeRate           decimal.Decimal
	RiskPerTradePct   decimal.Decimal // fraction of capital risked per trade
	RetryAttempts     int
	RetryBaseDelay    time.Duration
	RateLimitWait     time.Duration
	PyramidingEnabled bool
	MaxPyramidEntries int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DryRun:            true,
		FeeRate:           decimal.NewFromFloat(0.0005),
		RiskPerTradePct:   decimal.NewFromFloat(0.01),
		RetryAttempts:     3,
		RetryBaseDelay:    time.Second,
		RateLimitWait:     5 * time.Second,
		PyramidingEnabled: false,
		MaxPyramidEntries: 3,
	}
}

// ApplyResult reports what the executor did for one decision.
type ApplyResult struct {
	Coin        string
	Action      types.Action
	Filled      bool
	Reason      string
	OrderID     string
	Qty         decimal.Decimal
	AvgPrice    decimal.Decimal
	Fee         decimal.Decimal
	RealizedPnL *decimal.Decimal
	PnLPct      *decimal.Decimal
	Closed      bool // position fully removed
}

// Executor owns all open positions.
type Executor struct {
	logger   *zap.Logger
	cfg      Config
	adapter  exchange.Adapter
	store    *store.Store
	notifier *notify.Service
	clock    clock.Clock

	mu                sync.Mutex
	positions         map[string]*types.Position
	consecutiveLosses int
}

// New creates an executor. The adapter is only used for live orders;
// dry runs never touch it for order placement.
func New(logger *zap.Logger, cfg Config, adapter exchange.Adapter, st *store.Store, notifier *notify.Service, clk clock.Clock) *Executor {
	return &Executor{
		logger:    logger.Named("executor"),
		cfg:       cfg,
		adapter:   adapter,
		store:     st,
		notifier:  notifier,
		clock:     clk,
		positions: make(map[string]*types.Position),
	}
}

// Restore seeds the position table and loss counter from persisted state.
func (e *Executor) Restore(positions []*types.Position, consecutiveLosses int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range positions {
		e.positions[p.Coin] = p
	}
	e.consecutiveLosses = consecutiveLosses
}

// Positions returns a copy of the open position table.
func (e *Executor) Positions() []*types.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*types.Position, 0, len(e.positions))
	for _, p := range e.positions {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// Position returns a copy of one position.
func (e *Executor) Position(coin string) (types.Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.positions[coin]
	if !ok {
		return types.Position{}, false
	}
	return *p, true
}

// OpenCount reports how many positions are open.
func (e *Executor) OpenCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.positions)
}

// ConsecutiveLosses reports the realized-loss streak.
func (e *Executor) ConsecutiveLosses() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.consecutiveLosses
}

// Apply routes one strategy decision. Entries require the current
// capital for risk sizing.
func (e *Executor) Apply(ctx context.Context, d types.Decision, coin types.Coin, f types.Factors, capital decimal.Decimal) (*ApplyResult, error) {
	switch d.Action {
	case types.ActionBuy:
		return e.open(ctx, d, coin, f, capital)
	case types.ActionSellPartial:
		return e.sellPartial(ctx, d, coin, f)
	case types.ActionClose:
		return e.close(ctx, coin, d.Reason, d.Regime, decimal.NewFromFloat(d.Indicators.Close))
	default:
		return &ApplyResult{Coin: coin.Symbol, Action: d.Action, Reason: d.Reason}, nil
	}
}

// open sizes and places a new entry.
func (e *Executor) open(ctx context.Context, d types.Decision, coin types.Coin, f types.Factors, capital decimal.Decimal) (*ApplyResult, error) {
	e.mu.Lock()
	if _, exists := e.positions[coin.Symbol]; exists {
		e.mu.Unlock()
		return &ApplyResult{Coin: coin.Symbol, Action: d.Action, Reason: "already_in_position"}, nil
	}
	e.mu.Unlock()

	refPrice := decimal.NewFromFloat(d.Indicators.Close)
	atr := decimal.NewFromFloat(d.Indicators.ATR)
	if refPrice.IsZero() || atr.IsZero() {
		return nil, fmt.Errorf("executor %s: zero price or ATR in decision: %w", coin.Symbol, exchange.ErrInvalidParam)
	}

	riskPerTrade := capital.Mul(e.cfg.RiskPerTradePct).Mul(decimal.NewFromFloat(f.PositionSizeMultiplier))
	atrStopDist := atr.Mul(decimal.NewFromFloat(f.ChandelierMultiplier))
	size := riskPerTrade.Div(atrStopDist).RoundDown(coin.QtyPrecision)

	if size.LessThan(coin.MinOrderQty) || size.Mul(refPrice).LessThan(coin.MinOrderValue) {
		e.logger.Info("entry below minimum order size",
			zap.String("coin", coin.Symbol), zap.String("size", size.String()))
		return &ApplyResult{Coin: coin.Symbol, Action: d.Action, Reason: "below_min_order"}, nil
	}

	fill, err := e.execute(ctx, coin.Pair, types.SideBuy, size, refPrice)
	if err != nil {
		return nil, fmt.Errorf("executor %s: entry order: %w", coin.Symbol, err)
	}

	entryPrice := fill.AvgPrice
	pos := &types.Position{
		Coin:              coin.Symbol,
		EntryPrice:        entryPrice,
		Size:              fill.Qty,
		EntryTime:         e.clock.Now(),
		RegimeAtEntry:     d.Regime,
		EntryScore:        d.Score,
		StopLossPrice:     entryPrice.Sub(atrStopDist),
		FirstTargetPrice:  entryPrice.Add(atrStopDist.Mul(firstTargetMul)),
		SecondTargetPrice: entryPrice.Add(atrStopDist.Mul(secondTargetMul)),
		ProfitTargetMode:  f.ProfitTargetMode,
		HighestSinceEntry: entryPrice,
		EntriesTaken:      1,
	}

	e.mu.Lock()
	e.positions[coin.Symbol] = pos
	e.mu.Unlock()

	e.journal(types.Transaction{
		Timestamp:  e.clock.Now(),
		Coin:       coin.Symbol,
		Side:       types.SideBuy,
		Qty:        fill.Qty,
		Price:      entryPrice,
		Fee:        fill.Fee,
		Reason:     d.Reason,
		Regime:     d.Regime,
		EntryScore: d.Score,
		DryRun:     e.cfg.DryRun,
		OrderID:    fill.OrderID,
	})

	e.logger.Info("position opened",
		zap.String("coin", coin.Symbol),
		zap.String("entry", entryPrice.String()),
		zap.String("size", fill.Qty.String()),
		zap.String("stop", pos.StopLossPrice.String()),
		zap.String("first_target", pos.FirstTargetPrice.String()),
		zap.Float64("score", d.Score))

	return &ApplyResult{
		Coin: coin.Symbol, Action: types.ActionBuy, Filled: true, Reason: d.Reason,
		OrderID: fill.OrderID, Qty: fill.Qty, AvgPrice: entryPrice, Fee: fill.Fee,
	}, nil
}

// sellPartial realizes half the position at the first target and arms
// the trailing stop.
func (e *Executor) sellPartial(ctx context.Context, d types.Decision, coin types.Coin, f types.Factors) (*ApplyResult, error) {
	e.mu.Lock()
	pos, ok := e.positions[coin.Symbol]
	if !ok {
		e.mu.Unlock()
		return &ApplyResult{Coin: coin.Symbol, Action: d.Action, Reason: "no_position"}, nil
	}
	sellQty := pos.Size.Mul(half).RoundDown(coin.QtyPrecision)
	e.mu.Unlock()

	if sellQty.IsZero() {
		// Remainder too small to split; close it out instead.
		return e.close(ctx, coin, d.Reason, d.Regime, decimal.NewFromFloat(d.Indicators.Close))
	}

	refPrice := decimal.NewFromFloat(d.Indicators.Close)
	fill, err := e.execute(ctx, coin.Pair, types.SideSell, sellQty, refPrice)
	if err != nil {
		return nil, fmt.Errorf("executor %s: partial exit order: %w", coin.Symbol, err)
	}

	e.mu.Lock()
	pnl := fill.AvgPrice.Sub(pos.EntryPrice).Mul(fill.Qty)
	pnlPct := fill.AvgPrice.Sub(pos.EntryPrice).Div(pos.EntryPrice).Mul(hundred)

	pos.Size = pos.Size.Sub(fill.Qty)
	pos.FirstTargetHit = true
	if fill.AvgPrice.GreaterThan(pos.HighestSinceEntry) {
		pos.HighestSinceEntry = fill.AvgPrice
	}
	e.raiseTrailingStopLocked(pos, f.TrailingStopPct)

	if pnl.IsPositive() {
		e.consecutiveLosses = 0
	}
	e.mu.Unlock()

	e.journal(types.Transaction{
		Timestamp: e.clock.Now(), Coin: coin.Symbol, Side: types.SideSell,
		Qty: fill.Qty, Price: fill.AvgPrice, Fee: fill.Fee,
		Reason: d.Reason, Regime: d.Regime,
		RealizedPnL: &pnl, PnLPct: &pnlPct,
		DryRun: e.cfg.DryRun, OrderID: fill.OrderID,
	})

	e.logger.Info("first target hit, sold half",
		zap.String("coin", coin.Symbol),
		zap.String("qty", fill.Qty.String()),
		zap.String("price", fill.AvgPrice.String()),
		zap.String("new_stop", e.mustStop(coin.Symbol).String()))

	return &ApplyResult{
		Coin: coin.Symbol, Action: types.ActionSellPartial, Filled: true, Reason: d.Reason,
		OrderID: fill.OrderID, Qty: fill.Qty, AvgPrice: fill.AvgPrice, Fee: fill.Fee,
		RealizedPnL: &pnl, PnLPct: &pnlPct,
	}, nil
}

// close exits the full remaining position.
func (e *Executor) close(ctx context.Context, coin types.Coin, reason string, reg types.Regime, refPrice decimal.Decimal) (*ApplyResult, error) {
	e.mu.Lock()
	pos, ok := e.positions[coin.Symbol]
	if !ok {
		e.mu.Unlock()
		return &ApplyResult{Coin: coin.Symbol, Action: types.ActionClose, Reason: "no_position"}, nil
	}
	qty := pos.Size
	e.mu.Unlock()

	fill, err := e.execute(ctx, coin.Pair, types.SideSell, qty, refPrice)
	if err != nil {
		return nil, fmt.Errorf("executor %s: close order: %w", coin.Symbol, err)
	}

	e.mu.Lock()
	pnl := fill.AvgPrice.Sub(pos.EntryPrice).Mul(fill.Qty)
	pnlPct := fill.AvgPrice.Sub(pos.EntryPrice).Div(pos.EntryPrice).Mul(hundred)
	entry := *pos
	delete(e.positions, coin.Symbol)

	if pnl.IsNegative() {
		e.consecutiveLosses++
	} else if pnl.IsPositive() {
		e.consecutiveLosses = 0
	}
	losses := e.consecutiveLosses
	e.mu.Unlock()

	tx := types.Transaction{
		Timestamp: e.clock.Now(), Coin: coin.Symbol, Side: types.SideSell,
		Qty: fill.Qty, Price: fill.AvgPrice, Fee: fill.Fee,
		Reason: reason, Regime: reg,
		RealizedPnL: &pnl, PnLPct: &pnlPct,
		DryRun: e.cfg.DryRun, OrderID: fill.OrderID,
	}
	e.journal(tx)

	if e.store != nil {
		outcome := types.TradeOutcome{
			ClosedAt:    e.clock.Now(),
			Coin:        coin.Symbol,
			EntryPrice:  entry.EntryPrice,
			ExitPrice:   fill.AvgPrice,
			Qty:         fill.Qty,
			RealizedPnL: pnl,
			PnLPct:      pnlPct,
			Reason:      reason,
			Regime:      entry.RegimeAtEntry,
			HoldingTime: e.clock.Now().Sub(entry.EntryTime),
		}
		if err := e.store.AppendPerformance(outcome); err != nil {
			e.logger.Warn("performance append failed", zap.Error(err))
		}
	}

	e.logger.Info("position closed",
		zap.String("coin", coin.Symbol),
		zap.String("reason", reason),
		zap.String("pnl", pnl.StringFixed(2)),
		zap.String("pnl_pct", pnlPct.StringFixed(2)),
		zap.Int("consecutive_losses", losses))

	return &ApplyResult{
		Coin: coin.Symbol, Action: types.ActionClose, Filled: true, Reason: reason,
		OrderID: fill.OrderID, Qty: fill.Qty, AvgPrice: fill.AvgPrice, Fee: fill.Fee,
		RealizedPnL: &pnl, PnLPct: &pnlPct, Closed: true,
	}, nil
}

// CloseMarket closes a named position at the current ticker, used by the
// remote close command.
func (e *Executor) CloseMarket(ctx context.Context, coin types.Coin, reason string) (*ApplyResult, error) {
	pos, ok := e.Position(coin.Symbol)
	if !ok {
		return &ApplyResult{Coin: coin.Symbol, Action: types.ActionClose, Reason: "no_position"}, nil
	}

	ticker, err := e.adapter.GetTicker(ctx, coin.Pair)
	if err != nil {
		return nil, fmt.Errorf("executor %s: ticker for close: %w", coin.Symbol, err)
	}
	return e.close(ctx, coin, reason, pos.RegimeAtEntry, ticker.Price)
}

// OnPrice feeds an observed price into the trailing-stop state machine.
// The stop only ever moves up.
func (e *Executor) OnPrice(coin string, price decimal.Decimal, trailingPct float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.positions[coin]
	if !ok {
		return
	}
	if price.GreaterThan(pos.HighestSinceEntry) {
		pos.HighestSinceEntry = price
	}
	if pos.FirstTargetHit {
		e.raiseTrailingStopLocked(pos, trailingPct)
	}
}

// raiseTrailingStopLocked lifts the stop to the trailing candidate if
// higher. Callers hold e.mu.
func (e *Executor) raiseTrailingStopLocked(pos *types.Position, trailingPct float64) {
	candidate := pos.HighestSinceEntry.Mul(decimal.NewFromFloat(1 - trailingPct))
	if candidate.GreaterThan(pos.StopLossPrice) {
		pos.StopLossPrice = candidate
	}
}

// MaybePyramid adds to an existing position when price has dropped the
// configured gap below the current entry average. Disabled by default.
func (e *Executor) MaybePyramid(ctx context.Context, coin types.Coin, f types.Factors, d types.Decision, capital decimal.Decimal) (*ApplyResult, error) {
	if !e.cfg.PyramidingEnabled {
		return nil, nil
	}

	e.mu.Lock()
	pos, ok := e.positions[coin.Symbol]
	if !ok || pos.EntriesTaken >= e.cfg.MaxPyramidEntries {
		e.mu.Unlock()
		return nil, nil
	}
	price := decimal.NewFromFloat(d.Indicators.Close)
	gate := pos.EntryPrice.Mul(decimal.NewFromFloat(1 - f.PyramidThresholdPct))
	if price.GreaterThan(gate) {
		e.mu.Unlock()
		return nil, nil
	}
	entries := pos.EntriesTaken
	e.mu.Unlock()

	atr := decimal.NewFromFloat(d.Indicators.ATR)
	atrStopDist := atr.Mul(decimal.NewFromFloat(f.ChandelierMultiplier))
	baseSize := capital.Mul(e.cfg.RiskPerTradePct).
		Mul(decimal.NewFromFloat(f.PositionSizeMultiplier)).
		Div(atrStopDist)
	addSize := baseSize.Mul(pyramidSizes[entries]).RoundDown(coin.QtyPrecision)

	if addSize.LessThan(coin.MinOrderQty) || addSize.Mul(price).LessThan(coin.MinOrderValue) {
		return nil, nil
	}

	fill, err := e.execute(ctx, coin.Pair, types.SideBuy, addSize, price)
	if err != nil {
		return nil, fmt.Errorf("executor %s: pyramid order: %w", coin.Symbol, err)
	}

	e.mu.Lock()
	totalCost := pos.EntryPrice.Mul(pos.Size).Add(fill.AvgPrice.Mul(fill.Qty))
	pos.Size = pos.Size.Add(fill.Qty)
	pos.EntryPrice = totalCost.Div(pos.Size)
	pos.EntriesTaken++
	// Stop math refreshes on the combined position; the trailing anchor
	// restarts from the new average.
	pos.StopLossPrice = pos.EntryPrice.Sub(atrStopDist)
	pos.FirstTargetPrice = pos.EntryPrice.Add(atrStopDist.Mul(firstTargetMul))
	pos.SecondTargetPrice = pos.EntryPrice.Add(atrStopDist.Mul(secondTargetMul))
	pos.HighestSinceEntry = pos.EntryPrice
	e.mu.Unlock()

	e.journal(types.Transaction{
		Timestamp: e.clock.Now(), Coin: coin.Symbol, Side: types.SideBuy,
		Qty: fill.Qty, Price: fill.AvgPrice, Fee: fill.Fee,
		Reason: "pyramid", Regime: d.Regime,
		DryRun: e.cfg.DryRun, OrderID: fill.OrderID,
	})

	return &ApplyResult{
		Coin: coin.Symbol, Action: types.ActionBuy, Filled: true, Reason: "pyramid",
		OrderID: fill.OrderID, Qty: fill.Qty, AvgPrice: fill.AvgPrice, Fee: fill.Fee,
	}, nil
}

// execute places one market order. Dry runs fill locally at refPrice.
// Transient errors retry with exponential backoff and jitter; rate
// limits wait out the window without consuming an attempt.
func (e *Executor) execute(ctx context.Context, pair string, side types.Side, qty, refPrice decimal.Decimal) (types.Fill, error) {
	if e.cfg.DryRun {
		return types.Fill{
			OrderID:  uuid.NewString(),
			Pair:     pair,
			Side:     side,
			Qty:      qty,
			AvgPrice: refPrice,
			Fee:      qty.Mul(refPrice).Mul(e.cfg.FeeRate),
			FilledAt: e.clock.Now(),
		}, nil
	}

	var lastErr error
	for attempt := 0; attempt < e.cfg.RetryAttempts; {
		fill, err := e.adapter.PlaceMarketOrder(ctx, pair, side, qty)
		if err == nil {
			return fill, nil
		}
		lastErr = err

		switch {
		case errors.Is(err, exchange.ErrRateLimited):
			e.logger.Warn("rate limited, waiting", zap.String("pair", pair))
			if serr := e.clock.Sleep(ctx, e.cfg.RateLimitWait); serr != nil {
				return types.Fill{}, serr
			}
			// Not counted against the retry budget.
			continue

		case errors.Is(err, exchange.ErrTransient):
			attempt++
			if attempt >= e.cfg.RetryAttempts {
				return types.Fill{}, fmt.Errorf("order failed after %d attempts: %w", attempt, lastErr)
			}
			backoff := e.cfg.RetryBaseDelay << (attempt - 1)
			backoff += time.Duration(rand.Int63n(int64(e.cfg.RetryBaseDelay) / 2))
			e.logger.Warn("transient order error, retrying",
				zap.String("pair", pair), zap.Int("attempt", attempt), zap.Error(err))
			if serr := e.clock.Sleep(ctx, backoff); serr != nil {
				return types.Fill{}, serr
			}

		default:
			// Auth, invalid-param, and permanent errors do not retry.
			return types.Fill{}, err
		}
	}

	return types.Fill{}, lastErr
}

// journal appends a transaction row and notifies; neither failure stops
// trading.
func (e *Executor) journal(tx types.Transaction) {
	if e.store != nil {
		if err := e.store.AppendTransaction(tx); err != nil {
			e.logger.Error("journal append failed", zap.Error(err))
		}
	}
	if e.notifier != nil {
		e.notifier.NotifyTrade(tx)
	}
}

// mustStop reads a position's stop for logging.
func (e *Executor) mustStop(coin string) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pos, ok := e.positions[coin]; ok {
		return pos.StopLossPrice
	}
	return decimal.Zero
}
