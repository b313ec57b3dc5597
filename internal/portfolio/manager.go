// Package portfolio orchestrates one trading cycle: it fans out
// per-coin analyses under timeouts, substitutes safe HOLD decisions for
// stragglers, arbitrates entries against portfolio-wide risk gates, and
// persists the resulting engine state atomically.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ver3-trading/engine/internal/clock"
	"github.com/ver3-trading/engine/internal/exchange"
	"github.com/ver3-trading/engine/internal/executor"
	"github.com/ver3-trading/engine/internal/factors"
	"github.com/ver3-trading/engine/internal/indicator"
	"github.com/ver3-trading/engine/internal/metrics"
	"github.com/ver3-trading/engine/internal/notify"
	"github.com/ver3-trading/engine/internal/regime"
	"github.com/ver3-trading/engine/internal/store"
	"github.com/ver3-trading/engine/pkg/types"
)

// Candle fetch depths per cycle.
const (
	dailyBarsLimit    = 220
	fourHourBarsLimit = 200
)

// Rejection reasons recorded in the cycle summary.
const (
	RejectPortfolioSlot   = "portfolio_slot"
	RejectDailyLoss       = "daily_loss_limit"
	RejectObservationMode = "observation_mode"
	RejectInPosition      = "already_in_position"
	RejectReadOnly        = "auth_read_only"
)

// emergencyRebalanceRatio triggers an off-schedule rebalance when open
// positions fall below this share of the target count.
const emergencyRebalanceRatio = 0.7

// Analyzer is the strategy capability the manager programs against.
type Analyzer interface {
	Analyze(coin types.Coin, bars []types.Candle, f types.Factors, pos *types.Position) (types.Decision, error)
}

// Config holds the portfolio-level limits and timeouts.
type Config struct {
	MaxPositions         int
	MaxDailyLossPct      float64
	MaxConsecutiveLosses int
	PerCoinTimeout       time.Duration
	TotalTimeout         time.Duration
	InitialCapital       decimal.Decimal
	DailyCloseHourUTC    int
	RebalanceEnabled     bool
	TargetCoinCount      int
	PyramidingEnabled    bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxPositions:         2,
		MaxDailyLossPct:      3.0,
		MaxConsecutiveLosses: 3,
		PerCoinTimeout:       60 * time.Second,
		TotalTimeout:         120 * time.Second,
		InitialCapital:       decimal.NewFromInt(1000000),
		DailyCloseHourUTC:    23,
		RebalanceEnabled:     false,
		TargetCoinCount:      3,
	}
}

// Manager runs trading cycles.
type Manager struct {
	logger     *zap.Logger
	cfg        Config
	coins      []types.Coin
	adapter    exchange.Adapter
	classifier *regime.Classifier
	factors    *factors.Manager
	analyzer   Analyzer
	executor   *executor.Executor
	store      *store.Store
	notifier   *notify.Service
	metrics    *metrics.Metrics
	clock      clock.Clock

	mu          sync.Mutex
	lastRegime  map[string]types.Regime
	lastFactors *types.Factors
	lastATRPct  float64

	capital         decimal.Decimal
	dayStartCapital decimal.Decimal
	dailyRealized   decimal.Decimal
	tradesToday     int
	currentDay      string
	snapshotDay     string

	consecutiveTimeoutCycles int
	lastRebalanceMonth       string
	lastEmergencyMonth       string

	// readOnly suppresses new orders after an authentication failure
	// until the operator restarts with working credentials.
	readOnly bool
}

// New wires a manager from its collaborators.
func New(
	logger *zap.Logger,
	cfg Config,
	coins []types.Coin,
	adapter exchange.Adapter,
	classifier *regime.Classifier,
	fm *factors.Manager,
	analyzer Analyzer,
	exec *executor.Executor,
	st *store.Store,
	notifier *notify.Service,
	m *metrics.Metrics,
	clk clock.Clock,
) *Manager {
	return &Manager{
		logger:     logger.Named("portfolio"),
		cfg:        cfg,
		coins:      coins,
		adapter:    adapter,
		classifier: classifier,
		factors:    fm,
		analyzer:   analyzer,
		executor:   exec,
		store:      st,
		notifier:   notifier,
		metrics:    m,
		clock:      clk,
		lastRegime: make(map[string]types.Regime),
		capital:    cfg.InitialCapital,
	}
}

// Restore seeds cycle state from a persisted snapshot.
func (m *Manager) Restore(st *types.EngineState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st.LastRegimePerCoin != nil {
		m.lastRegime = st.LastRegimePerCoin
	}
	m.lastFactors = st.LastFactors
	m.consecutiveTimeoutCycles = st.ConsecutiveTimeoutCycles
	m.lastRebalanceMonth = st.LastRebalanceMonth
	m.lastEmergencyMonth = st.LastEmergencyMonth
}

// ObservationMode reports whether new entries are currently suppressed.
func (m *Manager) ObservationMode() bool {
	return m.executor.ConsecutiveLosses() >= m.cfg.MaxConsecutiveLosses
}

// ConsecutiveTimeoutCycles reports the all-timeout cycle streak.
func (m *Manager) ConsecutiveTimeoutCycles() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutiveTimeoutCycles
}

// CycleSummary reports what one cycle did.
type CycleSummary struct {
	CycleID       string
	StartedAt     time.Time
	Duration      time.Duration
	Decisions     []types.Decision
	TimedOutCoins []string
	AllTimedOut   bool
	EntriesTaken  int
	ExitsTaken    int
	Rejections    map[string]string // coin -> reason
	Errors        []string
}

type coinResult struct {
	coin     types.Coin
	decision types.Decision
	factors  types.Factors
	atrPct   float64
	err      error
}

// RunCycle executes one full analyze/arbitrate/execute/persist pass.
func (m *Manager) RunCycle(ctx context.Context) (*CycleSummary, error) {
	start := m.clock.Now()
	cycleID := uuid.NewString()[:8]
	log := m.logger.With(zap.String("cycle_id", cycleID))

	m.rollTradingDay(start)

	summary := &CycleSummary{
		CycleID:    cycleID,
		StartedAt:  start,
		Rejections: make(map[string]string),
	}

	// Step 1: immutable snapshot of the inputs.
	coins := make([]types.Coin, len(m.coins))
	copy(coins, m.coins)
	positions := make(map[string]types.Position)
	for _, p := range m.executor.Positions() {
		positions[p.Coin] = *p
	}

	// Step 2-3: bounded fan-out, one task per coin.
	results := m.analyzeAll(ctx, log, coins, positions)

	// Step 4: substitute HOLD + last regime for stragglers and failures.
	decisions := make(map[string]types.Decision, len(coins))
	factorsByCoin := make(map[string]types.Factors, len(coins))
	timedOut := 0
	for _, coin := range coins {
		res, ok := results[coin.Symbol]
		switch {
		case !ok:
			timedOut++
			summary.TimedOutCoins = append(summary.TimedOutCoins, coin.Symbol)
			decisions[coin.Symbol] = m.fallbackDecision(coin.Symbol, true)
			log.Warn("per-coin analysis timed out",
				zap.String("coin", coin.Symbol), zap.String("component", "portfolio"))
		case res.err != nil:
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", coin.Symbol, res.err))
			decisions[coin.Symbol] = m.fallbackDecision(coin.Symbol, false)
			log.Error("per-coin analysis failed",
				zap.String("coin", coin.Symbol), zap.String("component", "portfolio"),
				zap.Error(res.err))
		default:
			decisions[coin.Symbol] = res.decision
			factorsByCoin[coin.Symbol] = res.factors
			m.recordRegime(coin.Symbol, res.decision.Regime)
			m.mu.Lock()
			f := res.factors
			m.lastFactors = &f
			m.lastATRPct = res.atrPct
			m.mu.Unlock()
		}
	}
	if m.metrics != nil && timedOut > 0 {
		m.metrics.CoinTimeoutsTotal.Add(float64(timedOut))
	}
	summary.AllTimedOut = timedOut == len(coins) && len(coins) > 0

	m.mu.Lock()
	if summary.AllTimedOut {
		m.consecutiveTimeoutCycles++
	} else {
		m.consecutiveTimeoutCycles = 0
	}
	m.mu.Unlock()

	if len(summary.TimedOutCoins) > 0 && m.notifier != nil {
		m.notifier.NotifyTimeoutAlert(cycleID, summary.TimedOutCoins)
	}

	// Feed observed closes into the trailing-stop state machine before
	// exits are processed.
	for symbol, d := range decisions {
		if _, held := positions[symbol]; held && d.Indicators.Close > 0 {
			f, ok := factorsByCoin[symbol]
			if !ok {
				if last := m.lastFactorsCopy(); last != nil {
					f = *last
				}
			}
			m.executor.OnPrice(symbol, decimal.NewFromFloat(d.Indicators.Close), f.TrailingStopPct)
		}
	}

	// Optional monthly / emergency rebalance runs before arbitration.
	if m.cfg.RebalanceEnabled {
		m.maybeRebalance(ctx, log, coins, positions, summary)
	}

	// Step 5a: exits first; they are per-position and cannot conflict.
	for _, coin := range coins {
		d := decisions[coin.Symbol]
		if d.Action != types.ActionClose && d.Action != types.ActionSellPartial {
			continue
		}
		f := factorsByCoin[coin.Symbol]
		res, err := m.executor.Apply(ctx, d, coin, f, m.currentCapital())
		if err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s exit: %v", coin.Symbol, err))
			log.Error("exit failed", zap.String("coin", coin.Symbol), zap.Error(err))
			m.noteOrderFailure(coin.Symbol, err)
			continue
		}
		m.recordFill(res)
		if res.Filled {
			summary.ExitsTaken++
		}
	}

	// Pyramiding piggybacks on HOLD decisions for held coins.
	if m.cfg.PyramidingEnabled {
		for _, coin := range coins {
			d := decisions[coin.Symbol]
			if _, held := positions[coin.Symbol]; !held || d.Action != types.ActionHold || d.TimedOut {
				continue
			}
			res, err := m.executor.MaybePyramid(ctx, coin, factorsByCoin[coin.Symbol], d, m.currentCapital())
			if err != nil {
				summary.Errors = append(summary.Errors, fmt.Sprintf("%s pyramid: %v", coin.Symbol, err))
				continue
			}
			if res != nil && res.Filled {
				m.recordFill(res)
			}
		}
	}

	// Step 5b: arbitrate entries by (score desc, rank asc).
	m.arbitrateEntries(ctx, log, coins, decisions, factorsByCoin, summary)

	// Steps 6-8: persist and report.
	for _, coin := range coins {
		summary.Decisions = append(summary.Decisions, decisions[coin.Symbol])
	}
	summary.Duration = m.clock.Now().Sub(start)

	if err := m.persist(start); err != nil {
		return summary, fmt.Errorf("portfolio: persist: %w", err)
	}

	m.maybeDailySnapshot(start)
	m.observe(summary)
	m.emitSummary(summary)

	return summary, nil
}

// analyzeAll runs one analysis task per coin in parallel, each bounded
// by PerCoinTimeout, all bounded by TotalTimeout. Partial results are
// usable; abandoned tasks keep running until their context expires but
// their results are discarded.
func (m *Manager) analyzeAll(ctx context.Context, log *zap.Logger, coins []types.Coin, positions map[string]types.Position) map[string]*coinResult {
	resultCh := make(chan *coinResult, len(coins))
	var wg sync.WaitGroup

	for _, coin := range coins {
		coin := coin
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error("analysis task panicked",
						zap.String("coin", coin.Symbol), zap.Any("panic", r))
					resultCh <- &coinResult{coin: coin, err: fmt.Errorf("panic: %v", r)}
				}
			}()

			taskCtx, cancel := context.WithTimeout(ctx, m.cfg.PerCoinTimeout)
			defer cancel()

			var pos *types.Position
			if p, held := positions[coin.Symbol]; held {
				cp := p
				pos = &cp
			}
			resultCh <- m.analyzeCoin(taskCtx, coin, pos)
		}()
	}

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	results := make(map[string]*coinResult, len(coins))
	total := time.NewTimer(m.cfg.TotalTimeout)
	defer total.Stop()

	for range coins {
		select {
		case res, ok := <-resultCh:
			if !ok {
				return results
			}
			if res.err != nil && isTimeout(res.err) {
				// Treated as missing: the caller substitutes HOLD.
				continue
			}
			results[res.coin.Symbol] = res
		case <-total.C:
			return results
		case <-ctx.Done():
			return results
		}
	}

	return results
}

// analyzeCoin fetches data and runs the C2/C3/C4 chain for one coin.
func (m *Manager) analyzeCoin(ctx context.Context, coin types.Coin, pos *types.Position) *coinResult {
	daily, err := m.adapter.GetOHLCV(ctx, coin.Pair, exchange.IntervalDaily, dailyBarsLimit)
	if err != nil {
		return &coinResult{coin: coin, err: fmt.Errorf("daily candles: %w", err)}
	}
	fourHour, err := m.adapter.GetOHLCV(ctx, coin.Pair, exchange.Interval4h, fourHourBarsLimit)
	if err != nil {
		return &coinResult{coin: coin, err: fmt.Errorf("4h candles: %w", err)}
	}

	reg := m.lastValidRegime(coin.Symbol)
	reading, err := m.classifier.Classify(daily)
	if err != nil {
		// Insufficient daily history falls back to the last valid
		// regime rather than skipping the coin.
		m.logger.Warn("regime classification failed, using last valid",
			zap.String("coin", coin.Symbol),
			zap.String("fallback", string(reg)),
			zap.Error(err))
	} else {
		reg = reading.Regime
	}

	f, atrPct, err := m.factorsFor(reg, fourHour)
	if err != nil {
		return &coinResult{coin: coin, err: err}
	}

	decision, err := m.analyzer.Analyze(coin, fourHour, f, pos)
	if err != nil {
		return &coinResult{coin: coin, err: err}
	}
	if err := ctx.Err(); err != nil {
		// The task outlived its deadline; the cycle has already moved on.
		return &coinResult{coin: coin, err: err}
	}
	decision.Indicators.ADX = reading.ADX

	return &coinResult{coin: coin, decision: decision, factors: f, atrPct: atrPct}
}

// factorsFor buckets 4h volatility and derives the factor set.
func (m *Manager) factorsFor(reg types.Regime, fourHour []types.Candle) (types.Factors, float64, error) {
	if len(fourHour) == 0 {
		return types.Factors{}, 0, fmt.Errorf("no 4h candles")
	}

	atrPct := 0.0
	if atr, err := atr14(fourHour); err == nil {
		if close := fourHour[len(fourHour)-1].Close.InexactFloat64(); close > 0 {
			atrPct = atr / close * 100
		}
	}

	bucket := factors.BucketFor(atrPct)
	return m.factors.Compute(reg, bucket, m.clock.Now()), atrPct, nil
}

// arbitrateEntries accepts BUY candidates best-first until the position
// cap, applying every portfolio gate per candidate.
func (m *Manager) arbitrateEntries(ctx context.Context, log *zap.Logger, coins []types.Coin, decisions map[string]types.Decision, factorsByCoin map[string]types.Factors, summary *CycleSummary) {
	coinBySymbol := make(map[string]types.Coin, len(coins))
	for _, c := range coins {
		coinBySymbol[c.Symbol] = c
	}

	var candidates []types.Decision
	for _, coin := range coins {
		d := decisions[coin.Symbol]
		if d.Action == types.ActionBuy {
			candidates = append(candidates, d)
		}
	}

	// Deterministic priority: score first, configured rank second.
	// Arrival order never matters.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return coinBySymbol[candidates[i].Coin].Rank < coinBySymbol[candidates[j].Coin].Rank
	})

	for _, d := range candidates {
		coin := coinBySymbol[d.Coin]

		if reason, ok := m.entryGate(d.Coin); !ok {
			summary.Rejections[d.Coin] = reason
			log.Info("entry rejected",
				zap.String("coin", d.Coin), zap.String("reason", reason),
				zap.Float64("score", d.Score))
			continue
		}

		res, err := m.executor.Apply(ctx, d, coin, factorsByCoin[d.Coin], m.currentCapital())
		if err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s entry: %v", d.Coin, err))
			log.Error("entry failed", zap.String("coin", d.Coin), zap.Error(err))
			m.noteOrderFailure(d.Coin, err)
			continue
		}
		if res.Filled {
			summary.EntriesTaken++
			m.recordFill(res)
		} else {
			summary.Rejections[d.Coin] = res.Reason
		}
	}
}

// entryGate applies the portfolio-wide gates for one candidate.
func (m *Manager) entryGate(symbol string) (string, bool) {
	m.mu.Lock()
	readOnly := m.readOnly
	m.mu.Unlock()
	if readOnly {
		return RejectReadOnly, false
	}
	if _, held := m.executor.Position(symbol); held {
		return RejectInPosition, false
	}
	if m.executor.OpenCount() >= m.cfg.MaxPositions {
		return RejectPortfolioSlot, false
	}
	if m.dailyLossPct() <= -m.cfg.MaxDailyLossPct {
		return RejectDailyLoss, false
	}
	if m.ObservationMode() {
		return RejectObservationMode, false
	}
	return "", true
}

// maybeRebalance runs the monthly re-selection at most once per
// calendar month, on the first cycle that falls on the 1st (a month
// whose 1st passes without a cycle gets no monthly pass); an emergency pass
// fires when open positions fall well below target, tracked by its own
// monthly counter. Re-opened entries still go through the normal gates.
func (m *Manager) maybeRebalance(ctx context.Context, log *zap.Logger, coins []types.Coin, positions map[string]types.Position, summary *CycleSummary) {
	now := m.clock.Now()
	month := now.Format("2006-01")

	m.mu.Lock()
	monthlyDue := m.lastRebalanceMonth != month && now.Day() == 1
	emergencyDue := m.lastEmergencyMonth != month &&
		float64(len(positions)) < emergencyRebalanceRatio*float64(m.cfg.TargetCoinCount)
	m.mu.Unlock()

	if !monthlyDue && !emergencyDue {
		return
	}

	// Re-select the universe: the top-ranked coins up to target count.
	ranked := make([]types.Coin, len(coins))
	copy(ranked, coins)
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].Rank < ranked[j].Rank })
	selected := make(map[string]bool)
	for i, c := range ranked {
		if i >= m.cfg.TargetCoinCount {
			break
		}
		selected[c.Symbol] = true
	}

	// Close positions that fell out of the selection; openings flow
	// through normal arbitration afterwards.
	for symbol := range positions {
		if selected[symbol] {
			continue
		}
		coin, ok := findCoin(coins, symbol)
		if !ok {
			continue
		}
		res, err := m.executor.CloseMarket(ctx, coin, "rebalance")
		if err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s rebalance close: %v", symbol, err))
			continue
		}
		m.recordFill(res)
		if res.Filled {
			summary.ExitsTaken++
		}
	}

	m.mu.Lock()
	if monthlyDue {
		m.lastRebalanceMonth = month
	}
	if emergencyDue {
		m.lastEmergencyMonth = month
	}
	m.mu.Unlock()

	log.Info("rebalance pass complete",
		zap.Bool("monthly", monthlyDue), zap.Bool("emergency", emergencyDue),
		zap.String("month", month))
}

// noteOrderFailure escalates authentication failures: the engine keeps
// analyzing but places no further orders until restarted with working
// credentials. Exits are still attempted so stops stay live.
func (m *Manager) noteOrderFailure(symbol string, err error) {
	if !errors.Is(err, exchange.ErrAuth) {
		return
	}
	m.mu.Lock()
	already := m.readOnly
	m.readOnly = true
	m.mu.Unlock()

	if !already {
		m.logger.Error("authentication failure, entering read-only mode",
			zap.String("coin", symbol), zap.Error(err))
		if m.notifier != nil {
			m.notifier.Enqueue("exchange authentication failed: new orders suspended until restart")
		}
	}
}

// recordFill folds an executed order into the daily accounting.
func (m *Manager) recordFill(res *executor.ApplyResult) {
	if res == nil || !res.Filled {
		return
	}

	m.mu.Lock()
	m.tradesToday++
	if res.RealizedPnL != nil {
		m.dailyRealized = m.dailyRealized.Add(*res.RealizedPnL)
		m.capital = m.capital.Add(*res.RealizedPnL)
	}
	m.capital = m.capital.Sub(res.Fee)
	m.mu.Unlock()

	if m.metrics != nil {
		side := "buy"
		if res.Action != types.ActionBuy {
			side = "sell"
		}
		m.metrics.OrdersTotal.WithLabelValues(side, "filled").Inc()
	}
}

// currentCapital is the sizing base for new entries.
func (m *Manager) currentCapital() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capital
}

// dailyLossPct expresses today's realized PnL against the day-start
// capital.
func (m *Manager) dailyLossPct() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dayStartCapital.IsZero() {
		return 0
	}
	pct, _ := m.dailyRealized.Div(m.dayStartCapital).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}

// rollTradingDay resets the daily counters at the UTC date boundary.
func (m *Manager) rollTradingDay(now time.Time) {
	day := now.Format("2006-01-02")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentDay == day {
		return
	}
	m.currentDay = day
	m.dailyRealized = decimal.Zero
	m.tradesToday = 0
	m.dayStartCapital = m.capital
}

// fallbackDecision is the HOLD substitution for a timed-out or failed
// task.
func (m *Manager) fallbackDecision(symbol string, timedOut bool) types.Decision {
	reason := "analysis_error"
	if timedOut {
		reason = "timeout"
	}
	return types.Decision{
		Coin:     symbol,
		Action:   types.ActionHold,
		Reason:   reason,
		Regime:   m.lastValidRegime(symbol),
		TimedOut: timedOut,
	}
}

func (m *Manager) lastFactorsCopy() *types.Factors {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastFactors == nil {
		return nil
	}
	cp := *m.lastFactors
	return &cp
}

func (m *Manager) lastValidRegime(symbol string) types.Regime {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reg, ok := m.lastRegime[symbol]; ok {
		return reg
	}
	return types.RegimeUnknown
}

func (m *Manager) recordRegime(symbol string, reg types.Regime) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, had := m.lastRegime[symbol]
	m.lastRegime[symbol] = reg
	if had && prev != reg && m.notifier != nil {
		m.notifier.NotifyRegimeChange(symbol, prev, reg)
	}
}

// persist writes the end-of-cycle state atomically.
func (m *Manager) persist(now time.Time) error {
	positions := m.executor.Positions()

	m.mu.Lock()
	state := &types.EngineState{
		UpdatedAt:                now,
		Positions:                positions,
		LastFactors:              m.lastFactors,
		LastRegimePerCoin:        copyRegimes(m.lastRegime),
		ConsecutiveLosses:        0, // set below, outside the lock
		ConsecutiveTimeoutCycles: m.consecutiveTimeoutCycles,
		LastRebalanceMonth:       m.lastRebalanceMonth,
		LastEmergencyMonth:       m.lastEmergencyMonth,
	}
	var rec *factors.Record
	if m.lastFactors != nil {
		rec = &factors.Record{
			Factors:     *m.lastFactors,
			Regime:      m.lastFactors.Regime,
			Volatility:  m.lastFactors.Volatility,
			ATRPct:      m.lastATRPct,
			GeneratedAt: m.lastFactors.GeneratedAt,
		}
	}
	if !m.dayStartCapital.IsZero() {
		state.DailyLossPct = m.dailyRealized.Div(m.dayStartCapital).Mul(decimal.NewFromInt(100))
	}
	m.mu.Unlock()

	state.ConsecutiveLosses = m.executor.ConsecutiveLosses()
	state.ObservationMode = m.ObservationMode()

	if err := m.store.SaveEngineState(state); err != nil {
		return err
	}
	if err := m.store.SavePositions(positions); err != nil {
		return err
	}
	if rec != nil {
		if err := m.store.SaveFactors(rec); err != nil {
			return err
		}
	}
	return nil
}

// maybeDailySnapshot writes the dashboard roll-up once per trading day
// near session end.
func (m *Manager) maybeDailySnapshot(now time.Time) {
	day := now.Format("2006-01-02")

	m.mu.Lock()
	due := now.Hour() >= m.cfg.DailyCloseHourUTC && m.snapshotDay != day
	if due {
		m.snapshotDay = day
	}
	capital := m.capital
	dailyRealized := m.dailyRealized
	dayStart := m.dayStartCapital
	trades := m.tradesToday
	m.mu.Unlock()

	if !due {
		return
	}

	snap := types.DailySnapshot{
		Date:          day,
		TotalAssets:   capital,
		DailyPnL:      dailyRealized,
		PositionCount: m.executor.OpenCount(),
		TradesToday:   trades,
	}
	if !dayStart.IsZero() {
		snap.DailyPnLPct = dailyRealized.Div(dayStart).Mul(decimal.NewFromInt(100))
	}
	if !m.cfg.InitialCapital.IsZero() {
		snap.CumulativePnLPct = capital.Sub(m.cfg.InitialCapital).
			Div(m.cfg.InitialCapital).Mul(decimal.NewFromInt(100))
	}

	if err := m.store.AppendDailySnapshot(m.cfg.InitialCapital, snap); err != nil {
		m.logger.Warn("daily snapshot failed", zap.Error(err))
		return
	}
	if m.notifier != nil {
		m.notifier.NotifyDaily(snap)
	}
}

// observe updates the gauges after a cycle.
func (m *Manager) observe(summary *CycleSummary) {
	if m.metrics == nil {
		return
	}
	m.metrics.CyclesTotal.Inc()
	m.metrics.CycleDuration.Observe(summary.Duration.Seconds())
	m.metrics.OpenPositions.Set(float64(m.executor.OpenCount()))
	m.metrics.ConsecutiveLosses.Set(float64(m.executor.ConsecutiveLosses()))
	m.metrics.DailyPnLPct.Set(m.dailyLossPct())
	if m.ObservationMode() {
		m.metrics.ObservationMode.Set(1)
	} else {
		m.metrics.ObservationMode.Set(0)
	}
	if m.notifier != nil {
		m.metrics.NotificationsDrops.Set(float64(m.notifier.Dropped()))
	}
}

// emitSummary pushes the one-line cycle digest to the notifier.
func (m *Manager) emitSummary(summary *CycleSummary) {
	if m.notifier == nil {
		return
	}

	parts := make([]string, 0, len(summary.Decisions))
	for _, d := range summary.Decisions {
		if d.TimedOut {
			parts = append(parts, fmt.Sprintf("%s: HOLD (timeout, prev_regime=%s)", d.Coin, d.Regime))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s (%s)", d.Coin, d.Action, d.Reason))
	}

	m.notifier.Enqueue(fmt.Sprintf("cycle %s %.1fs entries=%d exits=%d | %s",
		summary.CycleID, summary.Duration.Seconds(),
		summary.EntriesTaken, summary.ExitsTaken,
		strings.Join(parts, "; ")))
}

// Status renders a human-readable engine status for the command surface.
func (m *Manager) Status() string {
	positions := m.executor.Positions()

	var b strings.Builder
	fmt.Fprintf(&b, "capital=%s positions=%d/%d observation=%v daily_pnl=%.2f%%\n",
		m.currentCapital().StringFixed(0), len(positions), m.cfg.MaxPositions,
		m.ObservationMode(), m.dailyLossPct())
	for _, p := range positions {
		fmt.Fprintf(&b, "%s entry=%s size=%s stop=%s tp1_hit=%v\n",
			p.Coin, p.EntryPrice.String(), p.Size.String(),
			p.StopLossPrice.String(), p.FirstTargetHit)
	}
	return strings.TrimRight(b.String(), "\n")
}

// FactorsSummary renders the last factor set for the command surface.
func (m *Manager) FactorsSummary() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastFactors == nil {
		return "no factors computed yet"
	}
	f := m.lastFactors
	return fmt.Sprintf("regime=%s vol=%s minScore=%d chandelier=%.2f size=%.2f target=%s atrPct=%.2f",
		f.Regime, f.Volatility, f.MinEntryScore, f.ChandelierMultiplier,
		f.PositionSizeMultiplier, f.ProfitTargetMode, m.lastATRPct)
}

// CloseCommand closes a named position at market, used by the remote
// close command.
func (m *Manager) CloseCommand(ctx context.Context, symbol string) (string, error) {
	coin, ok := findCoin(m.coins, symbol)
	if !ok {
		return "", fmt.Errorf("portfolio: unknown coin %q", symbol)
	}
	res, err := m.executor.CloseMarket(ctx, coin, "remote_close")
	if err != nil {
		return "", err
	}
	if !res.Filled {
		return fmt.Sprintf("%s: %s", symbol, res.Reason), nil
	}
	m.recordFill(res)
	return fmt.Sprintf("closed %s qty=%s price=%s", symbol, res.Qty.String(), res.AvgPrice.String()), nil
}

func findCoin(coins []types.Coin, symbol string) (types.Coin, bool) {
	for _, c := range coins {
		if c.Symbol == symbol {
			return c, true
		}
	}
	return types.Coin{}, false
}

func copyRegimes(in map[string]types.Regime) map[string]types.Regime {
	out := make(map[string]types.Regime, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// atr14 is the 4h volatility input to the bucket classifier.
func atr14(bars []types.Candle) (float64, error) {
	return indicator.ATR(bars, 14)
}
