// Package notify delivers best-effort alerts to a chat-style channel.
// Sends never block a trading cycle: messages pass through a bounded
// queue that drops the oldest entry under pressure, and delivery
// failures are retried once then abandoned.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ver3-trading/engine/pkg/types"
)

// Notifier is the outbound channel the engine consumes.
type Notifier interface {
	Send(ctx context.Context, msg string) error
}

// LogNotifier writes notifications to the structured log. It is the
// default sink when no chat channel is configured.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n *LogNotifier) Send(ctx context.Context, msg string) error {
	n.Logger.Info("notification", zap.String("msg", msg))
	return nil
}

// Fanout sends to every sink, returning the first error after trying
// all of them.
type Fanout []Notifier

func (f Fanout) Send(ctx context.Context, msg string) error {
	var firstErr error
	for _, n := range f {
		if err := n.Send(ctx, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Service wraps a Notifier with the bounded async queue and the
// engine's message helpers.
type Service struct {
	logger *zap.Logger
	sink   Notifier

	mu      sync.Mutex
	queue   []string
	maxSize int
	wake    chan struct{}
	done    chan struct{}
	stopped bool
	dropped int
}

const (
	defaultQueueSize = 100
	sendTimeout      = 10 * time.Second
)

// NewService creates the notification service. Run must be started for
// messages to drain.
func NewService(logger *zap.Logger, sink Notifier) *Service {
	return &Service{
		logger:  logger.Named("notify"),
		sink:    sink,
		maxSize: defaultQueueSize,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Run drains the queue until the context is canceled.
func (s *Service) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}

		for {
			msg, ok := s.pop()
			if !ok {
				break
			}
			s.deliver(ctx, msg)
		}
	}
}

func (s *Service) pop() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return "", false
	}
	msg := s.queue[0]
	s.queue = s.queue[1:]
	return msg, true
}

func (s *Service) deliver(ctx context.Context, msg string) {
	// One retry, then drop. The cycle must never wait on the channel.
	for attempt := 0; attempt < 2; attempt++ {
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := s.sink.Send(sendCtx, msg)
		cancel()
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("notification send failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
}

// Enqueue queues a message, dropping the oldest entry beyond capacity.
func (s *Service) Enqueue(msg string) {
	s.mu.Lock()
	if len(s.queue) >= s.maxSize {
		s.queue = s.queue[1:]
		s.dropped++
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Dropped reports how many messages were discarded under pressure.
func (s *Service) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Pending reports the queue depth.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// NotifyTrade reports an executed order.
func (s *Service) NotifyTrade(tx types.Transaction) {
	pnl := ""
	if tx.RealizedPnL != nil && tx.PnLPct != nil {
		pnl = fmt.Sprintf(" pnl=%s (%s%%)", tx.RealizedPnL.StringFixed(2), tx.PnLPct.StringFixed(2))
	}
	mode := ""
	if tx.DryRun {
		mode = " [dry-run]"
	}
	s.Enqueue(fmt.Sprintf("%s %s @ %s qty=%s reason=%s regime=%s%s%s",
		tx.Side, tx.Coin, tx.Price.String(), tx.Qty.String(), tx.Reason, tx.Regime, pnl, mode))
}

// NotifyRegimeChange reports a per-coin regime transition.
func (s *Service) NotifyRegimeChange(coin string, from, to types.Regime) {
	s.Enqueue(fmt.Sprintf("regime %s: %s -> %s", coin, from, to))
}

// NotifyFactorsSummary reports the active factor set for the cycle.
func (s *Service) NotifyFactorsSummary(f types.Factors) {
	s.Enqueue(fmt.Sprintf("factors %s/%s minScore=%d chandelier=%.2f size=%.2f target=%s",
		f.Regime, f.Volatility, f.MinEntryScore, f.ChandelierMultiplier,
		f.PositionSizeMultiplier, f.ProfitTargetMode))
}

// NotifyTimeoutAlert reports per-coin analysis timeouts in a cycle.
func (s *Service) NotifyTimeoutAlert(cycleID string, coins []string) {
	s.Enqueue(fmt.Sprintf("cycle %s timeouts: %v", cycleID, coins))
}

// NotifyDaily reports the end-of-day snapshot.
func (s *Service) NotifyDaily(snap types.DailySnapshot) {
	s.Enqueue(fmt.Sprintf("daily %s assets=%s pnl=%s (%s%%) positions=%d trades=%d",
		snap.Date, snap.TotalAssets.StringFixed(0), snap.DailyPnL.StringFixed(0),
		snap.DailyPnLPct.StringFixed(2), snap.PositionCount, snap.TradesToday))
}
