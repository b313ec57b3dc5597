package store_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ver3-trading/engine/internal/store"
	"github.com/ver3-trading/engine/pkg/types"
)

func newStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.New(zap.NewNop(), dir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, dir
}

func TestEngineStateRoundTrip(t *testing.T) {
	s, _ := newStore(t)

	st := &types.EngineState{
		UpdatedAt:         time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		DailyLossPct:      decimal.NewFromFloat(-1.25),
		ConsecutiveLosses: 2,
		ObservationMode:   true,
		LastRegimePerCoin: map[string]types.Regime{"BTC": types.RegimeBullish},
	}

	if err := s.SaveEngineState(st); err != nil {
		t.Fatalf("SaveEngineState failed: %v", err)
	}

	loaded := s.LoadEngineState()
	if !loaded.UpdatedAt.Equal(st.UpdatedAt) {
		t.Errorf("UpdatedAt mismatch: %v vs %v", loaded.UpdatedAt, st.UpdatedAt)
	}
	if loaded.ConsecutiveLosses != 2 || !loaded.ObservationMode {
		t.Errorf("Loss state not restored: %+v", loaded)
	}
	if loaded.LastRegimePerCoin["BTC"] != types.RegimeBullish {
		t.Errorf("Regime map not restored: %+v", loaded.LastRegimePerCoin)
	}
	if !loaded.DailyLossPct.Equal(st.DailyLossPct) {
		t.Errorf("DailyLossPct mismatch: %s vs %s", loaded.DailyLossPct, st.DailyLossPct)
	}
}

func TestLoadEngineStateMissingFileYieldsDefault(t *testing.T) {
	s, _ := newStore(t)

	st := s.LoadEngineState()
	if st == nil || st.LastRegimePerCoin == nil {
		t.Fatal("Expected initialized default state")
	}
	if len(st.Positions) != 0 || st.ObservationMode {
		t.Errorf("Default state not zero-valued: %+v", st)
	}
}

func TestLoadEngineStateCorruptFileYieldsDefault(t *testing.T) {
	s, dir := newStore(t)

	if err := os.WriteFile(filepath.Join(dir, store.EngineStateFile), []byte("{nope"), 0o644); err != nil {
		t.Fatal(err)
	}

	st := s.LoadEngineState()
	if st == nil || len(st.Positions) != 0 {
		t.Errorf("Expected fresh default state for corrupt file, got %+v", st)
	}
}

func TestCorruptPositionsIsFatal(t *testing.T) {
	s, dir := newStore(t)

	if err := os.WriteFile(filepath.Join(dir, store.PositionsFile), []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := s.LoadPositions()
	if !errors.Is(err, store.ErrCorruptPositions) {
		t.Errorf("Expected ErrCorruptPositions, got %v", err)
	}
}

func TestMissingPositionsIsEmpty(t *testing.T) {
	s, _ := newStore(t)

	positions, err := s.LoadPositions()
	if err != nil {
		t.Fatalf("LoadPositions failed: %v", err)
	}
	if len(positions) != 0 {
		t.Errorf("Expected empty table, got %d positions", len(positions))
	}
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	s, dir := newStore(t)

	for i := 0; i < 5; i++ {
		if err := s.SaveEngineState(&types.EngineState{UpdatedAt: time.Now()}); err != nil {
			t.Fatalf("SaveEngineState failed: %v", err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".json" && e.Name() != "engine.lock" {
			t.Errorf("Stray file left behind: %s", e.Name())
		}
	}
}

func TestJournalAppendIsOrdered(t *testing.T) {
	s, _ := newStore(t)

	for i := 0; i < 3; i++ {
		tx := types.Transaction{
			Timestamp: time.Date(2025, 6, 1, i, 0, 0, 0, time.UTC),
			Coin:      "BTC",
			Side:      types.SideBuy,
			Qty:       decimal.NewFromInt(int64(i + 1)),
			Price:     decimal.NewFromInt(100),
			Reason:    "entry_score",
		}
		if err := s.AppendTransaction(tx); err != nil {
			t.Fatalf("AppendTransaction failed: %v", err)
		}
	}

	journal := s.LoadJournal()
	if len(journal.Transactions) != 3 {
		t.Fatalf("Expected 3 rows, got %d", len(journal.Transactions))
	}
	for i, tx := range journal.Transactions {
		if !tx.Qty.Equal(decimal.NewFromInt(int64(i + 1))) {
			t.Errorf("Row %d out of order: qty %s", i, tx.Qty)
		}
	}
}

func TestDailySnapshotReplacesSameDay(t *testing.T) {
	s, _ := newStore(t)
	capital := decimal.NewFromInt(1000000)

	first := types.DailySnapshot{Date: "2025-06-01", TradesToday: 1}
	second := types.DailySnapshot{Date: "2025-06-01", TradesToday: 4}

	if err := s.AppendDailySnapshot(capital, first); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendDailySnapshot(capital, second); err != nil {
		t.Fatal(err)
	}

	hist := s.LoadDailyHistory()
	if len(hist.Snapshots) != 1 {
		t.Fatalf("Expected one snapshot for the day, got %d", len(hist.Snapshots))
	}
	if hist.Snapshots[0].TradesToday != 4 {
		t.Errorf("Expected same-day replacement, got %+v", hist.Snapshots[0])
	}
	if !hist.InitialCapital.Equal(capital) {
		t.Errorf("Initial capital not recorded: %s", hist.InitialCapital)
	}
}

func TestPerformanceAppend(t *testing.T) {
	s, _ := newStore(t)

	outcome := types.TradeOutcome{
		ClosedAt:    time.Now(),
		Coin:        "ETH",
		EntryPrice:  decimal.NewFromInt(100),
		ExitPrice:   decimal.NewFromInt(110),
		Qty:         decimal.NewFromInt(2),
		RealizedPnL: decimal.NewFromInt(20),
		PnLPct:      decimal.NewFromInt(10),
		Reason:      "profit_target",
	}
	if err := s.AppendPerformance(outcome); err != nil {
		t.Fatalf("AppendPerformance failed: %v", err)
	}

	outcomes := s.LoadPerformance()
	if len(outcomes) != 1 || outcomes[0].Coin != "ETH" {
		t.Errorf("Performance history not persisted: %+v", outcomes)
	}
}
