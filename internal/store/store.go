// Package store persists engine state as JSON files written atomically
// via temp-file + fsync + rename. A best-effort file lock keeps two
// engines from racing on the same state directory.
//
// Missing or corrupt peripheral files are replaced with defaults and a
// warning; a corrupt positions file is fatal because silently dropping
// open positions would desynchronize the engine from the exchange.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ver3-trading/engine/internal/factors"
	"github.com/ver3-trading/engine/pkg/types"
)

// File names are part of the external contract with the dashboard.
const (
	EngineStateFile    = "engine_state.json"
	FactorsFile        = "dynamic_factors.json"
	PositionsFile      = "positions.json"
	JournalFile        = "transaction_journal.json"
	DailyHistoryFile   = "daily_history.json"
	PerformanceFile    = "performance_history.json"
	lockFile           = "engine.lock"
)

// ErrCorruptPositions reports an unreadable positions file. Unlike the
// peripheral files this is not recoverable by resetting to defaults.
var ErrCorruptPositions = errors.New("store: corrupt positions file")

// Journal is the on-disk shape of the transaction journal.
type Journal struct {
	Transactions []types.Transaction `json:"transactions"`
}

// DailyHistory is the on-disk shape of the daily snapshot history.
type DailyHistory struct {
	InitialCapital decimal.Decimal       `json:"initialCapital"`
	Snapshots      []types.DailySnapshot `json:"snapshots"`
}

// Store owns the state directory.
type Store struct {
	logger *zap.Logger
	dir    string
	lock   *flock.Flock
}

// New creates the directory if needed and takes a best-effort exclusive
// lock on it.
func New(logger *zap.Logger, dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	s := &Store{
		logger: logger.Named("store"),
		dir:    dir,
		lock:   flock.New(filepath.Join(dir, lockFile)),
	}

	locked, err := s.lock.TryLock()
	if err != nil || !locked {
		s.logger.Warn("state directory lock unavailable, continuing unlocked",
			zap.String("dir", dir), zap.Error(err))
	}

	return s, nil
}

// Close releases the directory lock.
func (s *Store) Close() error {
	return s.lock.Unlock()
}

// writeAtomic writes v as JSON to name via a temp file in the same
// directory, fsyncs, then renames over the target.
func (s *Store) writeAtomic(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", name, err)
	}

	target := filepath.Join(s.dir, name)
	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("store: temp for %s: %w", name, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: fsync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: close %s: %w", name, err)
	}

	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: rename %s: %w", name, err)
	}

	return nil
}

// readJSON decodes name into v. Returns os.ErrNotExist when missing.
func (s *Store) readJSON(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("store: decode %s: %w", name, err)
	}
	return nil
}

// SaveEngineState persists the end-of-cycle engine snapshot.
func (s *Store) SaveEngineState(st *types.EngineState) error {
	return s.writeAtomic(EngineStateFile, st)
}

// LoadEngineState reads the engine snapshot, returning a zero-valued
// default when the file is missing or corrupt.
func (s *Store) LoadEngineState() *types.EngineState {
	var st types.EngineState
	if err := s.readJSON(EngineStateFile, &st); err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("engine state unreadable, starting fresh", zap.Error(err))
		}
		return &types.EngineState{LastRegimePerCoin: make(map[string]types.Regime)}
	}
	if st.LastRegimePerCoin == nil {
		st.LastRegimePerCoin = make(map[string]types.Regime)
	}
	return &st
}

// SavePositions persists the open position table.
func (s *Store) SavePositions(positions []*types.Position) error {
	return s.writeAtomic(PositionsFile, positions)
}

// LoadPositions reads the open position table. A missing file yields an
// empty table; an unreadable file is fatal.
func (s *Store) LoadPositions() ([]*types.Position, error) {
	var positions []*types.Position
	if err := s.readJSON(PositionsFile, &positions); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrCorruptPositions, err)
	}
	return positions, nil
}

// SaveFactors persists the last computed factor record.
func (s *Store) SaveFactors(rec *factors.Record) error {
	return s.writeAtomic(FactorsFile, rec)
}

// LoadFactors reads the last persisted factor record, nil when absent.
func (s *Store) LoadFactors() *factors.Record {
	var rec factors.Record
	if err := s.readJSON(FactorsFile, &rec); err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("factors record unreadable", zap.Error(err))
		}
		return nil
	}
	return &rec
}

// AppendTransaction appends one immutable row to the journal.
func (s *Store) AppendTransaction(tx types.Transaction) error {
	var journal Journal
	if err := s.readJSON(JournalFile, &journal); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("journal unreadable, starting a new one", zap.Error(err))
		journal = Journal{}
	}
	journal.Transactions = append(journal.Transactions, tx)
	return s.writeAtomic(JournalFile, &journal)
}

// LoadJournal reads the full transaction journal.
func (s *Store) LoadJournal() Journal {
	var journal Journal
	if err := s.readJSON(JournalFile, &journal); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("journal unreadable", zap.Error(err))
	}
	return journal
}

// AppendDailySnapshot appends the end-of-day roll-up.
func (s *Store) AppendDailySnapshot(initialCapital decimal.Decimal, snap types.DailySnapshot) error {
	var hist DailyHistory
	if err := s.readJSON(DailyHistoryFile, &hist); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("daily history unreadable, starting a new one", zap.Error(err))
		hist = DailyHistory{}
	}
	if hist.InitialCapital.IsZero() {
		hist.InitialCapital = initialCapital
	}

	// Same-day rewrites replace the existing snapshot.
	replaced := false
	for i, existing := range hist.Snapshots {
		if existing.Date == snap.Date {
			hist.Snapshots[i] = snap
			replaced = true
			break
		}
	}
	if !replaced {
		hist.Snapshots = append(hist.Snapshots, snap)
	}

	return s.writeAtomic(DailyHistoryFile, &hist)
}

// LoadDailyHistory reads the daily snapshot history.
func (s *Store) LoadDailyHistory() DailyHistory {
	var hist DailyHistory
	if err := s.readJSON(DailyHistoryFile, &hist); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("daily history unreadable", zap.Error(err))
	}
	return hist
}

// AppendPerformance appends one realized trade outcome.
func (s *Store) AppendPerformance(outcome types.TradeOutcome) error {
	var outcomes []types.TradeOutcome
	if err := s.readJSON(PerformanceFile, &outcomes); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("performance history unreadable, starting a new one", zap.Error(err))
		outcomes = nil
	}
	outcomes = append(outcomes, outcome)
	return s.writeAtomic(PerformanceFile, outcomes)
}

// LoadPerformance reads the realized trade outcomes.
func (s *Store) LoadPerformance() []types.TradeOutcome {
	var outcomes []types.TradeOutcome
	if err := s.readJSON(PerformanceFile, &outcomes); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("performance history unreadable", zap.Error(err))
	}
	return outcomes
}
