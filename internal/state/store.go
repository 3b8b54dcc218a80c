package state

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spot-trading-agent/internal/durable"
)

const schemaVersion = 2

// Store holds the live snapshot. Writes are serialized by the agent loop;
// every mutation replaces the snapshot wholesale (copy-on-write) so readers
// never observe a half-applied change.
type Store struct {
	logger zerolog.Logger
	path   string

	mu   sync.RWMutex
	snap Snapshot
}

// NewStore initializes an empty store; Load restores a prior snapshot.
func NewStore(path string, logger zerolog.Logger) *Store {
	return &Store{
		logger: logger.With().Str("component", "state").Logger(),
		path:   path,
		snap: Snapshot{
			SchemaVersion: schemaVersion,
			Positions:     map[string]Position{},
			PendingBuys:   map[string]PendingBuy{},
			Mode:          ModeHunting,
		},
	}
}

// Snapshot returns the current immutable view.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Mutate applies fn to a deep copy of the snapshot and swaps it in with a
// bumped version. fn must not block on IO; the agent loop guarantees a
// single concurrent writer but the lock keeps snapshot reads consistent.
func (s *Store) Mutate(fn func(*Snapshot)) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := cloneSnapshot(s.snap)
	fn(&next)
	next.Version = s.snap.Version + 1
	next.SchemaVersion = schemaVersion
	next.UpdatedAt = time.Now().UTC()
	s.snap = next
	return next
}

func cloneSnapshot(in Snapshot) Snapshot {
	out := in
	out.Positions = make(map[string]Position, len(in.Positions))
	for k, v := range in.Positions {
		out.Positions[k] = v
	}
	out.PendingBuys = make(map[string]PendingBuy, len(in.PendingBuys))
	for k, v := range in.PendingBuys {
		out.PendingBuys[k] = v
	}
	return out
}

// Persist writes the current snapshot atomically, keeping the previous file
// as a fallback snapshot.
func (s *Store) Persist() error {
	snap := s.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := durable.Snapshot(s.path); err != nil {
		s.logger.Warn().Err(err).Msg("state backup rotation failed")
	}
	if err := durable.WriteFile(s.path, data); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

// Load restores the snapshot from disk. A corrupt primary falls back to the
// previous atomic snapshot; with neither readable the store stays blank and
// the caller should schedule a reconciliation pass.
func (s *Store) Load() error {
	data, err := durable.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info().Msg("no prior state file, starting blank")
			return nil
		}
		return err
	}

	snap, derr := decodeSnapshot(data)
	if derr != nil {
		// The primary decoded badly; the previous atomic snapshot may
		// still be intact even when the primary is non-empty.
		if backup, berr := os.ReadFile(s.path + ".bak"); berr == nil {
			if bsnap, perr := decodeSnapshot(backup); perr == nil {
				s.logger.Warn().Err(derr).Msg("state file corrupt, restored previous snapshot")
				snap, derr = bsnap, nil
			}
		}
	}
	if derr != nil {
		s.logger.Error().Err(derr).Msg("state file corrupt and no usable backup, starting blank")
		return nil
	}
	if snap.Positions == nil {
		snap.Positions = map[string]Position{}
	}
	if snap.PendingBuys == nil {
		snap.PendingBuys = map[string]PendingBuy{}
	}
	if snap.Mode == "" {
		snap.Mode = ModeHunting
	}
	snap.SchemaVersion = schemaVersion

	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
	s.logger.Info().
		Uint64("version", snap.Version).
		Int("positions", len(snap.Positions)).
		Int("pending", len(snap.PendingBuys)).
		Msg("state restored")
	return nil
}

func decodeSnapshot(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// RecomputeCapital rebuilds capital awareness from authoritative inputs:
// the exchange's free quote balance, the pending-buy reservations, and open
// positions at current prices.
func (s *Store) RecomputeCapital(freeQuote float64) Snapshot {
	return s.Mutate(func(snap *Snapshot) {
		var locked, holdings float64
		for _, pb := range snap.PendingBuys {
			locked += pb.Notional
		}
		for _, p := range snap.Positions {
			holdings += p.Value()
		}
		snap.Capital = CapitalAwareness{
			Available: freeQuote,
			Locked:    locked,
			Holdings:  holdings,
			Total:     freeQuote + locked + holdings,
		}
	})
}

// RollDay resets daily counters when the day boundary has passed.
func (s *Store) RollDay(now time.Time) {
	day := now.Format("2006-01-02")
	if s.Snapshot().Daily.Day == day {
		return
	}
	s.Mutate(func(snap *Snapshot) {
		prev := snap.Daily
		snap.Daily = DailyCounters{Day: day}
		for symbol, pos := range snap.Positions {
			if pos.Quarantined {
				pos.Quarantined = false
				snap.Positions[symbol] = pos
				s.logger.Info().Str("symbol", symbol).Msg("quarantine lifted at day roll")
			}
		}
		if prev.Day != "" {
			s.logger.Info().
				Str("day", prev.Day).
				Int("trades", prev.Trades).
				Float64("realized_pnl", prev.RealizedPnL).
				Msg("daily counters rolled")
		}
	})
}
