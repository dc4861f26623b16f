package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/yanun0323/errors"
)

// Snapshot captures the ledger at a point in time.
type Snapshot struct {
	Timestamp         int64      `json:"timestamp"`
	Day               string     `json:"day"`
	Equity            float64    `json:"equity"`
	ConsecutiveLosses int        `json:"consecutiveLosses"`
	DailyLossPercent  float64    `json:"dailyLossPercent"`
	DailyLoss         float64    `json:"dailyLoss"`
	RealizedPnL       float64    `json:"realizedPnl"`
	Positions         []Position `json:"positions"`
}

// Snapshot builds a snapshot of the open positions and aggregates.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	snap := Snapshot{
		Timestamp:         l.now().UTC().UnixNano(),
		Day:               l.day,
		Equity:            l.equity,
		ConsecutiveLosses: l.consecutiveLosses,
		DailyLossPercent:  l.dailyLossPercent,
		DailyLoss:         l.dailyLoss,
		RealizedPnL:       l.realizedPnL,
		Positions:         make([]Position, 0, len(l.positions)),
	}
	for _, p := range l.positions {
		if !p.Closed {
			snap.Positions = append(snap.Positions, *p)
		}
	}
	l.mu.RUnlock()

	sort.Slice(snap.Positions, func(i, j int) bool {
		return snap.Positions[i].ID < snap.Positions[j].ID
	})
	return snap
}

// Restore replaces the ledger state with a snapshot. Closed entries are skipped.
func (l *Ledger) Restore(snap Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for id := range l.positions {
		delete(l.positions, id)
	}
	for _, p := range snap.Positions {
		if p.Closed || p.ID == "" {
			continue
		}
		cp := p
		l.positions[cp.ID] = &cp
	}
	if snap.Equity > 0 {
		l.equity = snap.Equity
	}
	l.consecutiveLosses = snap.ConsecutiveLosses
	l.realizedPnL = snap.RealizedPnL
	l.dailyLoss = snap.DailyLoss
	l.dailyLossPercent = snap.DailyLossPercent
	if snap.Day != "" {
		l.day = snap.Day
	}
	l.rollDayLocked(l.now())
}

// WriteSnapshot writes a snapshot to disk as JSON.
func WriteSnapshot(path string, snapshot Snapshot) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create snapshot dir %s", dir)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "write snapshot %s", tmp)
	}
	return os.Rename(tmp, path)
}

// ReadSnapshot loads a snapshot from disk.
func ReadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, errors.Wrapf(err, "decode snapshot %s", path)
	}
	return snap, nil
}
