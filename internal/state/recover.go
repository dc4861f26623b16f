package state

import (
	"os"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tradeguard/internal/obs"
)

// RecoverConfig controls ledger recovery from a snapshot file.
type RecoverConfig struct {
	SnapshotPath string
	// Required fails recovery when the snapshot file does not exist.
	Required bool
}

// RecoverLedger builds a ledger and loads the snapshot into it.
// A missing snapshot yields an empty ledger unless Required is set.
func RecoverLedger(cfg Config, rc RecoverConfig, metrics *obs.Metrics) (*Ledger, error) {
	l, err := NewLedger(cfg, metrics)
	if err != nil {
		return nil, err
	}
	if rc.SnapshotPath == "" {
		if rc.Required {
			return nil, errors.New("snapshot path is empty")
		}
		return l, nil
	}

	snap, err := ReadSnapshot(rc.SnapshotPath)
	if err != nil {
		if os.IsNotExist(err) && !rc.Required {
			logs.Infof("no ledger snapshot found, path: %s", rc.SnapshotPath)
			return l, nil
		}
		return nil, errors.Wrapf(err, "read snapshot %s", rc.SnapshotPath)
	}
	l.Restore(snap)
	logs.Infof("ledger recovered, path: %s, positions: %d, losses: %d", rc.SnapshotPath, len(snap.Positions), snap.ConsecutiveLosses)
	return l, nil
}
