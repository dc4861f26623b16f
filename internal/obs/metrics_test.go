package obs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetricsSnapshot(t *testing.T) {
	m := NewMetrics()
	m.ObserveTick("push")
	m.ObserveTick("push")
	m.ObserveTick("poll")
	m.IncDroppedTick()
	m.IncSourceSwitch()
	m.ObserveDecision(false, []string{"exposure", "loss_streak"})
	m.ObserveDecision(true, nil)
	m.IncPositionClosed("stop-loss")

	snap := m.Snapshot()
	assert.Equal(t, uint64(2), snap.Ticks["push"])
	assert.Equal(t, uint64(1), snap.Ticks["poll"])
	assert.Equal(t, uint64(1), snap.DroppedTicks)
	assert.Equal(t, uint64(1), snap.SourceSwitches)
	assert.Equal(t, uint64(1), snap.DecisionsAllowed)
	assert.Equal(t, uint64(1), snap.DecisionsDenied)
	assert.Equal(t, []string{"exposure", "loss_streak"}, Labels(snap.Alerts))
	assert.Equal(t, uint64(1), snap.Closes["stop-loss"])
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveTick("push")
	m.IncQueueDrop()
	m.ObserveAdmission(time.Millisecond)
	assert.Equal(t, Snapshot{}, m.Snapshot())
}

func TestLatencyStats(t *testing.T) {
	var l LatencyStats
	l.Observe(2 * time.Millisecond)
	l.Observe(4 * time.Millisecond)
	l.Observe(-time.Millisecond)

	snap := l.Snapshot()
	assert.Equal(t, uint64(2), snap.Count)
	assert.Equal(t, 2*time.Millisecond, snap.Min)
	assert.Equal(t, 4*time.Millisecond, snap.Max)
	assert.Equal(t, 3*time.Millisecond, snap.Avg)
}
