package obs

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects lightweight counters and latency stats.
type Metrics struct {
	ticks              counterVec
	droppedTicks       uint64
	divergenceWarnings uint64
	sourceSwitches     uint64
	feedFailures       counterVec
	queueDrops         uint64

	decisionsAllowed uint64
	decisionsDenied  uint64
	alerts           counterVec
	capitalFallbacks uint64

	positionsOpened uint64
	closes          counterVec

	pollLatency      LatencyStats
	admissionLatency LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64        `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Avg   time.Duration `json:"avg"`
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	Ticks              map[string]uint64 `json:"ticks"`
	DroppedTicks       uint64            `json:"droppedTicks"`
	DivergenceWarnings uint64            `json:"divergenceWarnings"`
	SourceSwitches     uint64            `json:"sourceSwitches"`
	FeedFailures       map[string]uint64 `json:"feedFailures"`
	QueueDrops         uint64            `json:"queueDrops"`
	DecisionsAllowed   uint64            `json:"decisionsAllowed"`
	DecisionsDenied    uint64            `json:"decisionsDenied"`
	Alerts             map[string]uint64 `json:"alerts"`
	CapitalFallbacks   uint64            `json:"capitalFallbacks"`
	PositionsOpened    uint64            `json:"positionsOpened"`
	Closes             map[string]uint64 `json:"closes"`
	PollLatency        LatencySnapshot   `json:"pollLatency"`
	AdmissionLatency   LatencySnapshot   `json:"admissionLatency"`
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// ObserveTick counts an accepted tick from a feed source.
func (m *Metrics) ObserveTick(source string) {
	if m == nil {
		return
	}
	m.ticks.inc(source)
}

// IncDroppedTick records a tick rejected by validation.
func (m *Metrics) IncDroppedTick() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.droppedTicks, 1)
}

// IncDivergence records a price divergence warning.
func (m *Metrics) IncDivergence() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.divergenceWarnings, 1)
}

// IncSourceSwitch records an authoritative source change.
func (m *Metrics) IncSourceSwitch() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.sourceSwitches, 1)
}

// IncFeedFailure records a failure reported by a feed source.
func (m *Metrics) IncFeedFailure(source string) {
	if m == nil {
		return
	}
	m.feedFailures.inc(source)
}

// IncQueueDrop records a subscriber queue drop.
func (m *Metrics) IncQueueDrop() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.queueDrops, 1)
}

// ObserveDecision counts an admission decision and its alerts.
func (m *Metrics) ObserveDecision(allowed bool, checks []string) {
	if m == nil {
		return
	}
	if allowed {
		atomic.AddUint64(&m.decisionsAllowed, 1)
	} else {
		atomic.AddUint64(&m.decisionsDenied, 1)
	}
	for _, check := range checks {
		m.alerts.inc(check)
	}
}

// IncCapitalFallback records an exposure calculation that used fallback capital.
func (m *Metrics) IncCapitalFallback() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.capitalFallbacks, 1)
}

// IncPositionOpened records a new position.
func (m *Metrics) IncPositionOpened() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.positionsOpened, 1)
}

// IncPositionClosed records a position close by reason.
func (m *Metrics) IncPositionClosed(reason string) {
	if m == nil {
		return
	}
	m.closes.inc(reason)
}

// ObservePoll measures a poll request round trip.
func (m *Metrics) ObservePoll(d time.Duration) {
	if m == nil {
		return
	}
	m.pollLatency.Observe(d)
}

// ObserveAdmission measures admission check latency.
func (m *Metrics) ObserveAdmission(d time.Duration) {
	if m == nil {
		return
	}
	m.admissionLatency.Observe(d)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		Ticks:              m.ticks.snapshot(),
		DroppedTicks:       atomic.LoadUint64(&m.droppedTicks),
		DivergenceWarnings: atomic.LoadUint64(&m.divergenceWarnings),
		SourceSwitches:     atomic.LoadUint64(&m.sourceSwitches),
		FeedFailures:       m.feedFailures.snapshot(),
		QueueDrops:         atomic.LoadUint64(&m.queueDrops),
		DecisionsAllowed:   atomic.LoadUint64(&m.decisionsAllowed),
		DecisionsDenied:    atomic.LoadUint64(&m.decisionsDenied),
		Alerts:             m.alerts.snapshot(),
		CapitalFallbacks:   atomic.LoadUint64(&m.capitalFallbacks),
		PositionsOpened:    atomic.LoadUint64(&m.positionsOpened),
		Closes:             m.closes.snapshot(),
		PollLatency:        m.pollLatency.Snapshot(),
		AdmissionLatency:   m.admissionLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}

// counterVec is a small labeled counter set.
type counterVec struct {
	mu     sync.Mutex
	values map[string]uint64
}

func (c *counterVec) inc(label string) {
	c.mu.Lock()
	if c.values == nil {
		c.values = make(map[string]uint64)
	}
	c.values[label]++
	c.mu.Unlock()
}

func (c *counterVec) snapshot() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uint64, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Labels returns the sorted label set of a snapshot map.
func Labels(values map[string]uint64) []string {
	out := make([]string, 0, len(values))
	for k := range values {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
