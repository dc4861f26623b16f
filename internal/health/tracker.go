package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/yanun0323/logs"
)

// Tracker keeps the single authoritative view of feed health.
// It has no knowledge of trading.
type Tracker struct {
	cfg Config
	now func() time.Time

	// notifyMu serializes recompute + dispatch so changes are delivered in order.
	notifyMu sync.Mutex

	mu             sync.RWMutex
	connState      ConnectionState
	lastPush       time.Time
	lastPoll       time.Time
	failures       int
	reconnects     int
	connectedSince time.Time
	lastError      string
	view           View

	handlersMu sync.RWMutex
	handlers   map[uint64]func(Change)
	nextID     uint64
}

// NewTracker validates config and builds a tracker in the disconnected state.
func NewTracker(cfg Config) (*Tracker, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Tracker{
		cfg:       cfg,
		now:       cfg.Clock,
		connState: StateDisconnected,
		handlers:  make(map[uint64]func(Change)),
	}
	t.view, _ = t.evaluate(t.now())
	return t, nil
}

// Config returns the resolved configuration.
func (t *Tracker) Config() Config {
	return t.cfg
}

// ReportConnectionState records a push feed transition.
func (t *Tracker) ReportConnectionState(state ConnectionState) {
	t.recompute("connection "+state.String(), func(now time.Time) {
		prev := t.connState
		t.connState = state
		switch state {
		case StateConnected, StateAuthenticated:
			t.failures = 0
			if !prev.IsConnected() || t.connectedSince.IsZero() {
				t.connectedSince = now
			}
		case StateDisconnected:
			if prev != StateDisconnected {
				t.reconnects++
			}
			t.connectedSince = time.Time{}
		}
	})
}

// ReportDataReceived stamps the arrival time for a source and recovers
// one step of trust.
func (t *Tracker) ReportDataReceived(source Source) {
	if source != SourcePush && source != SourcePoll {
		return
	}
	t.recompute(source.String()+" data", func(now time.Time) {
		if source == SourcePush {
			t.lastPush = now
		} else {
			t.lastPoll = now
		}
		if t.failures > 0 {
			t.failures--
		}
	})
}

// ReportFailure records a failure signal from a source.
func (t *Tracker) ReportFailure(source Source, err error) {
	t.recompute(source.String()+" failure", func(time.Time) {
		t.failures++
		if err != nil {
			t.lastError = source.String() + ": " + err.Error()
		} else {
			t.lastError = source.String() + ": unknown failure"
		}
	})
}

// Recompute re-evaluates the view without a new signal.
func (t *Tracker) Recompute() {
	t.recompute("tick", nil)
}

// View returns the current snapshot.
func (t *Tracker) View() View {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.view
}

// PrimarySource returns the current authoritative source.
func (t *Tracker) PrimarySource() Source {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.view.PrimarySource
}

// IsPushHealthy reports whether the push feed is authoritative and healthy.
func (t *Tracker) IsPushHealthy() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.view.PrimarySource == SourcePush && t.view.OverallHealth == Healthy
}

// ShouldUsePoll reports whether the poll feed is the authoritative source.
func (t *Tracker) ShouldUsePoll() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.view.PrimarySource == SourcePoll
}

// Feed returns the raw health of a single feed.
func (t *Tracker) Feed(source Source) FeedHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.feedLocked(source)
}

func (t *Tracker) feedLocked(source Source) FeedHealth {
	if source == SourcePush {
		return FeedHealth{
			Connected:      t.connState.IsConnected(),
			LastDataAt:     t.lastPush,
			StaleThreshold: t.cfg.PushStaleThreshold,
		}
	}
	return FeedHealth{
		Connected:      !t.lastPoll.IsZero(),
		LastDataAt:     t.lastPoll,
		StaleThreshold: t.cfg.PollStaleThreshold,
	}
}

// OnChange registers a handler for significant view changes.
// Handlers must not report signals back into the tracker synchronously.
func (t *Tracker) OnChange(handler func(Change)) (unsubscribe func()) {
	if handler == nil {
		return func() {}
	}
	t.handlersMu.Lock()
	t.nextID++
	id := t.nextID
	t.handlers[id] = handler
	t.handlersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.handlersMu.Lock()
			delete(t.handlers, id)
			t.handlersMu.Unlock()
		})
	}
}

// Run forces a recompute every tick so staleness is caught even when
// both feeds go silent.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Recompute()
		}
	}
}

func (t *Tracker) recompute(trigger string, mutate func(now time.Time)) {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()

	now := t.now()
	t.mu.Lock()
	if mutate != nil {
		mutate(now)
	}
	old := t.view
	next, reason := t.evaluate(now)
	t.view = next
	t.mu.Unlock()

	if !next.significantlyDiffers(old) {
		return
	}
	change := Change{Old: old, New: next, Reason: trigger + ": " + reason}
	logs.Infof("feed health changed, source: %s -> %s, health: %s -> %s, reason: %s",
		old.PrimarySource, next.PrimarySource, old.OverallHealth, next.OverallHealth, change.Reason)
	t.dispatch(change)
}

// evaluate derives the view from raw signals. Caller holds t.mu.
func (t *Tracker) evaluate(now time.Time) (View, string) {
	push := t.feedLocked(SourcePush)
	poll := t.feedLocked(SourcePoll)
	pushAge := push.Age(now)
	pollFresh := poll.Fresh(now)

	v := View{
		ConnectionState:     t.connState,
		LastPushDataAt:      t.lastPush,
		LastPollDataAt:      t.lastPoll,
		ConsecutiveFailures: t.failures,
		ReconnectAttempts:   t.reconnects,
		ConnectedSince:      t.connectedSince,
		LastError:           t.lastError,
		UpdatedAt:           now,
	}

	var reason string
	authenticated := t.connState == StateAuthenticated
	switch {
	case authenticated && push.Fresh(now):
		v.PrimarySource, v.OverallHealth, v.IsStale = SourcePush, Healthy, false
		reason = "push authenticated and fresh"
	case authenticated && !push.LastDataAt.IsZero() && pushAge <= t.cfg.SilentDisconnectThreshold:
		v.PrimarySource, v.OverallHealth, v.IsStale = SourceDegraded, Degraded, true
		reason = fmt.Sprintf("push quiet for %s, within grace period", pushAge)
	case authenticated:
		v.PrimarySource = SourcePoll
		if pollFresh {
			v.OverallHealth, v.IsStale = Healthy, false
		} else {
			v.OverallHealth, v.IsStale = Unhealthy, true
		}
		if push.LastDataAt.IsZero() {
			reason = "push authenticated without data, using poll"
		} else {
			reason = fmt.Sprintf("push silent for %s, beyond disconnect threshold, using poll", pushAge)
		}
	case pollFresh:
		v.PrimarySource, v.OverallHealth, v.IsStale = SourcePoll, Healthy, false
		reason = "push " + t.connState.String() + ", poll fresh"
	default:
		v.PrimarySource, v.OverallHealth, v.IsStale = SourcePoll, Unhealthy, true
		reason = "push " + t.connState.String() + ", poll stale"
		if t.connState == StateDisconnected && t.lastPoll.IsZero() {
			v.OverallHealth = Disconnected
			reason = "no feed has delivered data"
		}
	}

	if t.cfg.MaxConsecutiveFailures > 0 && t.failures >= t.cfg.MaxConsecutiveFailures {
		v.OverallHealth = Unhealthy
		reason += fmt.Sprintf(", %d consecutive failures", t.failures)
	}
	return v, reason
}

func (t *Tracker) dispatch(change Change) {
	t.handlersMu.RLock()
	handlers := make([]func(Change), 0, len(t.handlers))
	for _, h := range t.handlers {
		handlers = append(handlers, h)
	}
	t.handlersMu.RUnlock()

	for _, h := range handlers {
		callHandler(h, change)
	}
}

func callHandler(h func(Change), change Change) {
	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("health change handler panicked, err: %+v", r)
		}
	}()
	h(change)
}
