package health

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestTracker(t *testing.T, cfg Config) (*Tracker, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	cfg.Clock = clock.Now
	tr, err := NewTracker(cfg)
	require.NoError(t, err)
	return tr, clock
}

func TestInitialViewIsDisconnected(t *testing.T) {
	tr, _ := newTestTracker(t, DefaultConfig())
	v := tr.View()
	assert.Equal(t, Disconnected, v.OverallHealth)
	assert.Equal(t, SourcePoll, v.PrimarySource)
	assert.Equal(t, StateDisconnected, v.ConnectionState)
	assert.True(t, v.IsStale)
	assert.False(t, tr.IsPushHealthy())
	assert.True(t, tr.ShouldUsePoll())
}

func TestPushFreshIsHealthy(t *testing.T) {
	tr, clock := newTestTracker(t, DefaultConfig())
	tr.ReportConnectionState(StateConnected)
	tr.ReportConnectionState(StateAuthenticated)
	tr.ReportDataReceived(SourcePush)
	clock.Advance(200 * time.Millisecond)
	tr.Recompute()

	v := tr.View()
	assert.Equal(t, SourcePush, v.PrimarySource)
	assert.Equal(t, Healthy, v.OverallHealth)
	assert.False(t, v.IsStale)
	assert.True(t, tr.IsPushHealthy())
}

func TestSilentPushFallsBackToPoll(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SilentDisconnectThreshold = 1500 * time.Millisecond
	tr, clock := newTestTracker(t, cfg)
	tr.ReportConnectionState(StateAuthenticated)
	tr.ReportDataReceived(SourcePush)
	clock.Advance(1600 * time.Millisecond)
	tr.ReportDataReceived(SourcePoll)

	v := tr.View()
	assert.Equal(t, SourcePoll, v.PrimarySource)
	assert.Equal(t, Healthy, v.OverallHealth)
	assert.False(t, v.IsStale)
}

func TestQuietPushIsDegraded(t *testing.T) {
	tr, clock := newTestTracker(t, DefaultConfig())
	tr.ReportConnectionState(StateAuthenticated)
	tr.ReportDataReceived(SourcePush)
	clock.Advance(3 * time.Second)
	tr.Recompute()

	v := tr.View()
	assert.Equal(t, SourceDegraded, v.PrimarySource)
	assert.Equal(t, Degraded, v.OverallHealth)
	assert.True(t, v.IsStale)

	clock.Advance(3 * time.Second)
	tr.Recompute()
	v = tr.View()
	assert.Equal(t, SourcePoll, v.PrimarySource)
	assert.Equal(t, Unhealthy, v.OverallHealth)
}

func TestAuthenticatedWithoutDataUsesPoll(t *testing.T) {
	tr, _ := newTestTracker(t, DefaultConfig())
	tr.ReportConnectionState(StateAuthenticated)
	tr.ReportDataReceived(SourcePoll)

	v := tr.View()
	assert.Equal(t, SourcePoll, v.PrimarySource)
	assert.Equal(t, Healthy, v.OverallHealth)
}

func TestPushNotAuthenticated(t *testing.T) {
	tr, clock := newTestTracker(t, DefaultConfig())
	tr.ReportConnectionState(StateConnected)
	tr.ReportDataReceived(SourcePush)
	tr.ReportDataReceived(SourcePoll)
	assert.Equal(t, SourcePoll, tr.PrimarySource())
	assert.Equal(t, Healthy, tr.View().OverallHealth)

	clock.Advance(11 * time.Second)
	tr.Recompute()
	v := tr.View()
	assert.Equal(t, SourcePoll, v.PrimarySource)
	assert.Equal(t, Unhealthy, v.OverallHealth)
	assert.True(t, v.IsStale)
}

func TestFailuresRecoverGradually(t *testing.T) {
	tr, _ := newTestTracker(t, DefaultConfig())
	tr.ReportDataReceived(SourcePoll)
	assert.Equal(t, 0, tr.View().ConsecutiveFailures)

	for i := 0; i < 4; i++ {
		tr.ReportFailure(SourcePush, errors.New("read timeout"))
	}
	assert.Equal(t, 4, tr.View().ConsecutiveFailures)
	assert.Equal(t, "push: read timeout", tr.View().LastError)

	tr.ReportDataReceived(SourcePoll)
	assert.Equal(t, 3, tr.View().ConsecutiveFailures)
}

func TestFailureOverrideForcesUnhealthy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConsecutiveFailures = 3
	tr, _ := newTestTracker(t, cfg)
	tr.ReportConnectionState(StateAuthenticated)
	tr.ReportDataReceived(SourcePush)
	require.True(t, tr.IsPushHealthy())

	for i := 0; i < 4; i++ {
		tr.ReportFailure(SourcePush, nil)
	}
	v := tr.View()
	assert.Equal(t, SourcePush, v.PrimarySource)
	assert.Equal(t, Unhealthy, v.OverallHealth)
	assert.False(t, tr.IsPushHealthy())

	// 4 failures, one recovery step leaves 3: still at the limit.
	tr.ReportDataReceived(SourcePush)
	assert.Equal(t, Unhealthy, tr.View().OverallHealth)
	tr.ReportDataReceived(SourcePush)
	assert.Equal(t, Healthy, tr.View().OverallHealth)
}

func TestConnectionStateCounters(t *testing.T) {
	tr, clock := newTestTracker(t, DefaultConfig())
	tr.ReportFailure(SourcePush, nil)
	tr.ReportConnectionState(StateConnected)
	since := clock.Now()
	assert.Equal(t, 0, tr.View().ConsecutiveFailures)
	assert.Equal(t, since, tr.View().ConnectedSince)

	clock.Advance(time.Second)
	tr.ReportConnectionState(StateAuthenticated)
	assert.Equal(t, since, tr.View().ConnectedSince)
	assert.Equal(t, time.Second, tr.View().ConnectionDuration(clock.Now()))

	tr.ReportConnectionState(StateDisconnected)
	tr.ReportConnectionState(StateDisconnected)
	v := tr.View()
	assert.Equal(t, 1, v.ReconnectAttempts)
	assert.True(t, v.ConnectedSince.IsZero())
}

func TestChangeOnlyOnSignificantDifference(t *testing.T) {
	tr, clock := newTestTracker(t, DefaultConfig())
	var changes []Change
	tr.OnChange(func(c Change) { changes = append(changes, c) })

	tr.ReportConnectionState(StateAuthenticated)
	tr.ReportDataReceived(SourcePush)
	require.Len(t, changes, 2)
	assert.Equal(t, SourcePush, changes[1].New.PrimarySource)
	assert.Equal(t, SourcePoll, changes[1].Old.PrimarySource)
	assert.NotEmpty(t, changes[1].Reason)

	for i := 0; i < 100; i++ {
		clock.Advance(10 * time.Millisecond)
		tr.ReportDataReceived(SourcePush)
	}
	assert.Len(t, changes, 2)
}

func TestTickDetectsStaleness(t *testing.T) {
	tr, clock := newTestTracker(t, DefaultConfig())
	tr.ReportConnectionState(StateAuthenticated)
	tr.ReportDataReceived(SourcePush)

	var got []Change
	tr.OnChange(func(c Change) { got = append(got, c) })

	clock.Advance(2 * time.Second)
	tr.Recompute()
	require.Len(t, got, 1)
	assert.Equal(t, SourceDegraded, got[0].New.PrimarySource)
	assert.Contains(t, got[0].Reason, "tick")
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	tr, _ := newTestTracker(t, DefaultConfig())
	calls := 0
	tr.OnChange(func(Change) { panic("boom") })
	tr.OnChange(func(Change) { calls++ })

	tr.ReportDataReceived(SourcePoll)
	assert.Equal(t, 1, calls)
}

func TestUnsubscribe(t *testing.T) {
	tr, _ := newTestTracker(t, DefaultConfig())
	calls := 0
	unsubscribe := tr.OnChange(func(Change) { calls++ })
	unsubscribe()
	unsubscribe()

	tr.ReportDataReceived(SourcePoll)
	assert.Equal(t, 0, calls)
}

func TestConfigValidate(t *testing.T) {
	testCases := []struct {
		desc string
		cfg  Config
		ok   bool
	}{
		{desc: "defaults", cfg: DefaultConfig(), ok: true},
		{desc: "negative threshold", cfg: Config{PushStaleThreshold: -time.Second}, ok: false},
		{desc: "silent below stale", cfg: Config{PushStaleThreshold: 2 * time.Second, SilentDisconnectThreshold: time.Second}, ok: false},
		{desc: "negative failures", cfg: Config{MaxConsecutiveFailures: -1}, ok: false},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := NewTracker(tc.cfg)
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %+v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

// Push may only be primary while authenticated and within the silent threshold,
// whatever order the signals arrive in.
func TestPushPrimaryInvariant(t *testing.T) {
	cfg := DefaultConfig()
	tr, clock := newTestTracker(t, cfg)
	rng := rand.New(rand.NewSource(7))
	states := []ConnectionState{StateConnecting, StateConnected, StateAuthenticated, StateDisconnected, StateReconnecting}

	for i := 0; i < 5000; i++ {
		switch rng.Intn(5) {
		case 0:
			tr.ReportConnectionState(states[rng.Intn(len(states))])
		case 1:
			tr.ReportDataReceived(SourcePush)
		case 2:
			tr.ReportDataReceived(SourcePoll)
		case 3:
			tr.ReportFailure(SourcePush, nil)
		default:
			clock.Advance(time.Duration(rng.Intn(3000)) * time.Millisecond)
			tr.Recompute()
		}

		v := tr.View()
		if v.ConsecutiveFailures < 0 {
			t.Fatalf("negative failures at step %d", i)
		}
		if v.PrimarySource != SourcePush {
			continue
		}
		if v.ConnectionState != StateAuthenticated {
			t.Fatalf("push primary while %s at step %d", v.ConnectionState, i)
		}
		if age := clock.Now().Sub(v.LastPushDataAt); age > cfg.SilentDisconnectThreshold {
			t.Fatalf("push primary with age %s at step %d", age, i)
		}
	}
}
