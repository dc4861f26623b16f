package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeguard/internal/account"
	"tradeguard/internal/health"
	"tradeguard/internal/obs"
	"tradeguard/internal/state"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type stubHealth struct {
	view health.View
}

func (s *stubHealth) View() health.View {
	return s.view
}

func healthyView() health.View {
	return health.View{
		PrimarySource:   health.SourcePush,
		OverallHealth:   health.Healthy,
		ConnectionState: health.StateAuthenticated,
		LastPushDataAt:  testNow.Add(-100 * time.Millisecond),
		LastPollDataAt:  testNow.Add(-time.Second),
	}
}

type fixture struct {
	gate     *Gate
	ledger   *state.Ledger
	health   *stubHealth
	provider *account.Static
	metrics  *obs.Metrics
}

func newFixture(t *testing.T, limits Limits, equity float64, store account.Store) *fixture {
	t.Helper()
	metrics := obs.NewMetrics()
	ledgerCfg := state.DefaultConfig()
	ledgerCfg.InitialEquity = equity
	ledgerCfg.Clock = func() time.Time { return testNow }
	ledger, err := state.NewLedger(ledgerCfg, metrics)
	require.NoError(t, err)

	hv := &stubHealth{view: healthyView()}
	provider := account.NewStatic(equity)
	gate, err := NewGate(Config{Limits: limits, Clock: func() time.Time { return testNow }}, ledger, hv, provider, store, metrics)
	require.NoError(t, err)
	return &fixture{gate: gate, ledger: ledger, health: hv, provider: provider, metrics: metrics}
}

func (f *fixture) check(t *testing.T, side state.Side, m Metrics, size, price float64) Decision {
	t.Helper()
	return f.gate.CheckTradeAllowed(context.Background(), Proposal{Coin: "BTC", Side: side, Timeframe: "5m"}, m, size, price)
}

func normalMetrics() Metrics {
	return Metrics{Liquidity: LiquidityNormal, Volatility: VolatilityNormal}
}

func checksOf(alerts []Alert) []string {
	checks := make([]string, 0, len(alerts))
	for _, a := range alerts {
		checks = append(checks, a.Check)
	}
	return checks
}

func TestAllowedWithAdjustments(t *testing.T) {
	f := newFixture(t, DefaultLimits(), 10000, nil)

	d := f.check(t, state.SideLong, normalMetrics(), 1, 100)
	require.True(t, d.Allowed, d.Reason)
	require.NotNil(t, d.Adjustments)
	assert.Empty(t, d.Alerts)
	assert.Equal(t, EquityLive, d.EquitySource)
	assert.InDelta(t, 1.0, d.ExposurePercent, 1e-9)
	assert.Equal(t, 1.0, d.Adjustments.SizeMultiplier)
	assert.InDelta(t, 99.0, d.Adjustments.StopLoss, 1e-9)
	assert.InDelta(t, 102.0, d.Adjustments.TakeProfit, 1e-9)

	d = f.check(t, state.SideShort, normalMetrics(), 1, 100)
	require.True(t, d.Allowed)
	assert.InDelta(t, 101.0, d.Adjustments.StopLoss, 1e-9)
	assert.InDelta(t, 98.0, d.Adjustments.TakeProfit, 1e-9)
}

func TestHighVolatilityHalvesSize(t *testing.T) {
	f := newFixture(t, DefaultLimits(), 10000, nil)
	m := Metrics{Volatility: VolatilityHigh, VolatilityPercent: 1.5}

	d := f.check(t, state.SideLong, m, 2, 100)
	require.True(t, d.Allowed)
	assert.Equal(t, 0.5, d.Adjustments.SizeMultiplier)
	assert.Equal(t, 1.0, d.Adjustments.AdjustedSize)
	assert.InDelta(t, 98.5, d.Adjustments.StopLoss, 1e-9)
	assert.InDelta(t, 103.0, d.Adjustments.TakeProfit, 1e-9)
}

func TestLossStreakBlocks(t *testing.T) {
	f := newFixture(t, DefaultLimits(), 10000, nil)
	for i := 0; i < 3; i++ {
		p, err := f.ledger.OpenPosition(state.OpenSpec{Coin: "BTC", Side: state.SideLong, EntryPrice: 100, Size: 1})
		require.NoError(t, err)
		f.ledger.ClosePosition(p.ID, state.CloseManual, 99)
	}

	d := f.check(t, state.SideLong, normalMetrics(), 1, 100)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "loss streak")
	assert.Equal(t, []string{CheckLossStreak}, d.BlockingChecks())
	assert.Nil(t, d.Adjustments)
}

func TestExposureIncludesProposedOrder(t *testing.T) {
	f := newFixture(t, DefaultLimits(), 10000, nil)
	_, err := f.ledger.OpenPosition(state.OpenSpec{Coin: "BTC", Side: state.SideLong, EntryPrice: 100, Size: 29})
	require.NoError(t, err)

	d := f.check(t, state.SideLong, normalMetrics(), 6, 100)
	assert.False(t, d.Allowed)
	require.Len(t, d.Alerts, 1)
	assert.Equal(t, CheckExposure, d.Alerts[0].Check)
	assert.Equal(t, SeverityCritical, d.Alerts[0].Severity)
	assert.InDelta(t, 35.0, d.ExposurePercent, 1e-9)

	d = f.check(t, state.SideLong, normalMetrics(), 0.5, 100)
	assert.True(t, d.Allowed)
	assert.InDelta(t, 29.5, d.ExposurePercent, 1e-9)
}

func TestExposureCountsExternalPositions(t *testing.T) {
	f := newFixture(t, DefaultLimits(), 10000, nil)
	f.provider.SetPositions([]account.Position{{Symbol: "ETHUSDT", Size: -10, LastPrice: 250}})

	d := f.check(t, state.SideLong, normalMetrics(), 6, 100)
	assert.False(t, d.Allowed)
	assert.InDelta(t, 31.0, d.ExposurePercent, 1e-9)
}

func TestChecksRunInOrder(t *testing.T) {
	limits := DefaultLimits()
	limits.KillSwitch = true
	limits.MaxConcurrentPositions = 1
	f := newFixture(t, limits, 100, nil)
	for i := 0; i < 3; i++ {
		p, err := f.ledger.OpenPosition(state.OpenSpec{Coin: "BTC", Side: state.SideLong, EntryPrice: 10, Size: 1})
		require.NoError(t, err)
		f.ledger.ClosePosition(p.ID, state.CloseManual, 5)
	}
	_, err := f.ledger.OpenPosition(state.OpenSpec{Coin: "BTC", Side: state.SideLong, EntryPrice: 10, Size: 1})
	require.NoError(t, err)

	m := Metrics{Liquidity: LiquidityDry, Volatility: VolatilityExtreme, ExpectedSlippagePercent: 2}
	d := f.check(t, state.SideLong, m, 10, 10)
	assert.False(t, d.Allowed)
	assert.Equal(t, []string{
		CheckLiquidity, CheckVolatility, CheckExposure, CheckSystem,
		CheckLossStreak, CheckDailyLoss, CheckPositionCount, CheckSlippage,
	}, checksOf(d.Alerts))
	assert.Equal(t, "liquidity is dry", d.Reason)
	assert.Equal(t, SeverityWarning, d.Alerts[7].Severity)
}

func TestSlippageWarnsOnly(t *testing.T) {
	f := newFixture(t, DefaultLimits(), 10000, nil)
	m := normalMetrics()
	m.ExpectedSlippagePercent = 1

	d := f.check(t, state.SideLong, m, 1, 100)
	assert.True(t, d.Allowed)
	require.Len(t, d.Alerts, 1)
	assert.Equal(t, CheckSlippage, d.Alerts[0].Check)
	assert.Equal(t, SeverityWarning, d.Alerts[0].Severity)
}

func TestSystemChecks(t *testing.T) {
	testCases := []struct {
		desc     string
		view     func() health.View
		pollOnly bool
		allowed  bool
		severity Severity
	}{
		{
			desc: "disconnected push",
			view: func() health.View {
				v := healthyView()
				v.ConnectionState = health.StateDisconnected
				v.PrimarySource = health.SourcePoll
				return v
			},
			severity: SeverityCritical,
		},
		{
			desc: "poll only deployment",
			view: func() health.View {
				v := healthyView()
				v.ConnectionState = health.StateDisconnected
				v.PrimarySource = health.SourcePoll
				return v
			},
			pollOnly: true,
			allowed:  true,
		},
		{
			desc: "stale push data",
			view: func() health.View {
				v := healthyView()
				v.PrimarySource = health.SourceDegraded
				v.LastPushDataAt = testNow.Add(-3 * time.Second)
				return v
			},
			severity: SeverityHigh,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			limits := DefaultLimits()
			limits.AllowPollOnly = tc.pollOnly
			f := newFixture(t, limits, 10000, nil)
			f.health.view = tc.view()

			d := f.check(t, state.SideLong, normalMetrics(), 1, 100)
			if d.Allowed != tc.allowed {
				t.Fatalf("allowed: %v, want %v, alerts: %+v", d.Allowed, tc.allowed, d.Alerts)
			}
			if tc.allowed {
				return
			}
			require.Len(t, d.Alerts, 1)
			assert.Equal(t, CheckSystem, d.Alerts[0].Check)
			assert.Equal(t, tc.severity, d.Alerts[0].Severity)
		})
	}
}

func TestFeedLatencyReported(t *testing.T) {
	f := newFixture(t, DefaultLimits(), 10000, nil)
	m := normalMetrics()
	m.FeedLatency = 5 * time.Second

	d := f.check(t, state.SideLong, m, 1, 100)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "feed latency")
}

func TestEquityFallbackChain(t *testing.T) {
	limits := DefaultLimits()
	limits.FallbackCapital = 5000
	store := account.NewMemoryStore()

	f := newFixture(t, limits, 10000, store)
	d := f.check(t, state.SideLong, normalMetrics(), 1, 100)
	assert.Equal(t, EquityLive, d.EquitySource)
	stored, err := store.LoadEquity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10000.0, stored)

	f.provider.SetError(errors.New("gateway timeout"))
	d = f.check(t, state.SideLong, normalMetrics(), 1, 100)
	assert.True(t, d.Allowed)
	assert.Equal(t, EquityLastKnown, d.EquitySource)
	assert.Equal(t, 10000.0, d.Equity)
	require.Len(t, d.Alerts, 1)
	assert.Equal(t, SeverityWarning, d.Alerts[0].Severity)

	// A fresh gate has no last known value and reads the store.
	g, err := NewGate(Config{Limits: limits, Clock: func() time.Time { return testNow }}, f.ledger, f.health, f.provider, store, f.metrics)
	require.NoError(t, err)
	d = g.CheckTradeAllowed(context.Background(), Proposal{Coin: "BTC", Side: state.SideLong}, normalMetrics(), 1, 100)
	assert.Equal(t, EquityStored, d.EquitySource)

	g, err = NewGate(Config{Limits: limits, Clock: func() time.Time { return testNow }}, f.ledger, f.health, f.provider, nil, f.metrics)
	require.NoError(t, err)
	d = g.CheckTradeAllowed(context.Background(), Proposal{Coin: "BTC", Side: state.SideLong}, normalMetrics(), 1, 100)
	assert.Equal(t, EquityFallback, d.EquitySource)
	assert.Equal(t, 5000.0, d.Equity)
	assert.Equal(t, uint64(1), f.metrics.Snapshot().CapitalFallbacks)
}

func TestDailyLossUsesResolvedEquity(t *testing.T) {
	limits := DefaultLimits()
	limits.FallbackCapital = 10000
	metrics := obs.NewMetrics()
	ledgerCfg := state.DefaultConfig()
	ledgerCfg.Clock = func() time.Time { return testNow }
	ledger, err := state.NewLedger(ledgerCfg, metrics)
	require.NoError(t, err)
	gate, err := NewGate(Config{Limits: limits, Clock: func() time.Time { return testNow }}, ledger, &stubHealth{view: healthyView()}, account.Unavailable{}, nil, metrics)
	require.NoError(t, err)

	p, err := ledger.OpenPosition(state.OpenSpec{Coin: "BTC", Side: state.SideLong, EntryPrice: 100, Size: 10})
	require.NoError(t, err)
	closed, ok := ledger.ClosePosition(p.ID, state.CloseManual, 40)
	require.True(t, ok)
	require.Equal(t, -600.0, closed.PnL)

	stats := ledger.Stats()
	assert.Zero(t, stats.Equity)
	assert.Zero(t, stats.DailyLossPercent)
	assert.Equal(t, 600.0, stats.DailyLoss)

	d := gate.CheckTradeAllowed(context.Background(), Proposal{Coin: "BTC", Side: state.SideLong}, normalMetrics(), 1, 100)
	assert.False(t, d.Allowed)
	assert.Equal(t, EquityFallback, d.EquitySource)
	assert.Equal(t, []string{CheckDailyLoss}, d.BlockingChecks())
	assert.Contains(t, d.Reason, "daily loss 6.00%")
}

func TestNoEquityFailsClosed(t *testing.T) {
	f := newFixture(t, DefaultLimits(), 10000, nil)
	f.provider.SetError(errors.New("down"))

	d := f.check(t, state.SideLong, normalMetrics(), 1, 100)
	assert.False(t, d.Allowed)
	assert.Equal(t, EquityNone, d.EquitySource)
	assert.Equal(t, CheckExposure, d.BlockingChecks()[0])
}

func TestInvalidProposal(t *testing.T) {
	f := newFixture(t, DefaultLimits(), 10000, nil)
	d := f.check(t, state.SideLong, normalMetrics(), 0, 100)
	assert.False(t, d.Allowed)
	assert.Equal(t, []string{CheckInput}, d.BlockingChecks())
}

func TestUpdateLimits(t *testing.T) {
	f := newFixture(t, DefaultLimits(), 10000, nil)
	bad := DefaultLimits()
	bad.MaxExposurePercent = -1
	assert.Error(t, f.gate.UpdateLimits(bad))

	next := DefaultLimits()
	next.KillSwitch = true
	require.NoError(t, f.gate.UpdateLimits(next))
	d := f.check(t, state.SideLong, normalMetrics(), 1, 100)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "kill switch")
}
