package risk

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tradeguard/internal/account"
	"tradeguard/internal/health"
	"tradeguard/internal/obs"
	"tradeguard/internal/state"
	"tradeguard/pkg/exception"
)

const defaultAccountTimeout = 2 * time.Second

// Equity sources reported in decisions.
const (
	EquityLive      = "live"
	EquityLastKnown = "last-known"
	EquityStored    = "stored"
	EquityFallback  = "fallback"
	EquityNone      = "none"
)

// PositionBook is the read side of the position ledger.
type PositionBook interface {
	Stats() state.Stats
}

// HealthView is the read side of the feed health tracker.
type HealthView interface {
	View() health.View
}

// Config builds a Gate.
type Config struct {
	Limits         Limits
	AccountTimeout time.Duration
	Clock          func() time.Time
}

// Gate decides whether a proposed trade may be placed. It only reads the
// ledger and the health view.
type Gate struct {
	book     PositionBook
	health   HealthView
	account  account.Provider
	store    account.Store
	metrics  *obs.Metrics
	now      func() time.Time
	timeout  time.Duration
	limitsMu sync.RWMutex
	limits   Limits

	lastMu        sync.Mutex
	lastEquity    float64
	lastPositions []account.Position
}

// NewGate validates limits and builds a gate. store may be nil.
func NewGate(cfg Config, book PositionBook, hv HealthView, provider account.Provider, store account.Store, metrics *obs.Metrics) (*Gate, error) {
	switch {
	case book == nil:
		return nil, exception.ErrRiskNilLedger
	case hv == nil:
		return nil, exception.ErrRiskNilHealth
	case provider == nil:
		return nil, exception.ErrRiskNilAccount
	}
	limits := cfg.Limits.withDefaults()
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if cfg.AccountTimeout <= 0 {
		cfg.AccountTimeout = defaultAccountTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Gate{
		book:    book,
		health:  hv,
		account: provider,
		store:   store,
		metrics: metrics,
		now:     cfg.Clock,
		timeout: cfg.AccountTimeout,
		limits:  limits,
	}, nil
}

// Limits returns the active limits.
func (g *Gate) Limits() Limits {
	g.limitsMu.RLock()
	defer g.limitsMu.RUnlock()
	limits := g.limits
	limits.MaxHoldingTime = limits.MaxHoldingTime.Clone()
	return limits
}

// UpdateLimits swaps the limits used by subsequent checks.
func (g *Gate) UpdateLimits(limits Limits) error {
	limits = limits.withDefaults()
	if err := limits.Validate(); err != nil {
		return err
	}
	g.limitsMu.Lock()
	g.limits = limits
	g.limitsMu.Unlock()
	logs.Infof("risk limits updated, maxExposure: %v, maxPositions: %d, killSwitch: %v",
		limits.MaxExposurePercent, limits.MaxConcurrentPositions, limits.KillSwitch)
	return nil
}

// CheckTradeAllowed runs every check in a fixed order and returns the verdict.
// It blocks only on the account lookups, bounded by the account timeout.
func (g *Gate) CheckTradeAllowed(ctx context.Context, p Proposal, m Metrics, size, price float64) Decision {
	start := time.Now()
	defer func() { g.metrics.ObserveAdmission(time.Since(start)) }()

	limits := g.Limits()
	now := g.now()
	var alerts []Alert
	add := func(check string, sev Severity, format string, args ...any) {
		alerts = append(alerts, Alert{Check: check, Severity: sev, Message: fmt.Sprintf(format, args...)})
	}

	if !positive(size) || !positive(price) || !p.Side.Valid() {
		add(CheckInput, SeverityCritical, "invalid proposal: side %q, size %v, price %v", p.Side, size, price)
		return g.finish(p, Decision{Alerts: alerts}, limits, size, price, m)
	}

	// 1. liquidity
	switch {
	case m.Liquidity == LiquidityDry:
		add(CheckLiquidity, SeverityCritical, "liquidity is dry")
	case limits.MinLiquidity > 0 && m.LiquidityDepth > 0 && m.LiquidityDepth < limits.MinLiquidity:
		add(CheckLiquidity, SeverityWarning, "liquidity depth %.2f below minimum %.2f", m.LiquidityDepth, limits.MinLiquidity)
	}

	// 2. volatility
	if m.Volatility == VolatilityExtreme {
		add(CheckVolatility, SeverityHigh, "volatility is extreme")
	}

	// 3. exposure
	stats := g.book.Stats()
	equity, source := g.equity(ctx, limits)
	external, externalFresh := g.externalPositions(ctx)
	var externalNotional float64
	for _, pos := range external {
		externalNotional += pos.Notional()
	}
	exposure := math.Inf(1)
	if equity > 0 {
		exposure = (stats.OpenNotional + externalNotional + size*price) / equity * 100
	}
	switch {
	case equity <= 0:
		add(CheckExposure, SeverityCritical, "no account equity available")
	case exposure > limits.MaxExposurePercent:
		add(CheckExposure, SeverityCritical, "exposure %.2f%% would exceed limit %.2f%%", exposure, limits.MaxExposurePercent)
	case source != EquityLive || !externalFresh:
		add(CheckExposure, SeverityWarning, "exposure %.2f%% computed with %s equity, live positions: %v", exposure, source, externalFresh)
	}

	// 4. system
	view := g.health.View()
	latency := max(m.FeedLatency, view.DataAge(now))
	switch {
	case limits.KillSwitch:
		add(CheckSystem, SeverityCritical, "kill switch engaged")
	case !limits.AllowPollOnly && !view.ConnectionState.IsConnected():
		add(CheckSystem, SeverityCritical, "push feed not connected (%s)", view.ConnectionState)
	case latency > limits.MaxFeedLatency:
		add(CheckSystem, SeverityHigh, "feed latency %s over limit %s", formatLatency(latency), limits.MaxFeedLatency)
	}

	// 5. loss streak
	if limits.ConsecutiveLossLimit > 0 && stats.ConsecutiveLosses >= limits.ConsecutiveLossLimit {
		add(CheckLossStreak, SeverityHigh, "loss streak %d reached limit %d", stats.ConsecutiveLosses, limits.ConsecutiveLossLimit)
	}

	// 6. daily loss
	if dailyLoss := dailyLossPercent(stats, equity); limits.DailyLossPercentLimit > 0 && dailyLoss >= limits.DailyLossPercentLimit {
		add(CheckDailyLoss, SeverityCritical, "daily loss %.2f%% reached limit %.2f%%", dailyLoss, limits.DailyLossPercentLimit)
	}

	// 7. open positions
	if open := stats.OpenCount + len(external); limits.MaxConcurrentPositions > 0 && open >= limits.MaxConcurrentPositions {
		add(CheckPositionCount, SeverityCritical, "%d open positions reached limit %d", open, limits.MaxConcurrentPositions)
	}

	// 8. slippage
	if limits.MaxSlippagePercent > 0 && m.ExpectedSlippagePercent > limits.MaxSlippagePercent {
		add(CheckSlippage, SeverityWarning, "expected slippage %.3f%% over %.3f%%", m.ExpectedSlippagePercent, limits.MaxSlippagePercent)
	}

	d := Decision{
		Alerts:       alerts,
		Equity:       equity,
		EquitySource: source,
	}
	if !math.IsInf(exposure, 0) {
		d.ExposurePercent = exposure
	}
	return g.finish(p, d, limits, size, price, m)
}

// dailyLossPercent takes the larger of the ledger's running percentage and
// the realized loss over the equity resolved for this decision. Losses closed
// while the ledger had no equity only show up in the second figure.
func dailyLossPercent(stats state.Stats, equity float64) float64 {
	percent := stats.DailyLossPercent
	if equity > 0 {
		percent = max(percent, stats.DailyLoss/equity*100)
	}
	return percent
}

func (g *Gate) finish(p Proposal, d Decision, limits Limits, size, price float64, m Metrics) Decision {
	d.Allowed = true
	for _, a := range d.Alerts {
		if a.Severity.Blocks() {
			d.Allowed = false
			d.Reason = a.Message
			break
		}
	}
	if d.Alerts == nil {
		d.Alerts = []Alert{}
	}

	checks := make([]string, 0, len(d.Alerts))
	for _, a := range d.Alerts {
		checks = append(checks, a.Check)
	}
	g.metrics.ObserveDecision(d.Allowed, checks)

	if !d.Allowed {
		logs.Infof("trade denied, coin: %s, side: %s, size: %v, reason: %s", p.Coin, p.Side, size, d.Reason)
		return d
	}
	d.Adjustments = adjust(p.Side, size, price, m, limits.RewardRiskRatio)
	return d
}

// adjust sizes the trade down under elevated volatility and derives the
// stop/target pair from the volatility proxy.
func adjust(side state.Side, size, price float64, m Metrics, rewardRisk float64) *Adjustments {
	multiplier := 1.0
	switch m.Volatility {
	case VolatilityHigh:
		multiplier = 0.5
	case VolatilityExtreme:
		multiplier = 0.2
	}

	stopDistance := price * volatilityProxy(m) / 100
	targetDistance := stopDistance * rewardRisk
	adj := &Adjustments{
		SizeMultiplier: multiplier,
		AdjustedSize:   size * multiplier,
	}
	if side == state.SideShort {
		adj.StopLoss = price + stopDistance
		adj.TakeProfit = price - targetDistance
	} else {
		adj.StopLoss = price - stopDistance
		adj.TakeProfit = price + targetDistance
	}
	return adj
}

func volatilityProxy(m Metrics) float64 {
	if positive(m.VolatilityPercent) {
		return m.VolatilityPercent
	}
	switch m.Volatility {
	case VolatilityLow:
		return 0.5
	case VolatilityHigh:
		return 2
	case VolatilityExtreme:
		return 3
	default:
		return 1
	}
}

// equity resolves the account equity: live, then last known, then stored,
// then the configured fallback.
func (g *Gate) equity(ctx context.Context, limits Limits) (float64, string) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	balance, err := g.account.Balance(ctx)
	if err == nil {
		g.rememberEquity(ctx, balance.Total)
		return balance.Total, EquityLive
	}
	logs.Errorf("balance lookup failed, using fallback, err: %+v", err)

	g.lastMu.Lock()
	last := g.lastEquity
	g.lastMu.Unlock()
	if last > 0 {
		return last, EquityLastKnown
	}

	if g.store != nil {
		stored, err := g.store.LoadEquity(ctx)
		if err == nil && stored > 0 {
			return stored, EquityStored
		}
		if err != nil && !errors.Is(err, exception.ErrAccountNoStoredData) {
			logs.Errorf("load stored equity, err: %+v", err)
		}
	}

	if limits.FallbackCapital > 0 {
		g.metrics.IncCapitalFallback()
		logs.Infof("using configured fallback capital %v", limits.FallbackCapital)
		return limits.FallbackCapital, EquityFallback
	}
	return 0, EquityNone
}

func (g *Gate) rememberEquity(ctx context.Context, equity float64) {
	if equity <= 0 {
		return
	}
	g.lastMu.Lock()
	changed := g.lastEquity != equity
	g.lastEquity = equity
	g.lastMu.Unlock()

	if changed && g.store != nil {
		if err := g.store.SaveEquity(ctx, equity); err != nil {
			logs.Errorf("save equity, err: %+v", err)
		}
	}
}

// externalPositions returns live exchange positions, or the last known set
// when the lookup fails.
func (g *Gate) externalPositions(ctx context.Context) ([]account.Position, bool) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	positions, err := g.account.Positions(ctx)
	g.lastMu.Lock()
	defer g.lastMu.Unlock()
	if err != nil {
		logs.Errorf("positions lookup failed, using last known, err: %+v", err)
		return append([]account.Position(nil), g.lastPositions...), false
	}
	g.lastPositions = append(g.lastPositions[:0], positions...)
	return positions, true
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

func formatLatency(d time.Duration) string {
	if d == time.Duration(math.MaxInt64) {
		return "unknown"
	}
	return d.String()
}
