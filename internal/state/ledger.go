package state

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tradeguard/internal/feed"
	"tradeguard/internal/obs"
	"tradeguard/pkg/exception"
)

const dayLayout = "2006-01-02"

// Stats is the aggregate view consumed by the admission gate.
type Stats struct {
	OpenCount         int     `json:"openCount"`
	ConsecutiveLosses int     `json:"consecutiveLosses"`
	DailyLossPercent  float64 `json:"dailyLossPercent"`
	DailyLoss         float64 `json:"dailyLoss"`
	ExposurePercent   float64 `json:"exposurePercent"`
	OpenNotional      float64 `json:"openNotional"`
	Equity            float64 `json:"equity"`
	RealizedPnL       float64 `json:"realizedPnl"`
}

// Ledger is the sole owner of position records.
type Ledger struct {
	cfg     Config
	now     func() time.Time
	metrics *obs.Metrics

	mu                sync.RWMutex
	positions         map[string]*Position
	equity            float64
	consecutiveLosses int
	dailyLossPercent  float64
	dailyLoss         float64
	realizedPnL       float64
	day               string

	hooksMu sync.RWMutex
	hooks   []func(Position)
}

// NewLedger creates an empty ledger.
func NewLedger(cfg Config, metrics *obs.Metrics) (*Ledger, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Ledger{
		cfg:       cfg,
		now:       cfg.Clock,
		metrics:   metrics,
		positions: make(map[string]*Position),
		equity:    cfg.InitialEquity,
	}
	l.day = l.now().UTC().Format(dayLayout)
	return l, nil
}

// OnClose registers a hook called once per closed position.
func (l *Ledger) OnClose(hook func(Position)) {
	if hook == nil {
		return
	}
	l.hooksMu.Lock()
	l.hooks = append(l.hooks, hook)
	l.hooksMu.Unlock()
}

// SetEquity updates the account equity used for percent figures.
func (l *Ledger) SetEquity(equity float64) {
	if equity <= 0 || math.IsInf(equity, 0) || math.IsNaN(equity) {
		return
	}
	l.mu.Lock()
	l.equity = equity
	l.mu.Unlock()
}

// UpdateHoldingTimes replaces the per-timeframe max holding times checked by
// the monitor. Open positions are judged by the new values on the next sweep.
func (l *Ledger) UpdateHoldingTimes(times HoldingTimes) error {
	if err := times.Validate(); err != nil {
		return err
	}
	if times == nil {
		times = DefaultHoldingTimes()
	}
	l.mu.Lock()
	l.cfg.MaxHoldingTime = times.Clone()
	l.mu.Unlock()
	logs.Infof("max holding times updated: %v", times)
	return nil
}

// OpenPosition registers a new open position. The coin is stored in the
// feed's symbol form so market updates can mark it.
func (l *Ledger) OpenPosition(spec OpenSpec) (Position, error) {
	spec.Coin = feed.NormalizeSymbol(spec.Coin)
	switch {
	case spec.Coin == "":
		return Position{}, exception.ErrPositionEmptyCoin
	case !spec.Side.Valid():
		return Position{}, errors.Wrapf(exception.ErrPositionInvalidSide, "side: %q", spec.Side)
	case !validPrice(spec.EntryPrice):
		return Position{}, errors.Wrapf(exception.ErrPositionInvalidPrice, "price: %v", spec.EntryPrice)
	case !validPrice(spec.Size):
		return Position{}, errors.Wrapf(exception.ErrPositionInvalidSize, "size: %v", spec.Size)
	}

	now := l.now()
	p := &Position{
		ID:           uuid.NewString(),
		Coin:         spec.Coin,
		Side:         spec.Side,
		EntryPrice:   spec.EntryPrice,
		CurrentPrice: spec.EntryPrice,
		Size:         spec.Size,
		EntryTime:    now,
		Timeframe:    spec.Timeframe,
		StopLoss:     spec.StopLoss,
		TakeProfit:   spec.TakeProfit,
		SignalID:     spec.SignalID,
	}

	l.mu.Lock()
	l.positions[p.ID] = p
	l.mu.Unlock()

	l.metrics.IncPositionOpened()
	logs.Infof("position opened, id: %s, coin: %s, side: %s, entry: %v, size: %v", p.ID, p.Coin, p.Side, p.EntryPrice, p.Size)
	return *p, nil
}

// MarkPrice updates the current price of an open position and closes it
// when the stop-loss or take-profit is crossed. Unknown or closed ids are no-ops.
func (l *Ledger) MarkPrice(id string, price float64) (Position, bool) {
	if !validPrice(price) {
		return Position{}, false
	}

	l.mu.Lock()
	p, ok := l.positions[id]
	if !ok || p.Closed {
		l.mu.Unlock()
		return Position{}, false
	}
	p.CurrentPrice = price
	reason, crossed := p.crossed(price)
	if !crossed {
		cp := *p
		l.mu.Unlock()
		return cp, true
	}
	closed := l.closeLocked(p, reason, price, l.now())
	l.mu.Unlock()

	l.afterClose(closed)
	return closed, true
}

// MarkCoin marks every open position of a coin.
func (l *Ledger) MarkCoin(coin string, price float64) {
	coin = feed.NormalizeSymbol(coin)
	l.mu.RLock()
	ids := make([]string, 0, 4)
	for id, p := range l.positions {
		if !p.Closed && p.Coin == coin {
			ids = append(ids, id)
		}
	}
	l.mu.RUnlock()

	for _, id := range ids {
		l.MarkPrice(id, price)
	}
}

// ClosePosition closes an open position. A non-positive price closes at the
// last marked price. The bool reports whether this call made the transition;
// closing an already closed position returns its terminal state unchanged.
func (l *Ledger) ClosePosition(id string, reason CloseReason, price float64) (Position, bool) {
	l.mu.Lock()
	p, ok := l.positions[id]
	if !ok {
		l.mu.Unlock()
		return Position{}, false
	}
	if p.Closed {
		cp := *p
		l.mu.Unlock()
		return cp, false
	}
	if !validPrice(price) {
		price = p.CurrentPrice
	}
	if reason == "" {
		reason = CloseManual
	}
	closed := l.closeLocked(p, reason, price, l.now())
	l.mu.Unlock()

	l.afterClose(closed)
	return closed, true
}

// CloseAll closes every open position, used on shutdown.
func (l *Ledger) CloseAll(reason CloseReason) []Position {
	open := l.OpenPositions()
	closed := make([]Position, 0, len(open))
	for _, p := range open {
		if cp, ok := l.ClosePosition(p.ID, reason, 0); ok {
			closed = append(closed, cp)
		}
	}
	return closed
}

// Position returns a copy of a position, open or recently closed.
func (l *Ledger) Position(id string) (Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.positions[id]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// OpenPositions returns copies of all open positions ordered by entry time.
func (l *Ledger) OpenPositions() []Position {
	l.mu.RLock()
	result := make([]Position, 0, len(l.positions))
	for _, p := range l.positions {
		if !p.Closed {
			result = append(result, *p)
		}
	}
	l.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].EntryTime.Equal(result[j].EntryTime) {
			return result[i].ID < result[j].ID
		}
		return result[i].EntryTime.Before(result[j].EntryTime)
	})
	return result
}

// Stats returns the current aggregates.
func (l *Ledger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := Stats{
		ConsecutiveLosses: l.consecutiveLosses,
		DailyLossPercent:  l.dailyLossPercent,
		DailyLoss:         l.dailyLoss,
		Equity:            l.equity,
		RealizedPnL:       l.realizedPnL,
	}
	for _, p := range l.positions {
		if p.Closed {
			continue
		}
		stats.OpenCount++
		stats.OpenNotional += p.Notional()
	}
	if l.equity > 0 {
		stats.ExposurePercent = stats.OpenNotional / l.equity * 100
		// Losses closed before any equity was known still count.
		stats.DailyLossPercent = max(stats.DailyLossPercent, l.dailyLoss/l.equity*100)
	}
	return stats
}

// Run drives the monitor until ctx is done.
func (l *Ledger) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.monitor(l.now())
		}
	}
}

// monitor force-closes positions past their holding time, evicts closed
// records past the grace window and rolls the daily loss.
func (l *Ledger) monitor(now time.Time) {
	var closed []Position

	l.mu.Lock()
	l.rollDayLocked(now)
	for id, p := range l.positions {
		if p.Closed {
			if now.Sub(p.CloseTime) >= l.cfg.EvictAfter {
				delete(l.positions, id)
			}
			continue
		}
		if p.Age(now) > l.cfg.holdingTime(p.Timeframe) {
			closed = append(closed, l.closeLocked(p, CloseMaxHoldingTime, p.CurrentPrice, now))
		}
	}
	l.mu.Unlock()

	for _, p := range closed {
		l.afterClose(p)
	}
}

// closeLocked performs the one-way transition. Caller holds l.mu.
func (l *Ledger) closeLocked(p *Position, reason CloseReason, price float64, now time.Time) Position {
	l.rollDayLocked(now)

	p.Closed = true
	p.CloseTime = now
	p.ClosePrice = price
	p.CurrentPrice = price
	p.CloseReason = reason
	p.PnL = pnl(p.Side, p.EntryPrice, price, p.Size)

	l.realizedPnL += p.PnL
	switch {
	case p.PnL < 0:
		l.consecutiveLosses++
		l.dailyLoss += -p.PnL
		if l.equity > 0 {
			l.dailyLossPercent += -p.PnL / l.equity * 100
		}
	case p.PnL > 0:
		l.consecutiveLosses = 0
	}
	return *p
}

func (l *Ledger) rollDayLocked(now time.Time) {
	day := now.UTC().Format(dayLayout)
	if day == l.day {
		return
	}
	if l.dailyLoss > 0 {
		logs.Infof("daily loss reset, day: %s, loss: %v, percent: %.4f", l.day, l.dailyLoss, l.dailyLossPercent)
	}
	l.day = day
	l.dailyLoss = 0
	l.dailyLossPercent = 0
}

func (l *Ledger) afterClose(p Position) {
	l.metrics.IncPositionClosed(string(p.CloseReason))
	logs.Infof("position closed, id: %s, coin: %s, reason: %s, price: %v, pnl: %v", p.ID, p.Coin, p.CloseReason, p.ClosePrice, p.PnL)

	l.hooksMu.RLock()
	hooks := append([]func(Position){}, l.hooks...)
	l.hooksMu.RUnlock()
	for _, hook := range hooks {
		callHook(hook, p)
	}
}

func callHook(hook func(Position), p Position) {
	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("position close hook panicked, id: %s, err: %+v", p.ID, r)
		}
	}()
	hook(p)
}
