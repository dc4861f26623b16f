package main

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/yanun0323/logs"

	"tradeguard/internal/feed"
	"tradeguard/internal/risk"
	"tradeguard/internal/state"
)

type admission interface {
	CheckTradeAllowed(ctx context.Context, p risk.Proposal, m risk.Metrics, size, price float64) risk.Decision
}

type opener interface {
	OpenPosition(spec state.OpenSpec) (state.Position, error)
}

// proposer opens a position every N updates per symbol, alternating sides,
// whenever the gate allows it.
type proposer struct {
	gate      admission
	book      opener
	every     int
	maxTrades int
	notional  float64
	timeframe string
	now       func() time.Time

	mu       sync.Mutex
	counts   map[string]int
	sides    map[string]state.Side
	proposed int
	opened   int
	denied   map[string]int
}

func newProposer(gate admission, book opener, every, maxTrades int, notional float64, timeframe string) *proposer {
	return &proposer{
		gate:      gate,
		book:      book,
		every:     every,
		maxTrades: maxTrades,
		notional:  notional,
		timeframe: timeframe,
		now:       time.Now,
		counts:    make(map[string]int),
		sides:     make(map[string]state.Side),
		denied:    make(map[string]int),
	}
}

func (p *proposer) onUpdate(u feed.Update) {
	if p.every <= 0 || u.Tick.Price <= 0 {
		return
	}
	p.mu.Lock()
	p.counts[u.Symbol]++
	due := p.counts[u.Symbol]%p.every == 0
	if !due || (p.maxTrades > 0 && p.opened >= p.maxTrades) {
		p.mu.Unlock()
		return
	}
	side := state.SideLong
	if p.sides[u.Symbol] == state.SideLong {
		side = state.SideShort
	}
	p.sides[u.Symbol] = side
	p.proposed++
	seq := p.proposed
	p.mu.Unlock()

	proposal := risk.Proposal{
		Coin:      u.Symbol,
		Side:      side,
		Timeframe: p.timeframe,
		SignalID:  "paper-" + strconv.Itoa(seq),
	}
	price := u.Tick.Price
	size := p.notional / price
	d := p.gate.CheckTradeAllowed(context.Background(), proposal, marketMetrics(u.Tick, p.now()), size, price)
	if !d.Allowed {
		p.mu.Lock()
		for _, check := range d.BlockingChecks() {
			p.denied[check]++
		}
		p.mu.Unlock()
		logs.Infof("paper trade denied, coin: %s, side: %s, reason: %s", proposal.Coin, side, d.Reason)
		return
	}

	adj := d.Adjustments
	pos, err := p.book.OpenPosition(state.OpenSpec{
		Coin:       proposal.Coin,
		Side:       side,
		EntryPrice: price,
		Size:       adj.AdjustedSize,
		Timeframe:  proposal.Timeframe,
		StopLoss:   adj.StopLoss,
		TakeProfit: adj.TakeProfit,
		SignalID:   proposal.SignalID,
	})
	if err != nil {
		logs.Errorf("open paper position, err: %+v", err)
		return
	}
	p.mu.Lock()
	p.opened++
	p.mu.Unlock()
	logs.Infof("paper position opened, id: %s, coin: %s, side: %s, size: %.6f, sl: %.4f, tp: %.4f",
		pos.ID, pos.Coin, pos.Side, pos.Size, pos.StopLoss, pos.TakeProfit)
}

type proposerStats struct {
	Proposed int            `json:"proposed"`
	Opened   int            `json:"opened"`
	Denied   map[string]int `json:"denied"`
}

func (p *proposer) stats() proposerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	denied := make(map[string]int, len(p.denied))
	for k, v := range p.denied {
		denied[k] = v
	}
	return proposerStats{Proposed: p.proposed, Opened: p.opened, Denied: denied}
}

// marketMetrics derives gate inputs from a ticker.
func marketMetrics(t feed.Tick, now time.Time) risk.Metrics {
	m := risk.Metrics{
		Liquidity:  risk.LiquidityNormal,
		Volatility: risk.VolatilityNormal,
	}
	if t.Volume24h <= 0 {
		m.Liquidity = risk.LiquidityLow
	}
	m.LiquidityDepth = t.Volume24h * t.Price

	swing := math.Abs(t.ChangePercent24h)
	if t.Low24h > 0 && t.High24h > t.Low24h {
		swing = (t.High24h - t.Low24h) / t.Low24h * 100
	}
	m.VolatilityPercent = swing
	switch {
	case swing >= 15:
		m.Volatility = risk.VolatilityExtreme
	case swing >= 8:
		m.Volatility = risk.VolatilityHigh
	case swing < 2:
		m.Volatility = risk.VolatilityLow
	}

	if spread := t.Spread(); spread > 0 && t.Price > 0 {
		m.ExpectedSlippagePercent = spread / t.Price * 100 / 2
	}
	if !t.Timestamp.IsZero() && now.After(t.Timestamp) {
		m.FeedLatency = now.Sub(t.Timestamp)
	}
	return m
}
