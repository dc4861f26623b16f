package state

import (
	"math"
	"time"
)

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Valid reports whether the side is long or short.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// direction returns +1 for long and -1 for short.
func (s Side) direction() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// CloseReason explains why a position was closed.
type CloseReason string

const (
	CloseStopLoss       CloseReason = "stop-loss"
	CloseTakeProfit     CloseReason = "take-profit"
	CloseMaxHoldingTime CloseReason = "max-holding-time"
	CloseManual         CloseReason = "manual"
	CloseShutdown       CloseReason = "shutdown"
)

// OpenSpec describes a position to open.
type OpenSpec struct {
	Coin       string  `json:"coin"`
	Side       Side    `json:"side"`
	EntryPrice float64 `json:"entryPrice"`
	Size       float64 `json:"size"`
	Timeframe  string  `json:"timeframe"`
	StopLoss   float64 `json:"stopLoss"`
	TakeProfit float64 `json:"takeProfit"`
	SignalID   string  `json:"signalId"`
}

// Position is a ledger record. Callers always receive copies.
type Position struct {
	ID           string      `json:"id"`
	Coin         string      `json:"coin"`
	Side         Side        `json:"side"`
	EntryPrice   float64     `json:"entryPrice"`
	CurrentPrice float64     `json:"currentPrice"`
	Size         float64     `json:"size"`
	EntryTime    time.Time   `json:"entryTime"`
	Timeframe    string      `json:"timeframe"`
	StopLoss     float64     `json:"stopLoss,omitempty"`
	TakeProfit   float64     `json:"takeProfit,omitempty"`
	SignalID     string      `json:"signalId,omitempty"`
	Closed       bool        `json:"closed"`
	CloseTime    time.Time   `json:"closeTime,omitzero"`
	ClosePrice   float64     `json:"closePrice,omitempty"`
	PnL          float64     `json:"pnl,omitempty"`
	CloseReason  CloseReason `json:"closeReason,omitempty"`
}

// Notional returns the marked value of the position.
func (p Position) Notional() float64 {
	price := p.CurrentPrice
	if price <= 0 {
		price = p.EntryPrice
	}
	return price * p.Size
}

// UnrealizedPnL returns the pnl at the current price.
func (p Position) UnrealizedPnL() float64 {
	return pnl(p.Side, p.EntryPrice, p.CurrentPrice, p.Size)
}

// Age returns how long the position has been held.
func (p Position) Age(now time.Time) time.Duration {
	end := now
	if p.Closed {
		end = p.CloseTime
	}
	return end.Sub(p.EntryTime)
}

// crossed returns the close reason triggered by price, if any.
func (p Position) crossed(price float64) (CloseReason, bool) {
	switch p.Side {
	case SideLong:
		if p.StopLoss > 0 && price <= p.StopLoss {
			return CloseStopLoss, true
		}
		if p.TakeProfit > 0 && price >= p.TakeProfit {
			return CloseTakeProfit, true
		}
	case SideShort:
		if p.StopLoss > 0 && price >= p.StopLoss {
			return CloseStopLoss, true
		}
		if p.TakeProfit > 0 && price <= p.TakeProfit {
			return CloseTakeProfit, true
		}
	}
	return "", false
}

func pnl(side Side, entry, exit, size float64) float64 {
	return (exit - entry) * size * side.direction()
}

func validPrice(p float64) bool {
	return p > 0 && !math.IsInf(p, 0) && !math.IsNaN(p)
}
