package risk

import (
	"time"

	"github.com/yanun0323/errors"

	"tradeguard/internal/state"
)

// Severity ranks an alert. High and Critical block the trade.
type Severity uint8

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(text []byte) error {
	for _, v := range []Severity{SeverityInfo, SeverityWarning, SeverityHigh, SeverityCritical} {
		if v.String() == string(text) {
			*s = v
			return nil
		}
	}
	return errors.Errorf("unknown severity %q", text)
}

// Blocks reports whether the severity denies admission.
func (s Severity) Blocks() bool {
	return s >= SeverityHigh
}

// Check names, in evaluation order.
const (
	CheckInput         = "input"
	CheckLiquidity     = "liquidity"
	CheckVolatility    = "volatility"
	CheckExposure      = "exposure"
	CheckSystem        = "system"
	CheckLossStreak    = "loss_streak"
	CheckDailyLoss     = "daily_loss"
	CheckPositionCount = "position_count"
	CheckSlippage      = "slippage"
)

// Alert is the outcome of a single failed or noteworthy check.
type Alert struct {
	Check    string   `json:"check"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Liquidity levels reported by the market feed.
const (
	LiquidityDry    = "dry"
	LiquidityLow    = "low"
	LiquidityNormal = "normal"
	LiquidityHigh   = "high"
)

// Volatility levels reported by the market feed.
const (
	VolatilityLow     = "low"
	VolatilityNormal  = "normal"
	VolatilityHigh    = "high"
	VolatilityExtreme = "extreme"
)

// Metrics are the live market risk inputs for one proposal.
type Metrics struct {
	Liquidity               string        `json:"liquidity"`
	LiquidityDepth          float64       `json:"liquidityDepth"`
	Volatility              string        `json:"volatility"`
	VolatilityPercent       float64       `json:"volatilityPercent"`
	FeedLatency             time.Duration `json:"feedLatency"`
	ExpectedSlippagePercent float64       `json:"expectedSlippagePercent"`
}

// Proposal is the trade the loop wants to make.
type Proposal struct {
	Coin      string     `json:"coin"`
	Side      state.Side `json:"side"`
	Timeframe string     `json:"timeframe"`
	SignalID  string     `json:"signalId"`
}

// Adjustments are computed for allowed trades only.
type Adjustments struct {
	SizeMultiplier float64 `json:"sizeMultiplier"`
	AdjustedSize   float64 `json:"adjustedSize"`
	StopLoss       float64 `json:"stopLoss"`
	TakeProfit     float64 `json:"takeProfit"`
}

// Decision is the admission verdict.
type Decision struct {
	Allowed         bool         `json:"allowed"`
	Reason          string       `json:"reason,omitempty"`
	Adjustments     *Adjustments `json:"adjustments,omitempty"`
	Alerts          []Alert      `json:"alerts"`
	ExposurePercent float64      `json:"exposurePercent"`
	Equity          float64      `json:"equity"`
	EquitySource    string       `json:"equitySource"`
}

// BlockingChecks returns the checks that denied the trade.
func (d Decision) BlockingChecks() []string {
	var checks []string
	for _, a := range d.Alerts {
		if a.Severity.Blocks() {
			checks = append(checks, a.Check)
		}
	}
	return checks
}
