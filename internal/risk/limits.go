package risk

import (
	"math"
	"time"

	"github.com/yanun0323/errors"

	"tradeguard/internal/state"
	"tradeguard/pkg/exception"
)

// Limits are the admission limits. Replace them whole with Gate.UpdateLimits.
type Limits struct {
	MaxHoldingTime         state.HoldingTimes `json:"maxHoldingTime"`
	MaxConcurrentPositions int                `json:"maxConcurrentPositions"`
	MaxExposurePercent     float64            `json:"maxExposurePercent"`
	ConsecutiveLossLimit   int                `json:"consecutiveLossLimit"`
	DailyLossPercentLimit  float64            `json:"dailyLossPercentLimit"`
	MinLiquidity           float64            `json:"minLiquidity"`
	MaxSlippagePercent     float64            `json:"maxSlippagePercent"`
	MaxFeedLatency         time.Duration      `json:"maxFeedLatency"`

	// AllowPollOnly skips the push-connected check for poll-only deployments.
	AllowPollOnly bool `json:"allowPollOnly"`
	// KillSwitch blocks every trade.
	KillSwitch bool `json:"killSwitch"`
	// FallbackCapital is the equity assumed when neither a live nor a stored
	// balance is available. Zero blocks trading instead.
	FallbackCapital float64 `json:"fallbackCapital"`
	RewardRiskRatio float64 `json:"rewardRiskRatio"`
}

// DefaultLimits returns conservative limits for a small account.
func DefaultLimits() Limits {
	return Limits{
		MaxHoldingTime:         state.DefaultHoldingTimes(),
		MaxConcurrentPositions: 3,
		MaxExposurePercent:     30,
		ConsecutiveLossLimit:   3,
		DailyLossPercentLimit:  5,
		MaxSlippagePercent:     0.5,
		MaxFeedLatency:         2 * time.Second,
		RewardRiskRatio:        2,
	}
}

// Validate checks if the limits are usable.
func (l Limits) Validate() error {
	for _, v := range []float64{l.MaxExposurePercent, l.DailyLossPercentLimit, l.MinLiquidity, l.MaxSlippagePercent, l.FallbackCapital, l.RewardRiskRatio} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Wrapf(exception.ErrRiskInvalidLimits, "limit value %v must be finite and >= 0", v)
		}
	}
	if l.MaxExposurePercent == 0 {
		return errors.Wrap(exception.ErrRiskInvalidLimits, "max exposure percent must be > 0")
	}
	if l.MaxConcurrentPositions < 0 || l.ConsecutiveLossLimit < 0 {
		return errors.Wrap(exception.ErrRiskInvalidLimits, "position and loss limits must be >= 0")
	}
	if l.MaxFeedLatency <= 0 {
		return errors.Wrap(exception.ErrRiskInvalidLimits, "max feed latency must be > 0")
	}
	for bucket, d := range l.MaxHoldingTime {
		if d <= 0 {
			return errors.Wrapf(exception.ErrRiskInvalidLimits, "max holding time for %s must be > 0", bucket)
		}
	}
	return nil
}

func (l Limits) withDefaults() Limits {
	if l.RewardRiskRatio == 0 {
		l.RewardRiskRatio = 2
	}
	l.MaxHoldingTime = l.MaxHoldingTime.Clone()
	return l
}
