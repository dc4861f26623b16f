package state

import (
	"time"

	"github.com/yanun0323/errors"

	"tradeguard/pkg/exception"
)

// HoldingTimes maps a timeframe bucket ("1m", "1h") to its max holding time.
type HoldingTimes map[string]time.Duration

// Clone returns a copy that can be handed to another owner.
func (h HoldingTimes) Clone() HoldingTimes {
	if h == nil {
		return nil
	}
	out := make(HoldingTimes, len(h))
	for bucket, d := range h {
		out[bucket] = d
	}
	return out
}

// Validate rejects non-positive holding times.
func (h HoldingTimes) Validate() error {
	for bucket, d := range h {
		if d <= 0 {
			return errors.Wrapf(exception.ErrInvalidConfig, "max holding time for %s must be > 0", bucket)
		}
	}
	return nil
}

// DefaultHoldingTimes returns three bars of holding time per bucket.
func DefaultHoldingTimes() HoldingTimes {
	return HoldingTimes{
		"1m":  3 * time.Minute,
		"3m":  9 * time.Minute,
		"5m":  15 * time.Minute,
		"15m": 45 * time.Minute,
		"1h":  3 * time.Hour,
	}
}

const (
	defaultMaxHoldingTime  = 30 * time.Minute
	defaultEvictAfter      = 10 * time.Second
	defaultMonitorInterval = time.Second
)

// Config controls the ledger monitor.
type Config struct {
	MaxHoldingTime        HoldingTimes
	DefaultMaxHoldingTime time.Duration
	EvictAfter            time.Duration
	MonitorInterval       time.Duration
	InitialEquity         float64

	Clock func() time.Time
}

// DefaultConfig returns the baseline ledger config.
func DefaultConfig() Config {
	return Config{
		MaxHoldingTime:        DefaultHoldingTimes(),
		DefaultMaxHoldingTime: defaultMaxHoldingTime,
		EvictAfter:            defaultEvictAfter,
		MonitorInterval:       defaultMonitorInterval,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxHoldingTime == nil {
		c.MaxHoldingTime = DefaultHoldingTimes()
	} else {
		c.MaxHoldingTime = c.MaxHoldingTime.Clone()
	}
	if c.DefaultMaxHoldingTime == 0 {
		c.DefaultMaxHoldingTime = defaultMaxHoldingTime
	}
	if c.EvictAfter == 0 {
		c.EvictAfter = defaultEvictAfter
	}
	if c.MonitorInterval == 0 {
		c.MonitorInterval = defaultMonitorInterval
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if err := c.MaxHoldingTime.Validate(); err != nil {
		return err
	}
	if c.DefaultMaxHoldingTime < 0 || c.EvictAfter < 0 || c.MonitorInterval < 0 {
		return errors.Wrap(exception.ErrInvalidConfig, "ledger durations must be >= 0")
	}
	if c.InitialEquity < 0 {
		return errors.Wrap(exception.ErrInvalidConfig, "initial equity must be >= 0")
	}
	return nil
}

// holdingTime returns the max holding time for a timeframe bucket.
func (c Config) holdingTime(timeframe string) time.Duration {
	if d, ok := c.MaxHoldingTime[timeframe]; ok {
		return d
	}
	return c.DefaultMaxHoldingTime
}
