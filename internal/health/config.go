package health

import (
	"time"

	"github.com/yanun0323/errors"

	"tradeguard/pkg/exception"
)

const (
	defaultPushStaleThreshold        = time.Second
	defaultPollStaleThreshold        = 10 * time.Second
	defaultSilentDisconnectThreshold = 5 * time.Second
	defaultMaxConsecutiveFailures    = 5
	defaultTickInterval              = time.Second
)

// Config controls staleness thresholds and failure tolerance.
type Config struct {
	PushStaleThreshold        time.Duration
	PollStaleThreshold        time.Duration
	SilentDisconnectThreshold time.Duration
	MaxConsecutiveFailures    int
	TickInterval              time.Duration

	// Clock overrides time.Now, mainly for tests.
	Clock func() time.Time
}

// DefaultConfig returns the baseline thresholds.
func DefaultConfig() Config {
	return Config{
		PushStaleThreshold:        defaultPushStaleThreshold,
		PollStaleThreshold:        defaultPollStaleThreshold,
		SilentDisconnectThreshold: defaultSilentDisconnectThreshold,
		MaxConsecutiveFailures:    defaultMaxConsecutiveFailures,
		TickInterval:              defaultTickInterval,
	}
}

func (c Config) withDefaults() Config {
	if c.PushStaleThreshold == 0 {
		c.PushStaleThreshold = defaultPushStaleThreshold
	}
	if c.PollStaleThreshold == 0 {
		c.PollStaleThreshold = defaultPollStaleThreshold
	}
	if c.SilentDisconnectThreshold == 0 {
		c.SilentDisconnectThreshold = defaultSilentDisconnectThreshold
	}
	if c.MaxConsecutiveFailures == 0 {
		c.MaxConsecutiveFailures = defaultMaxConsecutiveFailures
	}
	if c.TickInterval == 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if c.PushStaleThreshold < 0 || c.PollStaleThreshold < 0 || c.SilentDisconnectThreshold < 0 {
		return errors.Wrap(exception.ErrInvalidConfig, "health thresholds must be >= 0")
	}
	if c.SilentDisconnectThreshold < c.PushStaleThreshold {
		return errors.Wrapf(exception.ErrInvalidConfig, "silent disconnect threshold %s is below push stale threshold %s",
			c.SilentDisconnectThreshold, c.PushStaleThreshold)
	}
	if c.MaxConsecutiveFailures < 0 {
		return errors.Wrap(exception.ErrInvalidConfig, "max consecutive failures must be >= 0")
	}
	if c.TickInterval < 0 {
		return errors.Wrap(exception.ErrInvalidConfig, "tick interval must be >= 0")
	}
	return nil
}
