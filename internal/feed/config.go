package feed

import (
	"time"

	"github.com/yanun0323/errors"

	"tradeguard/pkg/exception"
)

const (
	defaultPollInterval      = time.Second
	defaultPollTimeout       = 800 * time.Millisecond
	defaultHealthInterval    = time.Second
	defaultChannel           = "ticker"
	defaultDivergencePercent = 5
	defaultQueueSize         = 256
)

// Config controls the coordinator loops.
type Config struct {
	PollInterval   time.Duration
	PollTimeout    time.Duration
	HealthInterval time.Duration
	// DisablePush runs on the poll feed only.
	DisablePush bool
	Channel     string
	// DivergencePercent is the move from the previous cached price that
	// is logged as a warning. Such ticks are still accepted.
	DivergencePercent float64
	QueueSize         int

	Clock func() time.Time
}

// DefaultConfig returns the baseline coordinator config.
func DefaultConfig() Config {
	return Config{
		PollInterval:      defaultPollInterval,
		PollTimeout:       defaultPollTimeout,
		HealthInterval:    defaultHealthInterval,
		Channel:           defaultChannel,
		DivergencePercent: defaultDivergencePercent,
		QueueSize:         defaultQueueSize,
	}
}

func (c Config) withDefaults() Config {
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.PollTimeout == 0 {
		c.PollTimeout = defaultPollTimeout
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = defaultHealthInterval
	}
	if c.Channel == "" {
		c.Channel = defaultChannel
	}
	if c.DivergencePercent == 0 {
		c.DivergencePercent = defaultDivergencePercent
	}
	if c.QueueSize == 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if c.PollInterval < 0 || c.PollTimeout < 0 || c.HealthInterval < 0 {
		return errors.Wrap(exception.ErrInvalidConfig, "feed intervals must be >= 0")
	}
	if c.DivergencePercent < 0 {
		return errors.Wrap(exception.ErrInvalidConfig, "divergence percent must be >= 0")
	}
	if c.QueueSize < 0 {
		return errors.Wrap(exception.ErrInvalidConfig, "queue size must be >= 0")
	}
	return nil
}
