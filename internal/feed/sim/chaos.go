package sim

import (
	"math/rand"
	"sync"
	"time"

	"github.com/yanun0323/errors"

	"tradeguard/internal/feed"
	"tradeguard/pkg/exception"
)

// ChaosConfig controls fault injection on simulated feeds.
type ChaosConfig struct {
	Seed          int64
	DropRate      float64
	DuplicateRate float64
	// MaxDelay ages the tick timestamp by up to this much, simulating lag.
	MaxDelay time.Duration
}

// Validate ensures the config is within supported ranges.
func (c ChaosConfig) Validate() error {
	if c.DropRate < 0 || c.DropRate > 1 {
		return errors.Wrap(exception.ErrInvalidConfig, "dropRate must be between 0 and 1")
	}
	if c.DuplicateRate < 0 || c.DuplicateRate > 1 {
		return errors.Wrap(exception.ErrInvalidConfig, "duplicateRate must be between 0 and 1")
	}
	if c.MaxDelay < 0 {
		return errors.Wrap(exception.ErrInvalidConfig, "maxDelay must be >= 0")
	}
	return nil
}

// Chaos applies drop, duplicate and delay rules to ticks.
type Chaos struct {
	cfg ChaosConfig
	mu  sync.Mutex
	rng *rand.Rand
}

// NewChaos creates a chaos engine with validation.
func NewChaos(cfg ChaosConfig) (*Chaos, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UTC().UnixNano()
	}
	return &Chaos{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}, nil
}

// Process returns zero, one or two ticks. A nil engine passes ticks through.
func (c *Chaos) Process(tick feed.Tick) []feed.Tick {
	if c == nil {
		return []feed.Tick{tick}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.DropRate > 0 && c.rng.Float64() < c.cfg.DropRate {
		return nil
	}
	if c.cfg.MaxDelay > 0 {
		delay := time.Duration(c.rng.Int63n(c.cfg.MaxDelay.Nanoseconds() + 1))
		tick.Timestamp = tick.Timestamp.Add(-delay)
	}
	out := []feed.Tick{tick}
	if c.cfg.DuplicateRate > 0 && c.rng.Float64() < c.cfg.DuplicateRate {
		out = append(out, tick)
	}
	return out
}

// Drop reports whether a request-response call should fail.
func (c *Chaos) Drop() bool {
	if c == nil || c.cfg.DropRate <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng.Float64() < c.cfg.DropRate
}
