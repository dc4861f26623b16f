package sim

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/yanun0323/errors"

	"tradeguard/internal/feed"
	"tradeguard/pkg/exception"
)

// GeneratorConfig controls the synthetic random walk.
type GeneratorConfig struct {
	// BasePrices maps symbol to its starting price.
	BasePrices map[string]float64
	Seed       int64
	// StepPercent is the max per-step move in percent.
	StepPercent float64
	// SpreadPercent is the bid/ask spread in percent of price.
	SpreadPercent float64
}

// Generator creates synthetic 24h tickers for a fixed symbol set.
type Generator struct {
	mu     sync.Mutex
	rng    *rand.Rand
	step   float64
	spread float64
	series map[string]*series
}

type series struct {
	open   float64
	price  float64
	high   float64
	low    float64
	volume float64
}

// NewGenerator creates a generator. Each symbol needs a positive base price.
func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if len(cfg.BasePrices) == 0 {
		return nil, errors.Wrap(exception.ErrInvalidConfig, "generator has no symbols")
	}
	if cfg.StepPercent < 0 || cfg.SpreadPercent < 0 {
		return nil, errors.Wrap(exception.ErrInvalidConfig, "step and spread must be >= 0")
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UTC().UnixNano()
	}
	if cfg.StepPercent == 0 {
		cfg.StepPercent = 0.1
	}
	g := &Generator{
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		step:   cfg.StepPercent / 100,
		spread: cfg.SpreadPercent / 100,
		series: make(map[string]*series, len(cfg.BasePrices)),
	}
	for symbol, price := range cfg.BasePrices {
		if price <= 0 || math.IsInf(price, 0) || math.IsNaN(price) {
			return nil, errors.Wrapf(exception.ErrInvalidConfig, "base price for %s must be > 0", symbol)
		}
		g.series[feed.NormalizeSymbol(symbol)] = &series{open: price, price: price, high: price, low: price}
	}
	return g, nil
}

// Next advances the walk for a symbol and returns its ticker.
func (g *Generator) Next(symbol string, now time.Time) (feed.Tick, bool) {
	symbol = feed.NormalizeSymbol(symbol)
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.series[symbol]
	if !ok {
		return feed.Tick{}, false
	}

	s.price *= 1 + (g.rng.Float64()*2-1)*g.step
	s.high = math.Max(s.high, s.price)
	s.low = math.Min(s.low, s.price)
	s.volume += g.rng.Float64() * 10
	return g.tickLocked(symbol, s, now), true
}

// Peek returns the current ticker without advancing.
func (g *Generator) Peek(symbol string, now time.Time) (feed.Tick, bool) {
	symbol = feed.NormalizeSymbol(symbol)
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.series[symbol]
	if !ok {
		return feed.Tick{}, false
	}
	return g.tickLocked(symbol, s, now), true
}

// Symbols returns the generated symbols.
func (g *Generator) Symbols() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.series))
	for s := range g.series {
		out = append(out, s)
	}
	return out
}

func (g *Generator) tickLocked(symbol string, s *series, now time.Time) feed.Tick {
	half := s.price * g.spread / 2
	return feed.Tick{
		Symbol:           symbol,
		Timestamp:        now,
		Price:            s.price,
		Bid:              s.price - half,
		Ask:              s.price + half,
		Volume24h:        s.volume,
		ChangePercent24h: (s.price - s.open) / s.open * 100,
		High24h:          s.high,
		Low24h:           s.low,
	}
}
