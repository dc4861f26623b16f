package feed

import (
	"math"
	"strings"
	"time"

	"github.com/yanun0323/errors"

	"tradeguard/pkg/exception"
)

// NormalizeSymbol maps "btc-usdt", " BTCUSDT " and "btc/usdt" to "BTCUSDT".
func NormalizeSymbol(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	return strings.NewReplacer("-", "", "/", "", "_", "").Replace(symbol)
}

// normalize fills defaults and rejects ticks that must never be merged.
func normalize(tick Tick, symbol string, now time.Time) (Tick, error) {
	if tick.Symbol == "" {
		tick.Symbol = symbol
	}
	tick.Symbol = NormalizeSymbol(tick.Symbol)
	if tick.Symbol == "" {
		return tick, exception.ErrFeedEmptySymbol
	}
	if !finitePositive(tick.Price) {
		return tick, errors.Wrapf(exception.ErrFeedInvalidPrice, "symbol: %s, price: %v", tick.Symbol, tick.Price)
	}
	if tick.Timestamp.IsZero() {
		tick.Timestamp = now
	}
	for _, v := range []*float64{&tick.Bid, &tick.Ask, &tick.Volume24h, &tick.ChangePercent24h, &tick.High24h, &tick.Low24h} {
		if math.IsNaN(*v) || math.IsInf(*v, 0) {
			*v = 0
		}
	}
	return tick, nil
}

// divergence returns the absolute percent move from prev to next.
func divergence(prev, next float64) float64 {
	if prev <= 0 {
		return 0
	}
	return math.Abs(next-prev) / prev * 100
}

func finitePositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
