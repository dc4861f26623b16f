package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"tradeguard/internal/feed/sim"
)

// mdg serves simulated market data through a Binance compatible REST
// endpoint and ticker stream. Point the trader at it with
// feed.restUrl=http://<addr> and feed.streamUrl=ws://<addr>/ws.
func main() {
	addr := flag.String("addr", ":9090", "Listen address")
	prices := flag.String("prices", "BTCUSDT=60000,ETHUSDT=3000", "Comma separated SYMBOL=price base prices")
	interval := flag.Duration("interval", 250*time.Millisecond, "Stream push interval")
	seed := flag.Int64("seed", 0, "Random seed (0=time based)")
	step := flag.Float64("step-percent", 0.1, "Max random walk step in percent")
	spread := flag.Float64("spread-percent", 0.02, "Bid/ask spread in percent")
	dropRate := flag.Float64("drop-rate", 0, "Fraction of ticks and REST calls dropped")
	duplicateRate := flag.Float64("duplicate-rate", 0, "Fraction of ticks sent twice")
	maxDelay := flag.Duration("max-delay", 0, "Max simulated tick lag")
	flag.Parse()

	if err := run(*addr, *prices, *interval, *seed, *step, *spread, sim.ChaosConfig{
		Seed:          *seed,
		DropRate:      *dropRate,
		DuplicateRate: *duplicateRate,
		MaxDelay:      *maxDelay,
	}); err != nil {
		logs.Errorf("mdg failed, err: %+v", err)
		os.Exit(1)
	}
}

func run(addr, prices string, interval time.Duration, seed int64, step, spread float64, chaosCfg sim.ChaosConfig) error {
	base, err := parsePrices(prices)
	if err != nil {
		return err
	}
	gen, err := sim.NewGenerator(sim.GeneratorConfig{BasePrices: base, Seed: seed, StepPercent: step, SpreadPercent: spread})
	if err != nil {
		return err
	}
	chaos, err := sim.NewChaos(chaosCfg)
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	exchange := sim.NewExchange(gen, chaos, sim.ExchangeConfig{Interval: interval})
	srv := &http.Server{Addr: addr, Handler: exchange.Handler(), ReadHeaderTimeout: 5 * time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Go(func() { exchange.Run(ctx) })
	errCh := make(chan error, 1)
	go func() {
		logs.Infof("mdg listening: %s, symbols: %v", addr, gen.Symbols())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		cancel()
		wg.Wait()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "serve mdg")
	case <-sys.Shutdown():
	}

	cancel()
	wg.Wait()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	return srv.Shutdown(shutdownCtx)
}

func parsePrices(s string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		symbol, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, errors.Errorf("invalid price pair %q", pair)
		}
		price, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parse price for %s", symbol)
		}
		out[strings.TrimSpace(symbol)] = price
	}
	if len(out) == 0 {
		return nil, errors.New("no prices configured")
	}
	return out, nil
}
