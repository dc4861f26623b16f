package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tradeguard/internal/account"
	"tradeguard/internal/app"
	"tradeguard/internal/feed/sim"
	"tradeguard/internal/ops"
	"tradeguard/internal/state"
)

var defaultBasePrices = map[string]float64{
	"BTCUSDT": 60000,
	"ETHUSDT": 3000,
	"SOLUSDT": 150,
}

func main() {
	configPath := flag.String("config", "", "Path to YAML or JSON config (default: built-in)")
	envFile := flag.String("env-file", "", "Optional dotenv file")
	symbols := flag.String("symbols", "BTCUSDT,ETHUSDT", "Comma separated symbols when no config is given")
	duration := flag.Duration("duration", time.Minute, "How long to run")
	seed := flag.Int64("seed", 0, "Random seed (0=time based)")
	interval := flag.Duration("tick-interval", 200*time.Millisecond, "Simulated push tick interval")
	step := flag.Float64("step-percent", 0.2, "Max random walk step in percent")
	dropRate := flag.Float64("drop-rate", 0, "Fraction of ticks and polls dropped")
	maxDelay := flag.Duration("max-delay", 0, "Max simulated tick lag")
	silenceAfter := flag.Duration("silence-after", 0, "Pause the push feed after this long (0=never)")
	silenceFor := flag.Duration("silence-for", 10*time.Second, "How long the push feed stays silent")
	balance := flag.Float64("balance", 10000, "Simulated account balance")
	proposeEvery := flag.Int("propose-every", 20, "Propose a trade every N updates per symbol (0=disable)")
	maxTrades := flag.Int("max-trades", 0, "Maximum positions to open (0=unlimited)")
	notional := flag.Float64("notional", 500, "Notional per proposed trade")
	timeframe := flag.String("timeframe", "1m", "Timeframe bucket of proposed trades")
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			logs.Errorf("load env file, err: %+v", err)
			os.Exit(1)
		}
	}
	loaded, err := loadConfig(*configPath, *symbols)
	if err != nil {
		logs.Errorf("config load failed, err: %+v", err)
		os.Exit(1)
	}

	opts := paperOptions{
		seed:         *seed,
		interval:     *interval,
		step:         *step,
		chaos:        sim.ChaosConfig{Seed: *seed, DropRate: *dropRate, MaxDelay: *maxDelay},
		silenceAfter: *silenceAfter,
		silenceFor:   *silenceFor,
		balance:      *balance,
		proposeEvery: *proposeEvery,
		maxTrades:    *maxTrades,
		notional:     *notional,
		timeframe:    *timeframe,
	}
	if err := run(loaded, *duration, opts); err != nil {
		logs.Errorf("paper failed, err: %+v", err)
		os.Exit(1)
	}
}

type paperOptions struct {
	seed         int64
	interval     time.Duration
	step         float64
	chaos        sim.ChaosConfig
	silenceAfter time.Duration
	silenceFor   time.Duration
	balance      float64
	proposeEvery int
	maxTrades    int
	notional     float64
	timeframe    string
}

type report struct {
	Proposals proposerStats `json:"proposals"`
	Ledger    state.Stats   `json:"ledger"`
	Closed    int           `json:"closedOnExit"`
	Metrics   any           `json:"metrics"`
}

func run(loaded ops.Loaded, duration time.Duration, opts paperOptions) error {
	prices := make(map[string]float64, len(loaded.Symbols))
	for _, s := range loaded.Symbols {
		price, ok := defaultBasePrices[s]
		if !ok {
			price = 100
		}
		prices[s] = price
	}
	gen, err := sim.NewGenerator(sim.GeneratorConfig{BasePrices: prices, Seed: opts.seed, StepPercent: opts.step, SpreadPercent: 0.02})
	if err != nil {
		return err
	}
	chaos, err := sim.NewChaos(opts.chaos)
	if err != nil {
		return err
	}
	push := sim.NewPushClient(gen, chaos, sim.PushConfig{Interval: opts.interval})

	core, err := app.New(app.Options{
		Config:   loaded,
		Push:     push,
		Poll:     sim.NewPollClient(gen, chaos),
		Provider: account.NewStatic(opts.balance),
		Store:    account.NewMemoryStore(),
	})
	if err != nil {
		return err
	}

	prop := newProposer(core.Gate, core.Ledger, opts.proposeEvery, opts.maxTrades, opts.notional, opts.timeframe)
	core.Coordinator.OnMarketData(prop.onUpdate)

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()
	if err := core.Start(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	if opts.silenceAfter > 0 {
		wg.Go(func() { silence(ctx, push, opts.silenceAfter, opts.silenceFor) })
	}

	<-ctx.Done()
	if err := core.Stop(); err != nil {
		logs.Errorf("stop trading core, err: %+v", err)
	}
	wg.Wait()

	closed := core.Ledger.CloseAll(state.CloseShutdown)
	out, err := json.MarshalIndent(report{
		Proposals: prop.stats(),
		Ledger:    core.Ledger.Stats(),
		Closed:    len(closed),
		Metrics:   core.Metrics.Snapshot(),
	}, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal report")
	}
	_, err = os.Stdout.Write(append(out, '\n'))
	return err
}

func silence(ctx context.Context, push *sim.PushClient, after, span time.Duration) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(after):
	}
	push.Pause()
	defer push.Resume()
	select {
	case <-ctx.Done():
	case <-time.After(span):
	}
}

func loadConfig(path, symbols string) (ops.Loaded, error) {
	if path != "" {
		return ops.Load(path)
	}
	return ops.Resolve(ops.FileConfig{Symbols: strings.Split(symbols, ",")})
}
