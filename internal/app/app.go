package app

import (
	"context"
	"sync"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tradeguard/internal/account"
	"tradeguard/internal/feed"
	"tradeguard/internal/health"
	"tradeguard/internal/obs"
	"tradeguard/internal/ops"
	"tradeguard/internal/risk"
	"tradeguard/internal/state"
)

// Options are the external pieces an App is built from.
type Options struct {
	Config   ops.Loaded
	Push     feed.PushClient
	Poll     feed.PollClient
	Provider account.Provider
	// Store caches the last good equity. Optional.
	Store account.Store
	// Recover restores the ledger from Config.SnapshotPath.
	Recover bool
	Metrics *obs.Metrics
}

// App owns the trading core: health tracker, feed coordinator, position
// ledger, account poller and admission gate.
type App struct {
	Tracker     *health.Tracker
	Coordinator *feed.Coordinator
	Ledger      *state.Ledger
	Gate        *risk.Gate
	Poller      *account.Poller
	Metrics     *obs.Metrics

	symbols      []string
	snapshotPath string

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// New builds the core without starting any goroutine.
func New(opts Options) (*App, error) {
	cfg := opts.Config
	if opts.Poll == nil {
		return nil, errors.New("app: poll client is required")
	}
	provider := opts.Provider
	if provider == nil {
		provider = account.Unavailable{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = obs.NewMetrics()
	}

	tracker, err := health.NewTracker(cfg.Health)
	if err != nil {
		return nil, errors.Wrap(err, "build health tracker")
	}
	coordinator, err := feed.NewCoordinator(cfg.Feed, tracker, opts.Push, opts.Poll, metrics)
	if err != nil {
		return nil, errors.Wrap(err, "build feed coordinator")
	}

	var ledger *state.Ledger
	if opts.Recover {
		ledger, err = state.RecoverLedger(cfg.Ledger, state.RecoverConfig{SnapshotPath: cfg.SnapshotPath}, metrics)
	} else {
		ledger, err = state.NewLedger(cfg.Ledger, metrics)
	}
	if err != nil {
		return nil, errors.Wrap(err, "build ledger")
	}

	gate, err := risk.NewGate(risk.Config{Limits: cfg.Limits, AccountTimeout: cfg.AccountTimeout}, ledger, tracker, provider, opts.Store, metrics)
	if err != nil {
		return nil, errors.Wrap(err, "build risk gate")
	}

	return &App{
		Tracker:      tracker,
		Coordinator:  coordinator,
		Ledger:       ledger,
		Gate:         gate,
		Poller:       account.NewPoller(provider, opts.Store, cfg.Account.PollInterval, ledger.SetEquity),
		Metrics:      metrics,
		symbols:      cfg.Symbols,
		snapshotPath: cfg.SnapshotPath,
	}, nil
}

// Start launches the feeds, the ledger monitor and the account poller.
// Market updates mark open positions of the same coin.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return errors.New("app: already running")
	}

	unsubscribe := a.Coordinator.OnMarketData(func(u feed.Update) {
		a.Ledger.MarkCoin(u.Symbol, u.Tick.Price)
	})
	if err := a.Coordinator.Start(ctx, a.symbols); err != nil {
		unsubscribe()
		return err
	}
	a.running = true

	a.wg.Go(func() { a.Ledger.Run(ctx) })
	a.wg.Go(func() { a.Poller.Run(ctx) })
	a.wg.Go(func() {
		<-ctx.Done()
		unsubscribe()
	})
	logs.Infof("trading core started, symbols: %v", a.symbols)
	return nil
}

// Stop closes the coordinator and waits for the goroutines bound to the ctx
// given to Start, so that ctx must be cancelled first. An App is not restartable.
func (a *App) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return nil
	}
	a.running = false
	err := a.Coordinator.Close()
	a.wg.Wait()
	return err
}

// ApplyConfig swaps the admission limits and the ledger's max holding
// times from a reloaded config.
func (a *App) ApplyConfig(loaded ops.Loaded) {
	if err := a.Gate.UpdateLimits(loaded.Limits); err != nil {
		logs.Errorf("apply reloaded limits, err: %+v", err)
		return
	}
	if err := a.Ledger.UpdateHoldingTimes(loaded.Limits.MaxHoldingTime); err != nil {
		logs.Errorf("apply reloaded holding times, err: %+v", err)
	}
}

// SaveSnapshot writes the ledger snapshot to path, or to the configured
// snapshot path when path is empty.
func (a *App) SaveSnapshot(path string) error {
	if path == "" {
		path = a.snapshotPath
	}
	if path == "" {
		return nil
	}
	if err := state.WriteSnapshot(path, a.Ledger.Snapshot()); err != nil {
		return err
	}
	logs.Infof("ledger snapshot written: %s", path)
	return nil
}
