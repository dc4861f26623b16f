package feed

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tradeguard/internal/health"
	"tradeguard/internal/obs"
	"tradeguard/pkg/exception"
)

// Coordinator owns both feeds for a symbol set and republishes one merged
// stream. Only ticks from the authoritative source reach the merged cache.
type Coordinator struct {
	cfg     Config
	tracker *health.Tracker
	push    PushClient
	poll    PollClient
	metrics *obs.Metrics
	seq     atomic.Uint64
	now     func() time.Time

	mu            sync.RWMutex
	symbols       map[string]struct{}
	pushCache     map[string]Tick
	pollCache     map[string]Tick
	merged        map[string]Tick
	currentSource health.Source
	running       bool
	runCtx        context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup

	updates *fanout[Update]
	events  *fanout[Event]
}

// NewCoordinator wires a coordinator. push may be nil for poll-only runs.
func NewCoordinator(cfg Config, tracker *health.Tracker, push PushClient, poll PollClient, metrics *obs.Metrics) (*Coordinator, error) {
	if tracker == nil {
		return nil, exception.ErrFeedNilTracker
	}
	if poll == nil {
		return nil, exception.ErrFeedNilPollClient
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.DisablePush {
		push = nil
	}
	return &Coordinator{
		cfg:           cfg,
		tracker:       tracker,
		push:          push,
		poll:          poll,
		metrics:       metrics,
		now:           cfg.Clock,
		symbols:       make(map[string]struct{}),
		pushCache:     make(map[string]Tick),
		pollCache:     make(map[string]Tick),
		merged:        make(map[string]Tick),
		currentSource: tracker.PrimarySource(),
		updates:       newFanout[Update]("market data", cfg.QueueSize, metrics),
		events:        newFanout[Event]("feed event", cfg.QueueSize, metrics),
	}, nil
}

// Start begins polling, connects the push feed and subscribes every symbol.
func (c *Coordinator) Start(ctx context.Context, symbols []string) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return exception.ErrFeedAlreadyRunning
	}
	for _, s := range symbols {
		if s = NormalizeSymbol(s); s != "" {
			c.symbols[s] = struct{}{}
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.runCtx = runCtx
	c.cancel = cancel
	c.currentSource = c.tracker.PrimarySource()
	tracked := c.symbolsLocked()
	c.mu.Unlock()

	logs.Infof("feed coordinator starting, symbols: %v, push: %v", tracked, c.push != nil)

	c.wg.Go(func() { c.tracker.Run(runCtx) })
	c.wg.Go(func() { c.healthLoop(runCtx) })
	c.wg.Go(func() { c.pollLoop(runCtx) })

	if c.push == nil {
		return nil
	}
	c.push.SetHandlers(c.connectionHandlers())
	c.tracker.ReportConnectionState(health.StateConnecting)
	if err := c.push.Connect(runCtx); err != nil {
		c.pushFailure(errors.Wrap(err, "connect push feed"))
	}
	for _, symbol := range tracked {
		c.subscribe(runCtx, symbol)
	}
	return nil
}

// Stop cancels all loops, unsubscribes push channels and clears the caches.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return exception.ErrFeedNotRunning
	}
	c.running = false
	c.cancel()
	tracked := c.symbolsLocked()
	c.mu.Unlock()

	if c.push != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PollTimeout)
		for _, symbol := range tracked {
			if err := c.push.Unsubscribe(ctx, c.cfg.Channel, symbol); err != nil {
				logs.Errorf("unsubscribe %s, err: %+v", symbol, err)
			}
		}
		cancel()
		if err := c.push.Close(); err != nil {
			logs.Errorf("close push feed, err: %+v", err)
		}
		c.tracker.ReportConnectionState(health.StateDisconnected)
	}
	c.wg.Wait()

	c.mu.Lock()
	clear(c.pushCache)
	clear(c.pollCache)
	clear(c.merged)
	c.runCtx = nil
	c.mu.Unlock()

	logs.Info("feed coordinator stopped")
	return nil
}

// Close stops the coordinator and drains every subscriber.
func (c *Coordinator) Close() error {
	if err := c.Stop(); err != nil && !errors.Is(err, exception.ErrFeedNotRunning) {
		return err
	}
	c.updates.close()
	c.events.close()
	return nil
}

// AddSymbol starts tracking a symbol without a restart.
func (c *Coordinator) AddSymbol(ctx context.Context, symbol string) error {
	symbol = NormalizeSymbol(symbol)
	if symbol == "" {
		return exception.ErrFeedEmptySymbol
	}
	c.mu.Lock()
	if _, ok := c.symbols[symbol]; ok {
		c.mu.Unlock()
		return nil
	}
	c.symbols[symbol] = struct{}{}
	running := c.running
	if running {
		runCtx := c.runCtx
		c.wg.Go(func() { c.pollSymbol(runCtx, symbol) })
	}
	c.mu.Unlock()

	c.emit(Event{Type: EventSymbolAdded, Symbol: symbol})
	if running && c.push != nil {
		c.subscribe(ctx, symbol)
	}
	return nil
}

// RemoveSymbol stops tracking a symbol and purges all its cached data.
func (c *Coordinator) RemoveSymbol(ctx context.Context, symbol string) error {
	symbol = NormalizeSymbol(symbol)
	c.mu.Lock()
	if _, ok := c.symbols[symbol]; !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.symbols, symbol)
	delete(c.pushCache, symbol)
	delete(c.pollCache, symbol)
	delete(c.merged, symbol)
	running := c.running
	c.mu.Unlock()

	if running && c.push != nil {
		if err := c.push.Unsubscribe(ctx, c.cfg.Channel, symbol); err != nil {
			c.pushFailure(errors.Wrapf(err, "unsubscribe %s", symbol))
		}
	}
	c.emit(Event{Type: EventSymbolRemoved, Symbol: symbol})
	return nil
}

// Symbols returns the tracked symbols, sorted.
func (c *Coordinator) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.symbolsLocked()
}

// MarketData returns the merged tick for a symbol.
func (c *Coordinator) MarketData(symbol string) (Tick, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tick, ok := c.merged[NormalizeSymbol(symbol)]
	return tick, ok
}

// Snapshot returns a copy of the merged cache.
func (c *Coordinator) Snapshot() map[string]Tick {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Tick, len(c.merged))
	for k, v := range c.merged {
		out[k] = v
	}
	return out
}

// CurrentSource returns the source last observed by the health loop.
func (c *Coordinator) CurrentSource() health.Source {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentSource
}

// Health returns the tracker view.
func (c *Coordinator) Health() health.View {
	return c.tracker.View()
}

// OnMarketData subscribes to merged updates for every symbol.
func (c *Coordinator) OnMarketData(handler func(Update)) (unsubscribe func()) {
	return c.updates.add(nil, handler)
}

// Subscribe subscribes to merged updates for one symbol.
func (c *Coordinator) Subscribe(symbol string, handler func(Update)) (unsubscribe func()) {
	symbol = NormalizeSymbol(symbol)
	return c.updates.add(func(u Update) bool { return u.Symbol == symbol }, handler)
}

// OnEvent subscribes to lifecycle events.
func (c *Coordinator) OnEvent(handler func(Event)) (unsubscribe func()) {
	return c.events.add(nil, handler)
}

func (c *Coordinator) subscribe(ctx context.Context, symbol string) {
	err := c.push.Subscribe(ctx, c.cfg.Channel, symbol, func(tick Tick) {
		c.handleTick(health.SourcePush, symbol, tick)
	})
	if err != nil {
		c.pushFailure(errors.Wrapf(err, "subscribe %s", symbol))
	}
}

func (c *Coordinator) connectionHandlers() ConnectionHandlers {
	return ConnectionHandlers{
		OnOpen: func() {
			c.tracker.ReportConnectionState(health.StateConnected)
			c.emit(Event{Type: EventConnected})
		},
		OnAuthenticated: func() {
			c.tracker.ReportConnectionState(health.StateAuthenticated)
			c.emit(Event{Type: EventAuthenticated})
		},
		OnClose: func(err error) {
			c.tracker.ReportConnectionState(health.StateDisconnected)
			ev := Event{Type: EventDisconnected}
			if err != nil {
				c.tracker.ReportFailure(health.SourcePush, err)
				c.metrics.IncFeedFailure(health.SourcePush.String())
				ev.Err = err.Error()
			}
			c.emit(ev)
		},
		OnError: c.pushFailure,
		OnReconnecting: func(attempt int) {
			c.tracker.ReportConnectionState(health.StateReconnecting)
			c.emit(Event{Type: EventReconnecting, Attempt: attempt})
		},
	}
}

func (c *Coordinator) pushFailure(err error) {
	if err == nil {
		return
	}
	logs.Errorf("push feed failure, err: %+v", err)
	c.tracker.ReportFailure(health.SourcePush, err)
	c.metrics.IncFeedFailure(health.SourcePush.String())
	c.emit(Event{Type: EventError, Err: err.Error()})
}

// handleTick validates, caches, reports and conditionally merges a tick.
func (c *Coordinator) handleTick(source health.Source, symbol string, tick Tick) {
	tick, err := normalize(tick, symbol, c.now())
	if err != nil {
		c.metrics.IncDroppedTick()
		logs.Errorf("drop %s tick, err: %+v", source, err)
		return
	}

	c.mu.Lock()
	if _, ok := c.symbols[tick.Symbol]; !ok || !c.running {
		c.mu.Unlock()
		return
	}
	cache := c.pollCache
	if source == health.SourcePush {
		cache = c.pushCache
	}
	prev, hadPrev := cache[tick.Symbol]
	cache[tick.Symbol] = tick
	c.mu.Unlock()

	if hadPrev {
		if move := divergence(prev.Price, tick.Price); move > c.cfg.DivergencePercent {
			c.metrics.IncDivergence()
			logs.Warnf("%s price diverged, symbol: %s, prev: %v, next: %v, move: %.2f%%", source, tick.Symbol, prev.Price, tick.Price, move)
		}
	}

	c.metrics.ObserveTick(source.String())
	c.tracker.ReportDataReceived(source)

	pushPrimary := c.tracker.PrimarySource() == health.SourcePush
	if (source == health.SourcePush) != pushPrimary {
		return
	}

	c.mu.Lock()
	if _, ok := c.symbols[tick.Symbol]; !ok {
		c.mu.Unlock()
		return
	}
	if last, ok := c.merged[tick.Symbol]; ok && last == tick {
		c.mu.Unlock()
		return
	}
	c.merged[tick.Symbol] = tick
	c.mu.Unlock()

	c.updates.publish(Update{Symbol: tick.Symbol, Tick: tick, Source: source})
}

// pollLoop polls every symbol at a fixed interval regardless of push health.
func (c *Coordinator) pollLoop(ctx context.Context) {
	c.pollAll(ctx)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pollAll(ctx)
		}
	}
}

func (c *Coordinator) pollAll(ctx context.Context) {
	for _, symbol := range c.Symbols() {
		if ctx.Err() != nil {
			return
		}
		c.pollSymbol(ctx, symbol)
	}
}

func (c *Coordinator) pollSymbol(parent context.Context, symbol string) {
	ctx, cancel := context.WithTimeout(parent, c.cfg.PollTimeout)
	defer cancel()

	start := time.Now()
	tick, err := c.poll.LatestTick(ctx, symbol)
	c.metrics.ObservePoll(time.Since(start))
	if err != nil {
		if parent.Err() != nil {
			return
		}
		logs.Errorf("poll %s, err: %+v", symbol, err)
		c.tracker.ReportFailure(health.SourcePoll, err)
		c.metrics.IncFeedFailure(health.SourcePoll.String())
		return
	}
	c.handleTick(health.SourcePoll, symbol, tick)
}

// healthLoop emits a switch event exactly when the primary source changes.
func (c *Coordinator) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkSource()
		}
	}
}

func (c *Coordinator) checkSource() {
	next := c.tracker.PrimarySource()
	c.mu.Lock()
	prev := c.currentSource
	if prev == next {
		c.mu.Unlock()
		return
	}
	c.currentSource = next
	c.mu.Unlock()

	c.metrics.IncSourceSwitch()
	view := c.tracker.View()
	logs.Infof("feed source switched, from: %s, to: %s, health: %s", prev, next, view.OverallHealth)
	c.emit(Event{Type: EventSwitch, From: prev, To: next})
}

func (c *Coordinator) emit(ev Event) {
	ev.Seq = c.seq.Add(1)
	ev.Time = c.now()
	c.events.publish(ev)
}

func (c *Coordinator) symbolsLocked() []string {
	out := make([]string, 0, len(c.symbols))
	for s := range c.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
