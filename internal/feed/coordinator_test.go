package feed

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeguard/internal/health"
	"tradeguard/internal/obs"
	"tradeguard/pkg/exception"
)

type fakePush struct {
	mu           sync.Mutex
	handlers     ConnectionHandlers
	subs         map[string]func(Tick)
	unsubscribed []string
	closed       int
}

func newFakePush() *fakePush {
	return &fakePush{subs: make(map[string]func(Tick))}
}

func (f *fakePush) Connect(context.Context) error { return nil }

func (f *fakePush) Subscribe(_ context.Context, _ string, symbol string, handler func(Tick)) error {
	f.mu.Lock()
	f.subs[symbol] = handler
	f.mu.Unlock()
	return nil
}

func (f *fakePush) Unsubscribe(_ context.Context, _ string, symbol string) error {
	f.mu.Lock()
	delete(f.subs, symbol)
	f.unsubscribed = append(f.unsubscribed, symbol)
	f.mu.Unlock()
	return nil
}

func (f *fakePush) SetHandlers(h ConnectionHandlers) {
	f.mu.Lock()
	f.handlers = h
	f.mu.Unlock()
}

func (f *fakePush) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func (f *fakePush) authenticate() {
	f.mu.Lock()
	h := f.handlers
	f.mu.Unlock()
	h.OnOpen()
	h.OnAuthenticated()
}

// send delivers a tick on the symbol's subscription, if any.
func (f *fakePush) send(symbol string, tick Tick) bool {
	f.mu.Lock()
	h, ok := f.subs[symbol]
	f.mu.Unlock()
	if ok {
		h(tick)
	}
	return ok
}

type fakePoll struct {
	mu    sync.Mutex
	ticks map[string]Tick
	err   error
}

func newFakePoll() *fakePoll {
	return &fakePoll{ticks: make(map[string]Tick)}
}

func (f *fakePoll) set(symbol string, price float64) {
	f.mu.Lock()
	f.ticks[symbol] = Tick{Symbol: symbol, Price: price, Timestamp: time.Now()}
	f.mu.Unlock()
}

func (f *fakePoll) LatestTick(_ context.Context, symbol string) (Tick, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return Tick{}, f.err
	}
	tick, ok := f.ticks[symbol]
	if !ok {
		return Tick{}, errors.New("no data")
	}
	return tick, nil
}

type fixture struct {
	c       *Coordinator
	tracker *health.Tracker
	push    *fakePush
	poll    *fakePoll
	metrics *obs.Metrics
}

func newFixture(t *testing.T, symbols ...string) *fixture {
	t.Helper()
	tracker, err := health.NewTracker(health.DefaultConfig())
	require.NoError(t, err)
	push, poll := newFakePush(), newFakePoll()
	for _, s := range symbols {
		poll.set(s, 100)
	}
	metrics := obs.NewMetrics()
	cfg := DefaultConfig()
	cfg.PollInterval = time.Hour
	cfg.HealthInterval = time.Hour
	c, err := NewCoordinator(cfg, tracker, push, poll, metrics)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background(), symbols))
	t.Cleanup(func() { _ = c.Close() })
	return &fixture{c: c, tracker: tracker, push: push, poll: poll, metrics: metrics}
}

func (f *fixture) waitMerged(t *testing.T, symbol string, price float64) {
	t.Helper()
	require.Eventually(t, func() bool {
		tick, ok := f.c.MarketData(symbol)
		return ok && tick.Price == price
	}, time.Second, 5*time.Millisecond)
}

func TestPollMergesWhilePushNotAuthoritative(t *testing.T) {
	f := newFixture(t, "BTCUSDT")
	f.waitMerged(t, "BTCUSDT", 100)
	assert.Equal(t, health.SourcePoll, f.tracker.PrimarySource())

	// connected but not authenticated: push ticks are cached only
	f.push.mu.Lock()
	onOpen := f.push.handlers.OnOpen
	f.push.mu.Unlock()
	onOpen()
	require.True(t, f.push.send("BTCUSDT", Tick{Price: 105}))
	tick, _ := f.c.MarketData("btcusdt")
	assert.Equal(t, 100.0, tick.Price)
}

func TestPushAuthoritativeBlocksPollWrites(t *testing.T) {
	f := newFixture(t, "BTCUSDT")
	f.waitMerged(t, "BTCUSDT", 100)

	f.push.authenticate()
	want := Tick{
		Symbol:           "BTCUSDT",
		Timestamp:        time.Now().Truncate(time.Millisecond),
		Price:            101,
		Bid:              100.9,
		Ask:              101.1,
		Volume24h:        1234,
		ChangePercent24h: 1.5,
		High24h:          110,
		Low24h:           90,
	}
	require.True(t, f.push.send("BTCUSDT", want))
	require.Equal(t, health.SourcePush, f.tracker.PrimarySource())

	got, ok := f.c.MarketData("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, want, got)

	f.poll.set("BTCUSDT", 99)
	f.c.pollSymbol(context.Background(), "BTCUSDT")
	got, _ = f.c.MarketData("BTCUSDT")
	assert.Equal(t, want, got)
	assert.Equal(t, uint64(2), f.metrics.Snapshot().Ticks["poll"])
}

func TestSwitchEventIsEdgeTriggered(t *testing.T) {
	f := newFixture(t, "BTCUSDT")
	f.waitMerged(t, "BTCUSDT", 100)

	events := make(chan Event, 16)
	f.c.OnEvent(func(ev Event) {
		if ev.Type == EventSwitch {
			events <- ev
		}
	})
	f.c.checkSource()

	f.push.authenticate()
	f.push.send("BTCUSDT", Tick{Price: 101})
	for i := 0; i < 5; i++ {
		f.push.send("BTCUSDT", Tick{Price: 101 + float64(i)})
		f.c.checkSource()
	}

	select {
	case ev := <-events:
		assert.Equal(t, health.SourcePoll, ev.From)
		assert.Equal(t, health.SourcePush, ev.To)
	case <-time.After(time.Second):
		t.Fatal("no switch event")
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected second switch: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, health.SourcePush, f.c.CurrentSource())
	assert.Equal(t, uint64(1), f.metrics.Snapshot().SourceSwitches)
}

func TestRemoveSymbolPurgesCaches(t *testing.T) {
	f := newFixture(t, "BTCUSDT", "ETHUSDT")
	f.waitMerged(t, "ETHUSDT", 100)
	f.waitMerged(t, "BTCUSDT", 100)

	require.NoError(t, f.c.RemoveSymbol(context.Background(), "ethusdt"))
	_, ok := f.c.MarketData("ETHUSDT")
	assert.False(t, ok)
	assert.Equal(t, []string{"BTCUSDT"}, f.c.Symbols())
	assert.Contains(t, f.push.unsubscribed, "ETHUSDT")

	f.c.handleTick(health.SourcePoll, "ETHUSDT", Tick{Price: 1})
	_, ok = f.c.MarketData("ETHUSDT")
	assert.False(t, ok)

	f.c.mu.RLock()
	_, inPoll := f.c.pollCache["ETHUSDT"]
	f.c.mu.RUnlock()
	assert.False(t, inPoll)
}

func TestAddSymbolPollsImmediately(t *testing.T) {
	f := newFixture(t, "BTCUSDT")
	f.poll.set("SOLUSDT", 20)
	require.NoError(t, f.c.AddSymbol(context.Background(), "sol-usdt"))
	f.waitMerged(t, "SOLUSDT", 20)

	f.push.mu.Lock()
	_, subscribed := f.push.subs["SOLUSDT"]
	f.push.mu.Unlock()
	assert.True(t, subscribed)
	assert.ErrorIs(t, f.c.AddSymbol(context.Background(), " "), exception.ErrFeedEmptySymbol)
}

func TestEventsAreSequenced(t *testing.T) {
	f := newFixture(t, "BTCUSDT")
	events := make(chan Event, 16)
	f.c.OnEvent(func(ev Event) {
		if ev.Type == EventSymbolAdded || ev.Type == EventSymbolRemoved {
			events <- ev
		}
	})

	f.poll.set("SOLUSDT", 20)
	require.NoError(t, f.c.AddSymbol(context.Background(), "SOLUSDT"))
	require.NoError(t, f.c.RemoveSymbol(context.Background(), "SOLUSDT"))

	var got []Event
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-time.After(time.Second):
			t.Fatalf("got %d symbol events, want 2", len(got))
		}
	}
	assert.Equal(t, EventSymbolAdded, got[0].Type)
	assert.Equal(t, EventSymbolRemoved, got[1].Type)
	assert.Positive(t, got[0].Seq)
	assert.Greater(t, got[1].Seq, got[0].Seq)
}

func TestInvalidPriceIsDropped(t *testing.T) {
	f := newFixture(t, "BTCUSDT")
	f.waitMerged(t, "BTCUSDT", 100)
	f.push.authenticate()

	for _, price := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		f.push.send("BTCUSDT", Tick{Price: price})
	}
	assert.Equal(t, uint64(4), f.metrics.Snapshot().DroppedTicks)
	tick, _ := f.c.MarketData("BTCUSDT")
	assert.Equal(t, 100.0, tick.Price)
	assert.Equal(t, 0, f.tracker.View().ConsecutiveFailures)
}

func TestDivergenceIsAccepted(t *testing.T) {
	f := newFixture(t, "BTCUSDT")
	f.waitMerged(t, "BTCUSDT", 100)

	f.poll.set("BTCUSDT", 150)
	f.c.pollSymbol(context.Background(), "BTCUSDT")
	f.waitMerged(t, "BTCUSDT", 150)
	assert.Equal(t, uint64(1), f.metrics.Snapshot().DivergenceWarnings)
}

func TestSubscribersAreIsolated(t *testing.T) {
	f := newFixture(t)
	got := make(chan Update, 8)
	f.c.OnMarketData(func(Update) { panic("boom") })
	f.c.Subscribe("BTCUSDT", func(u Update) { got <- u })
	f.c.Subscribe("ETHUSDT", func(u Update) { t.Errorf("unexpected update %+v", u) })

	f.poll.set("BTCUSDT", 100)
	require.NoError(t, f.c.AddSymbol(context.Background(), "BTCUSDT"))

	select {
	case u := <-got:
		assert.Equal(t, "BTCUSDT", u.Symbol)
		assert.Equal(t, health.SourcePoll, u.Source)
	case <-time.After(time.Second):
		t.Fatal("no update delivered")
	}
}

func TestPollFailureIsReported(t *testing.T) {
	f := newFixture(t, "BTCUSDT")
	f.waitMerged(t, "BTCUSDT", 100)

	f.poll.mu.Lock()
	f.poll.err = errors.New("503")
	f.poll.mu.Unlock()
	f.c.pollSymbol(context.Background(), "BTCUSDT")
	f.c.pollSymbol(context.Background(), "BTCUSDT")

	assert.Equal(t, 2, f.tracker.View().ConsecutiveFailures)
	assert.Equal(t, uint64(2), f.metrics.Snapshot().FeedFailures["poll"])
}

func TestStartStopLifecycle(t *testing.T) {
	f := newFixture(t, "BTCUSDT")
	f.waitMerged(t, "BTCUSDT", 100)

	assert.ErrorIs(t, f.c.Start(context.Background(), nil), exception.ErrFeedAlreadyRunning)
	require.NoError(t, f.c.Stop())
	assert.ErrorIs(t, f.c.Stop(), exception.ErrFeedNotRunning)

	assert.Empty(t, f.c.Snapshot())
	assert.Equal(t, 1, f.push.closed)
	assert.Contains(t, f.push.unsubscribed, "BTCUSDT")

	require.NoError(t, f.c.Start(context.Background(), nil))
	f.waitMerged(t, "BTCUSDT", 100)
}

func TestNewCoordinatorValidation(t *testing.T) {
	tracker, err := health.NewTracker(health.DefaultConfig())
	require.NoError(t, err)

	_, err = NewCoordinator(DefaultConfig(), nil, nil, newFakePoll(), nil)
	assert.ErrorIs(t, err, exception.ErrFeedNilTracker)
	_, err = NewCoordinator(DefaultConfig(), tracker, nil, nil, nil)
	assert.ErrorIs(t, err, exception.ErrFeedNilPollClient)
}

func TestNormalizeSymbol(t *testing.T) {
	testCases := map[string]string{
		"btcusdt":    "BTCUSDT",
		" BTC-USDT ": "BTCUSDT",
		"eth/usdt":   "ETHUSDT",
		"sol_usdt":   "SOLUSDT",
	}
	for in, want := range testCases {
		if got := NormalizeSymbol(in); got != want {
			t.Fatalf("NormalizeSymbol(%q) = %q, want %q", in, got, want)
		}
	}
}
