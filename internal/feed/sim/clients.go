package sim

import (
	"context"
	"sync"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tradeguard/internal/feed"
)

var (
	ErrRequestDropped = errors.New("sim: request dropped")
	ErrUnknownSymbol  = errors.New("sim: unknown symbol")
	ErrConnectionLost = errors.New("sim: connection lost")
)

// PollClient serves generator prices as a request-response feed.
type PollClient struct {
	gen   *Generator
	chaos *Chaos
	now   func() time.Time
}

var _ feed.PollClient = (*PollClient)(nil)

// NewPollClient creates a poll feed. chaos may be nil.
func NewPollClient(gen *Generator, chaos *Chaos) *PollClient {
	return &PollClient{gen: gen, chaos: chaos, now: time.Now}
}

func (p *PollClient) LatestTick(ctx context.Context, symbol string) (feed.Tick, error) {
	if err := ctx.Err(); err != nil {
		return feed.Tick{}, err
	}
	if p.chaos.Drop() {
		return feed.Tick{}, ErrRequestDropped
	}
	tick, ok := p.gen.Peek(symbol, p.now())
	if !ok {
		return feed.Tick{}, errors.Wrapf(ErrUnknownSymbol, "symbol: %s", symbol)
	}
	return tick, nil
}

// PushConfig controls the simulated stream.
type PushConfig struct {
	Interval       time.Duration
	ReconnectDelay time.Duration
}

// PushClient streams generator ticks. Pause stops data without closing the
// connection, which is how a silent disconnect looks from the outside.
type PushClient struct {
	gen   *Generator
	chaos *Chaos
	cfg   PushConfig

	mu       sync.Mutex
	handlers feed.ConnectionHandlers
	subs     map[string]func(feed.Tick)
	paused   bool
	cancel   context.CancelFunc
	done     chan struct{}
	dropped  chan struct{}
}

var _ feed.PushClient = (*PushClient)(nil)

// NewPushClient creates a simulated stream. chaos may be nil.
func NewPushClient(gen *Generator, chaos *Chaos, cfg PushConfig) *PushClient {
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	return &PushClient{
		gen:     gen,
		chaos:   chaos,
		cfg:     cfg,
		subs:    make(map[string]func(feed.Tick)),
		dropped: make(chan struct{}, 1),
	}
}

func (p *PushClient) SetHandlers(h feed.ConnectionHandlers) {
	p.mu.Lock()
	p.handlers = h
	p.mu.Unlock()
}

func (p *PushClient) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(runCtx, p.done)
	return nil
}

func (p *PushClient) Subscribe(_ context.Context, _ string, symbol string, handler func(feed.Tick)) error {
	p.mu.Lock()
	p.subs[feed.NormalizeSymbol(symbol)] = handler
	p.mu.Unlock()
	return nil
}

func (p *PushClient) Unsubscribe(_ context.Context, _ string, symbol string) error {
	p.mu.Lock()
	delete(p.subs, feed.NormalizeSymbol(symbol))
	p.mu.Unlock()
	return nil
}

func (p *PushClient) Close() error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// Pause stops delivering ticks while the connection stays up.
func (p *PushClient) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
	logs.Info("sim push feed paused")
}

// Resume restarts tick delivery.
func (p *PushClient) Resume() {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	logs.Info("sim push feed resumed")
}

// Drop closes the connection with an error and reconnects after the delay.
func (p *PushClient) Drop() {
	select {
	case p.dropped <- struct{}{}:
	default:
	}
}

func (p *PushClient) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	attempt := 0
	for {
		h := p.handlersSnapshot()
		call(h.OnOpen)
		call(h.OnAuthenticated)

		err := p.stream(ctx)
		if ctx.Err() != nil {
			if h.OnClose != nil {
				h.OnClose(nil)
			}
			return
		}
		if h.OnClose != nil {
			h.OnClose(err)
		}
		attempt++
		if h.OnReconnecting != nil {
			h.OnReconnecting(attempt)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.ReconnectDelay):
		}
	}
}

func (p *PushClient) stream(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.dropped:
			return ErrConnectionLost
		case now := <-ticker.C:
			p.emit(now)
		}
	}
}

func (p *PushClient) emit(now time.Time) {
	p.mu.Lock()
	if p.paused {
		p.mu.Unlock()
		return
	}
	subs := make(map[string]func(feed.Tick), len(p.subs))
	for k, v := range p.subs {
		subs[k] = v
	}
	p.mu.Unlock()

	for symbol, handler := range subs {
		tick, ok := p.gen.Next(symbol, now)
		if !ok {
			continue
		}
		for _, t := range p.chaos.Process(tick) {
			handler(t)
		}
	}
}

func (p *PushClient) handlersSnapshot() feed.ConnectionHandlers {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handlers
}

func call(fn func()) {
	if fn != nil {
		fn()
	}
}
