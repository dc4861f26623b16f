package binance

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tradeguard/internal/feed"
	"tradeguard/pkg/backoff"
	"tradeguard/pkg/exception"
)

const (
	DefaultStreamURL    = "wss://stream.binance.com:9443/ws"
	defaultReadTimeout  = 30 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultPingInterval = 15 * time.Second
	maxMessageSize      = 1 << 20
)

// PushConfig controls the stream client.
type PushConfig struct {
	URL          string
	Backoff      backoff.Backoff
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
	Dialer       *websocket.Dialer
}

func (c PushConfig) withDefaults() PushConfig {
	if c.URL == "" {
		c.URL = DefaultStreamURL
	}
	if c.Backoff.IsZero() {
		c.Backoff = backoff.Default()
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	return c
}

// PushClient streams tickers over a single websocket with automatic
// reconnect. Public streams need no login, so the connection is reported
// authenticated once every subscription has been sent.
type PushClient struct {
	cfg   PushConfig
	reqID atomic.Int64

	mu       sync.Mutex
	handlers feed.ConnectionHandlers
	subs     map[string]func(feed.Tick)
	conn     *websocket.Conn
	cancel   context.CancelFunc
	done     chan struct{}

	writeMu sync.Mutex
}

var _ feed.PushClient = (*PushClient)(nil)

// NewPushClient creates a stream client.
func NewPushClient(cfg PushConfig) *PushClient {
	return &PushClient{
		cfg:  cfg.withDefaults(),
		subs: make(map[string]func(feed.Tick)),
	}
}

func (c *PushClient) SetHandlers(handlers feed.ConnectionHandlers) {
	c.mu.Lock()
	c.handlers = handlers
	c.mu.Unlock()
}

// Connect starts the connection loop in the background.
func (c *PushClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx, c.done)
	return nil
}

// Close stops the connection loop and waits for it to exit. The client
// may be connected again afterwards.
func (c *PushClient) Close() error {
	c.mu.Lock()
	cancel, done, conn := c.cancel, c.done, c.conn
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-done
	return nil
}

// Subscribe registers a handler for <symbol>@<channel> and subscribes
// on the live connection if there is one.
func (c *PushClient) Subscribe(ctx context.Context, channel, symbol string, handler func(feed.Tick)) error {
	if _, ok := channelEvents[channelOrDefault(channel)]; !ok {
		return errors.Wrapf(exception.ErrFeedUnsupportedChannel, "channel: %q", channel)
	}
	stream := streamName(channel, symbol)
	if stream == "" {
		return exception.ErrFeedEmptySymbol
	}
	c.mu.Lock()
	c.subs[stream] = handler
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return c.send(conn, "SUBSCRIBE", []string{stream})
}

// Unsubscribe removes the handler and unsubscribes on the live connection.
func (c *PushClient) Unsubscribe(ctx context.Context, channel, symbol string) error {
	stream := streamName(channel, symbol)
	c.mu.Lock()
	_, ok := c.subs[stream]
	delete(c.subs, stream)
	conn := c.conn
	c.mu.Unlock()

	if !ok || conn == nil {
		return nil
	}
	return c.send(conn, "UNSUBSCRIBE", []string{stream})
}

func (c *PushClient) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.handlersSnapshot().onError(errors.Wrapf(err, "dial %s", c.cfg.URL))
			attempt++
			if !c.reconnectWait(ctx, attempt) {
				return
			}
			continue
		}

		attempt = 0
		err = c.serve(ctx, conn)
		if ctx.Err() != nil {
			c.handlersSnapshot().onClose(nil)
			return
		}
		c.handlersSnapshot().onClose(err)
		attempt++
		if !c.reconnectWait(ctx, attempt) {
			return
		}
	}
}

func (c *PushClient) reconnectWait(ctx context.Context, attempt int) bool {
	logs.Infof("binance stream reconnecting, attempt: %d, wait: %s", attempt, c.cfg.Backoff.Next(attempt))
	c.handlersSnapshot().onReconnecting(attempt)
	return c.cfg.Backoff.Sleep(ctx, attempt)
}

// serve owns one connection until it fails or ctx is done.
func (c *PushClient) serve(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	c.mu.Lock()
	c.conn = conn
	streams := make([]string, 0, len(c.subs))
	for stream := range c.subs {
		streams = append(streams, stream)
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
	}()

	handlers := c.handlersSnapshot()
	handlers.onOpen()
	if len(streams) > 0 {
		if err := c.send(conn, "SUBSCRIBE", streams); err != nil {
			return err
		}
	}
	handlers.onAuthenticated()

	pingDone := make(chan struct{})
	defer close(pingDone)
	go c.pingLoop(ctx, conn, pingDone)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "read stream")
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		c.dispatch(data)
	}
}

func (c *PushClient) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *PushClient) dispatch(data []byte) {
	var env streamEnvelope
	if err := sonic.ConfigFastest.Unmarshal(data, &env); err != nil {
		c.handlersSnapshot().onError(errors.Wrapf(exception.ErrFeedBadPayload, "decode stream message: %v", err))
		return
	}
	if env.Error != nil {
		c.handlersSnapshot().onError(errors.Errorf("stream request %v failed, code: %d, msg: %s", env.ID, env.Error.Code, env.Error.Msg))
		return
	}
	channel, ok := eventChannels[env.Event]
	if !ok {
		return
	}

	var payload streamTicker
	if err := sonic.ConfigFastest.Unmarshal(data, &payload); err != nil {
		c.handlersSnapshot().onError(errors.Wrapf(exception.ErrFeedBadPayload, "decode ticker: %v", err))
		return
	}
	c.mu.Lock()
	handler := c.subs[streamName(channel, payload.Symbol)]
	c.mu.Unlock()
	if handler != nil {
		handler(payload.tick())
	}
}

func (c *PushClient) send(conn *websocket.Conn, method string, streams []string) error {
	data, err := sonic.ConfigFastest.Marshal(streamRequest{Method: method, Params: streams, ID: c.reqID.Add(1)})
	if err != nil {
		return errors.Wrap(err, "marshal stream request")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrapf(err, "%s %v", strings.ToLower(method), streams)
	}
	return nil
}

func (c *PushClient) handlersSnapshot() handlerSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return handlerSet(c.handlers)
}

// handlerSet calls optional handlers.
type handlerSet feed.ConnectionHandlers

func (h handlerSet) onOpen() {
	if h.OnOpen != nil {
		h.OnOpen()
	}
}

func (h handlerSet) onAuthenticated() {
	if h.OnAuthenticated != nil {
		h.OnAuthenticated()
	}
}

func (h handlerSet) onClose(err error) {
	if h.OnClose != nil {
		h.OnClose(err)
	}
}

func (h handlerSet) onError(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

func (h handlerSet) onReconnecting(attempt int) {
	if h.OnReconnecting != nil {
		h.OnReconnecting(attempt)
	}
}

// channelEvents maps the stream channels that carry ticker fields to the
// event type Binance tags them with.
var channelEvents = map[string]string{
	"ticker":     "24hrTicker",
	"miniTicker": "24hrMiniTicker",
}

var eventChannels = func() map[string]string {
	m := make(map[string]string, len(channelEvents))
	for channel, event := range channelEvents {
		m[event] = channel
	}
	return m
}()

func channelOrDefault(channel string) string {
	if channel == "" {
		return "ticker"
	}
	return channel
}

func streamName(channel, symbol string) string {
	symbol = strings.ToLower(feed.NormalizeSymbol(symbol))
	if symbol == "" {
		return ""
	}
	return symbol + "@" + channelOrDefault(channel)
}
