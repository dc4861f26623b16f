package sim

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"tradeguard/internal/feed"
)

// ExchangeConfig controls the simulated exchange.
type ExchangeConfig struct {
	// Interval is the stream push period.
	Interval time.Duration
}

// Exchange serves generator prices over a Binance compatible REST endpoint
// and ticker stream, so the real clients can run against it.
type Exchange struct {
	gen      *Generator
	chaos    *Chaos
	cfg      ExchangeConfig
	engine   *gin.Engine
	upgrader websocket.Upgrader
	paused   atomic.Bool
	now      func() time.Time

	mu    sync.Mutex
	conns map[*streamConn]struct{}
}

type streamConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	mu      sync.Mutex
	streams map[string]struct{}
}

type restTickerBody struct {
	Symbol             string `json:"symbol"`
	PriceChangePercent string `json:"priceChangePercent"`
	LastPrice          string `json:"lastPrice"`
	BidPrice           string `json:"bidPrice"`
	AskPrice           string `json:"askPrice"`
	Volume             string `json:"volume"`
	HighPrice          string `json:"highPrice"`
	LowPrice           string `json:"lowPrice"`
	CloseTime          int64  `json:"closeTime"`
}

type streamTickerBody struct {
	Event              string `json:"e"`
	EventTime          int64  `json:"E"`
	Symbol             string `json:"s"`
	PriceChangePercent string `json:"P"`
	LastPrice          string `json:"c"`
	BidPrice           string `json:"b"`
	AskPrice           string `json:"a"`
	Volume             string `json:"v"`
	HighPrice          string `json:"h"`
	LowPrice           string `json:"l"`
}

type streamRequestBody struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// NewExchange creates an exchange. chaos may be nil.
func NewExchange(gen *Generator, chaos *Chaos, cfg ExchangeConfig) *Exchange {
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	e := &Exchange{
		gen:      gen,
		chaos:    chaos,
		cfg:      cfg,
		engine:   gin.New(),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		now:      time.Now,
		conns:    make(map[*streamConn]struct{}),
	}
	e.engine.Use(gin.Recovery())
	e.engine.GET("/api/v3/ticker/24hr", e.getTicker)
	e.engine.GET("/ws", e.serveStream)
	e.engine.POST("/admin/pause", func(c *gin.Context) { e.Pause(); c.Status(http.StatusNoContent) })
	e.engine.POST("/admin/resume", func(c *gin.Context) { e.Resume(); c.Status(http.StatusNoContent) })
	e.engine.POST("/admin/drop", func(c *gin.Context) { e.DropConnections(); c.Status(http.StatusNoContent) })
	return e
}

// Handler returns the HTTP handler.
func (e *Exchange) Handler() http.Handler {
	return e.engine
}

// Pause keeps stream connections open but stops sending ticks.
func (e *Exchange) Pause() {
	e.paused.Store(true)
	logs.Info("sim exchange stream paused")
}

func (e *Exchange) Resume() {
	e.paused.Store(false)
	logs.Info("sim exchange stream resumed")
}

// DropConnections closes every stream connection.
func (e *Exchange) DropConnections() {
	e.mu.Lock()
	conns := make([]*streamConn, 0, len(e.conns))
	for sc := range e.conns {
		conns = append(conns, sc)
	}
	e.mu.Unlock()
	for _, sc := range conns {
		_ = sc.conn.Close()
	}
	logs.Infof("sim exchange dropped %d stream connections", len(conns))
}

// Run pushes ticker events until ctx is done.
func (e *Exchange) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.DropConnections()
			return
		case now := <-ticker.C:
			if !e.paused.Load() {
				e.broadcast(now)
			}
		}
	}
}

func (e *Exchange) broadcast(now time.Time) {
	e.mu.Lock()
	conns := make([]*streamConn, 0, len(e.conns))
	wanted := make(map[string]struct{})
	for sc := range e.conns {
		conns = append(conns, sc)
		sc.mu.Lock()
		for stream := range sc.streams {
			wanted[stream] = struct{}{}
		}
		sc.mu.Unlock()
	}
	e.mu.Unlock()

	for stream := range wanted {
		symbol := strings.ToUpper(strings.TrimSuffix(stream, "@ticker"))
		tick, ok := e.gen.Next(symbol, now)
		if !ok {
			continue
		}
		for _, t := range e.chaos.Process(tick) {
			data, err := sonic.ConfigFastest.Marshal(streamBody(t))
			if err != nil {
				logs.Errorf("marshal sim ticker, err: %+v", err)
				continue
			}
			for _, sc := range conns {
				if sc.subscribed(stream) {
					_ = sc.write(data)
				}
			}
		}
	}
}

func (e *Exchange) getTicker(c *gin.Context) {
	symbol := feed.NormalizeSymbol(c.Query("symbol"))
	if e.chaos.Drop() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": -1001, "msg": "Internal error; unable to process your request."})
		return
	}
	tick, ok := e.gen.Peek(symbol, e.now())
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"code": -1121, "msg": "Invalid symbol."})
		return
	}
	c.JSON(http.StatusOK, restTickerBody{
		Symbol:             tick.Symbol,
		PriceChangePercent: num(tick.ChangePercent24h),
		LastPrice:          num(tick.Price),
		BidPrice:           num(tick.Bid),
		AskPrice:           num(tick.Ask),
		Volume:             num(tick.Volume24h),
		HighPrice:          num(tick.High24h),
		LowPrice:           num(tick.Low24h),
		CloseTime:          tick.Timestamp.UnixMilli(),
	})
}

func (e *Exchange) serveStream(c *gin.Context) {
	conn, err := e.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logs.Errorf("upgrade sim stream, err: %+v", err)
		return
	}
	sc := &streamConn{conn: conn, streams: make(map[string]struct{})}
	e.mu.Lock()
	e.conns[sc] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.conns, sc)
		e.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req streamRequestBody
		if err := sonic.ConfigFastest.Unmarshal(data, &req); err != nil {
			_ = sc.writeJSON(gin.H{"error": gin.H{"code": 3, "msg": "Invalid JSON"}})
			continue
		}
		switch strings.ToUpper(req.Method) {
		case "SUBSCRIBE":
			sc.update(req.Params, true)
		case "UNSUBSCRIBE":
			sc.update(req.Params, false)
		default:
			_ = sc.writeJSON(gin.H{"id": req.ID, "error": gin.H{"code": 2, "msg": "Invalid request"}})
			continue
		}
		_ = sc.writeJSON(gin.H{"result": nil, "id": req.ID})
	}
}

func (sc *streamConn) update(streams []string, add bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for _, s := range streams {
		s = strings.ToLower(s)
		if add {
			sc.streams[s] = struct{}{}
		} else {
			delete(sc.streams, s)
		}
	}
}

func (sc *streamConn) subscribed(stream string) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	_, ok := sc.streams[stream]
	return ok
}

func (sc *streamConn) writeJSON(v any) error {
	data, err := sonic.ConfigFastest.Marshal(v)
	if err != nil {
		return err
	}
	return sc.write(data)
}

func (sc *streamConn) write(data []byte) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	_ = sc.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return sc.conn.WriteMessage(websocket.TextMessage, data)
}

func streamBody(t feed.Tick) streamTickerBody {
	return streamTickerBody{
		Event:              "24hrTicker",
		EventTime:          t.Timestamp.UnixMilli(),
		Symbol:             t.Symbol,
		PriceChangePercent: num(t.ChangePercent24h),
		LastPrice:          num(t.Price),
		BidPrice:           num(t.Bid),
		AskPrice:           num(t.Ask),
		Volume:             num(t.Volume24h),
		HighPrice:          num(t.High24h),
		LowPrice:           num(t.Low24h),
	}
}

func num(v float64) string {
	return decimal.NewFromFloat(v).Round(8).String()
}
