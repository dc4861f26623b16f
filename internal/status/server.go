package status

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tradeguard/internal/feed"
	"tradeguard/internal/health"
	"tradeguard/internal/obs"
	"tradeguard/internal/risk"
	"tradeguard/internal/state"
)

// Market is the read side of the feed coordinator.
type Market interface {
	Health() health.View
	CurrentSource() health.Source
	MarketData(symbol string) (feed.Tick, bool)
	Snapshot() map[string]feed.Tick
	Symbols() []string
}

// Admission is the risk gate.
type Admission interface {
	CheckTradeAllowed(ctx context.Context, p risk.Proposal, m risk.Metrics, size, price float64) risk.Decision
	Limits() risk.Limits
}

// Book is the position ledger.
type Book interface {
	OpenPosition(spec state.OpenSpec) (state.Position, error)
	ClosePosition(id string, reason state.CloseReason, price float64) (state.Position, bool)
	Position(id string) (state.Position, bool)
	OpenPositions() []state.Position
	Stats() state.Stats
}

// Server exposes health, market, position and admission endpoints.
type Server struct {
	addr    string
	engine  *gin.Engine
	market  Market
	gate    Admission
	book    Book
	metrics *obs.Metrics
	now     func() time.Time
}

// NewServer builds the router. Call Run to serve.
func NewServer(addr string, market Market, gate Admission, book Book, metrics *obs.Metrics) (*Server, error) {
	if market == nil || gate == nil || book == nil {
		return nil, errors.New("status: market, gate and book are required")
	}
	s := &Server{
		addr:    addr,
		engine:  gin.New(),
		market:  market,
		gate:    gate,
		book:    book,
		metrics: metrics,
		now:     time.Now,
	}
	s.engine.Use(gin.Recovery(), requestLogger())
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.getHealthz)
	s.engine.GET("/state", s.getState)
	s.engine.GET("/market", s.getMarket)
	s.engine.GET("/market/:symbol", s.getSymbol)
	s.engine.GET("/positions", s.getPositions)
	s.engine.GET("/positions/:id", s.getPosition)
	s.engine.GET("/stats", s.getStats)
	s.engine.GET("/limits", s.getLimits)
	s.engine.GET("/metrics", s.getMetrics)

	s.engine.POST("/admission", s.postAdmission)
	s.engine.POST("/positions", s.postPosition)
	s.engine.POST("/positions/:id/close", s.postClose)
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logs.Infof("status server listening: %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "status server")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutdown status server")
		}
		return nil
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if status := c.Writer.Status(); status >= http.StatusInternalServerError {
			logs.Errorf("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, status, time.Since(start))
		}
	}
}
