package status

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"tradeguard/internal/feed"
	"tradeguard/internal/health"
	"tradeguard/internal/risk"
	"tradeguard/internal/state"
)

type stateResponse struct {
	health.View
	CurrentSource      health.Source `json:"currentSource"`
	DataAgeMs          int64         `json:"dataAgeMs"`
	ConnectionDuration string        `json:"connectionDuration"`
	Symbols            []string      `json:"symbols"`
}

type admissionRequest struct {
	Proposal risk.Proposal `json:"proposal"`
	Metrics  struct {
		Liquidity               string  `json:"liquidity"`
		LiquidityDepth          float64 `json:"liquidityDepth"`
		Volatility              string  `json:"volatility"`
		VolatilityPercent       float64 `json:"volatilityPercent"`
		FeedLatencyMs           int64   `json:"feedLatencyMs"`
		ExpectedSlippagePercent float64 `json:"expectedSlippagePercent"`
	} `json:"metrics"`
	Size  float64 `json:"size"`
	Price float64 `json:"price"`
}

type closeRequest struct {
	Price  float64           `json:"price"`
	Reason state.CloseReason `json:"reason"`
}

type closeResponse struct {
	Position state.Position `json:"position"`
	Closed   bool           `json:"closed"`
}

func (s *Server) getHealthz(c *gin.Context) {
	view := s.market.Health()
	code := http.StatusOK
	if view.OverallHealth != health.Healthy && view.OverallHealth != health.Degraded {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"health": view.OverallHealth,
		"source": view.PrimarySource,
	})
}

func (s *Server) getState(c *gin.Context) {
	now := s.now()
	view := s.market.Health()
	resp := stateResponse{
		View:               view,
		CurrentSource:      s.market.CurrentSource(),
		ConnectionDuration: view.ConnectionDuration(now).Round(time.Millisecond).String(),
		Symbols:            s.market.Symbols(),
		DataAgeMs:          -1,
	}
	if age := view.DataAge(now); age < time.Duration(1<<62) {
		resp.DataAgeMs = age.Milliseconds()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getMarket(c *gin.Context) {
	c.JSON(http.StatusOK, s.market.Snapshot())
}

func (s *Server) getSymbol(c *gin.Context) {
	symbol := feed.NormalizeSymbol(c.Param("symbol"))
	tick, ok := s.market.MarketData(symbol)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no market data for " + symbol})
		return
	}
	c.JSON(http.StatusOK, tick)
}

func (s *Server) getPositions(c *gin.Context) {
	c.JSON(http.StatusOK, s.book.OpenPositions())
}

func (s *Server) getPosition(c *gin.Context) {
	p, ok := s.book.Position(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "position not found"})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.book.Stats())
}

func (s *Server) getLimits(c *gin.Context) {
	c.JSON(http.StatusOK, s.gate.Limits())
}

func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) postAdmission(c *gin.Context) {
	var req admissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.Proposal.Coin = feed.NormalizeSymbol(req.Proposal.Coin)
	m := risk.Metrics{
		Liquidity:               req.Metrics.Liquidity,
		LiquidityDepth:          req.Metrics.LiquidityDepth,
		Volatility:              req.Metrics.Volatility,
		VolatilityPercent:       req.Metrics.VolatilityPercent,
		FeedLatency:             time.Duration(req.Metrics.FeedLatencyMs) * time.Millisecond,
		ExpectedSlippagePercent: req.Metrics.ExpectedSlippagePercent,
	}
	price := req.Price
	if price <= 0 {
		if tick, ok := s.market.MarketData(req.Proposal.Coin); ok {
			price = tick.Price
		}
	}
	d := s.gate.CheckTradeAllowed(c.Request.Context(), req.Proposal, m, req.Size, price)
	c.JSON(http.StatusOK, d)
}

func (s *Server) postPosition(c *gin.Context) {
	var spec state.OpenSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	spec.Coin = feed.NormalizeSymbol(spec.Coin)
	p, err := s.book.OpenPosition(spec)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (s *Server) postClose(c *gin.Context) {
	var req closeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Reason == "" {
		req.Reason = state.CloseManual
	}
	p, closed := s.book.ClosePosition(c.Param("id"), req.Reason, req.Price)
	if p.ID == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "position not found"})
		return
	}
	c.JSON(http.StatusOK, closeResponse{Position: p, Closed: closed})
}
