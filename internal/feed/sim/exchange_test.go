package sim

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeguard/internal/feed"
	"tradeguard/internal/feed/binance"
	"tradeguard/pkg/backoff"
	"tradeguard/pkg/exception"
)

func newExchange(t *testing.T, chaos *Chaos) (*Exchange, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ex := NewExchange(newGenerator(t), chaos, ExchangeConfig{Interval: 10 * time.Millisecond})
	srv := httptest.NewServer(ex.Handler())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ex.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})
	return ex, srv
}

func TestExchangeServesRestTicker(t *testing.T) {
	_, srv := newExchange(t, nil)
	client := binance.NewPollClient(srv.URL, srv.Client())

	tick, err := client.LatestTick(context.Background(), "eth-usdt")
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", tick.Symbol)
	assert.InDelta(t, 10.0, tick.Price, 1e-8)
	assert.Less(t, tick.Bid, tick.Ask)

	_, err = client.LatestTick(context.Background(), "DOGEUSDT")
	assert.ErrorIs(t, err, exception.ErrFeedStatus)
}

func TestExchangeRestDrop(t *testing.T) {
	chaos, err := NewChaos(ChaosConfig{Seed: 1, DropRate: 1})
	require.NoError(t, err)
	_, srv := newExchange(t, chaos)

	_, err = binance.NewPollClient(srv.URL, srv.Client()).LatestTick(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, exception.ErrFeedStatus)
}

func TestExchangeStreamsToPushClient(t *testing.T) {
	ex, srv := newExchange(t, nil)

	var opened, ticks atomic.Int64
	client := binance.NewPushClient(binance.PushConfig{
		URL:     "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		Backoff: backoff.Backoff{Min: 10 * time.Millisecond, Max: 50 * time.Millisecond},
	})
	client.SetHandlers(feed.ConnectionHandlers{
		OnAuthenticated: func() { opened.Add(1) },
	})
	require.NoError(t, client.Subscribe(context.Background(), "ticker", "BTCUSDT", func(tick feed.Tick) {
		if tick.Symbol == "BTCUSDT" && tick.Price > 0 {
			ticks.Add(1)
		}
	}))
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, 3*time.Second, 5*time.Millisecond)

	ex.Pause()
	time.Sleep(50 * time.Millisecond)
	paused := ticks.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, paused, ticks.Load())
	ex.Resume()

	ex.DropConnections()
	require.Eventually(t, func() bool { return opened.Load() >= 2 }, 3*time.Second, 5*time.Millisecond)
	after := ticks.Load()
	require.Eventually(t, func() bool { return ticks.Load() > after }, 3*time.Second, 5*time.Millisecond)
}
