package ops

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeguard/pkg/exception"
)

const yamlConfig = `
symbols: [btcusdt, ETH-USDT, BTCUSDT]
feed:
  pollInterval: 1500ms
  channel: ticker
health:
  pushStaleThreshold: 2s
  silentDisconnectThreshold: 6s
risk:
  maxHoldingTime:
    1m: 2m
    1h: 2h
  maxConcurrentPositions: 0
  maxExposurePercent: 25
  maxFeedLatency: 3s
  fallbackCapital: 1000
  accountTimeout: 1s
ledger:
  evictAfter: 30s
  snapshotPath: /tmp/positions.json
account:
  provider: static
  balance: 10000
  positions:
    - symbol: SOLUSDT
      size: -2
      lastPrice: 150
journal:
  host: db
  user: trader
  password: ${TRADEGUARD_TEST_PG_PASSWORD}
  database: trades
features:
  enableJournal: true
  enableStatus: true
`

func TestLoadYAML(t *testing.T) {
	t.Setenv("TRADEGUARD_TEST_PG_PASSWORD", "s3cret")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlConfig), 0o644))

	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, loaded.Symbols)
	assert.Equal(t, 1500*time.Millisecond, loaded.Feed.PollInterval)
	assert.Equal(t, 2*time.Second, loaded.Health.PushStaleThreshold)
	assert.Equal(t, 6*time.Second, loaded.Health.SilentDisconnectThreshold)

	assert.Equal(t, 2*time.Minute, loaded.Limits.MaxHoldingTime["1m"])
	assert.Equal(t, 2*time.Hour, loaded.Limits.MaxHoldingTime["1h"])
	assert.Equal(t, 0, loaded.Limits.MaxConcurrentPositions)
	assert.Equal(t, 3, loaded.Limits.ConsecutiveLossLimit)
	assert.Equal(t, 25.0, loaded.Limits.MaxExposurePercent)
	assert.Equal(t, 3*time.Second, loaded.Limits.MaxFeedLatency)
	assert.Equal(t, 1000.0, loaded.Limits.FallbackCapital)
	assert.Equal(t, time.Second, loaded.AccountTimeout)

	assert.Equal(t, 30*time.Second, loaded.Ledger.EvictAfter)
	assert.Equal(t, loaded.Limits.MaxHoldingTime, loaded.Ledger.MaxHoldingTime)
	assert.Equal(t, "/tmp/positions.json", loaded.SnapshotPath)

	assert.Equal(t, ProviderStatic, loaded.Account.Provider)
	require.Len(t, loaded.Account.Positions, 1)
	assert.Equal(t, 300.0, loaded.Account.Positions[0].Notional())
	assert.Equal(t, defaultAccountPollInterval, loaded.Account.PollInterval)

	assert.Equal(t, "s3cret", loaded.Journal.Password)
	assert.Equal(t, defaultStatusAddr, loaded.StatusAddr)
	assert.Equal(t, FeatureFlags{EnablePush: true, EnableJournal: true, EnableStatus: true}, loaded.Features)
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"symbols": ["BTCUSDT"],
		"feed": {"pollInterval": "500ms", "healthInterval": 250000000},
		"risk": {"killSwitch": true},
		"features": {"enablePush": false}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, loaded.Feed.PollInterval)
	assert.Equal(t, 250*time.Millisecond, loaded.Feed.HealthInterval)
	assert.True(t, loaded.Feed.DisablePush)
	assert.True(t, loaded.Limits.AllowPollOnly)
	assert.True(t, loaded.Limits.KillSwitch)
}

func TestResolveErrors(t *testing.T) {
	negative := -1
	tests := []struct {
		name string
		cfg  FileConfig
	}{
		{"no symbols", FileConfig{}},
		{"blank symbols", FileConfig{Symbols: []string{" ", "-"}}},
		{"negative limit", FileConfig{Symbols: []string{"BTCUSDT"}, Risk: RiskConfig{MaxConcurrentPositions: &negative}}},
		{"silent below stale", FileConfig{Symbols: []string{"BTCUSDT"}, Health: HealthConfig{
			PushStaleThreshold: Duration(5 * time.Second), SilentDisconnectThreshold: Duration(time.Second)}}},
		{"unknown provider", FileConfig{Symbols: []string{"BTCUSDT"}, Account: AccountConfig{Provider: "exchange"}}},
		{"journal without db", FileConfig{Symbols: []string{"BTCUSDT"}, Features: FeatureFlagsConfig{EnableJournal: boolPtr(true)}}},
		{"latency below poll age", FileConfig{Symbols: []string{"BTCUSDT"},
			Feed: FeedConfig{PollInterval: Duration(2 * time.Second), PollTimeout: Duration(time.Second)},
			Risk: RiskConfig{MaxFeedLatency: Duration(2 * time.Second)}}},
		{"redis without addr", FileConfig{Symbols: []string{"BTCUSDT"}, Features: FeatureFlagsConfig{EnableRedis: boolPtr(true)}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Resolve(tc.cfg); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestParseUnsupportedFormat(t *testing.T) {
	_, err := Parse([]byte("x=1"), ".toml")
	assert.ErrorIs(t, err, exception.ErrInvalidConfig)
}

func TestDurationParse(t *testing.T) {
	_, err := Parse([]byte(`{"feed":{"pollInterval":"soon"}}`), ".json")
	assert.Error(t, err)
	_, err = Parse([]byte(`{"feed":{"pollInterval":true}}`), ".json")
	assert.Error(t, err)

	data, err := Duration(1500 * time.Millisecond).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1.5s"`, string(data))
}

func TestWatchReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"symbols":["BTCUSDT"]}`), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu     sync.Mutex
		latest []Loaded
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		Watch(ctx, path, 10*time.Millisecond, func(l Loaded) {
			mu.Lock()
			latest = append(latest, l)
			mu.Unlock()
		})
	}()

	future := time.Now().Add(time.Minute)
	require.NoError(t, os.WriteFile(path, []byte(`{"symbols":["BTCUSDT"],"risk":{"killSwitch":true}}`), 0o644))
	require.NoError(t, os.Chtimes(path, future, future))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(latest) == 1 && latest[0].Limits.KillSwitch
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func boolPtr(v bool) *bool { return &v }
