package main

import (
	"context"
	"flag"
	"os"
	"sync"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/joho/godotenv"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"tradeguard/internal/account"
	"tradeguard/internal/app"
	"tradeguard/internal/feed"
	"tradeguard/internal/feed/binance"
	"tradeguard/internal/journal"
	"tradeguard/internal/ops"
	"tradeguard/internal/status"
	"tradeguard/pkg/conn"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to YAML or JSON config")
	configReload := flag.Duration("config-reload-interval", 2*time.Second, "Config reload interval (0=disable)")
	envFile := flag.String("env-file", ".env", "Optional dotenv file loaded before the config")
	recoverEnabled := flag.Bool("recover", false, "Recover open positions from the ledger snapshot")
	snapshotPath := flag.String("snapshot-path", "", "Ledger snapshot output (default: ledger.snapshotPath)")
	pyroscopeAddr := flag.String("pyroscope", "", "Pyroscope server address (empty=disable)")
	flag.Parse()

	if err := run(*configPath, *configReload, *envFile, *recoverEnabled, *snapshotPath, *pyroscopeAddr); err != nil {
		logs.Errorf("trader failed, err: %+v", err)
		os.Exit(1)
	}
}

func run(configPath string, reload time.Duration, envFile string, recoverEnabled bool, snapshotPath, pyroscopeAddr string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "load env file %s", envFile)
		}
	}

	loaded, err := ops.Load(configPath)
	if err != nil {
		return err
	}

	if pyroscopeAddr != "" {
		profiler, err := startProfiler(pyroscopeAddr)
		if err != nil {
			return err
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store account.Store = account.NewMemoryStore()
	if loaded.Features.EnableRedis {
		r := loaded.Account.Redis
		client, err := account.NewRedisClient(ctx, r.Addr, r.Password, r.DB)
		if err != nil {
			return err
		}
		defer client.Close()
		store = account.NewRedisStore(client, r.Key, r.TTL.Std())
	}

	var provider account.Provider = account.Unavailable{}
	if loaded.Account.Provider == ops.ProviderStatic {
		static := account.NewStatic(loaded.Account.Balance)
		static.SetPositions(loaded.Account.Positions)
		provider = static
	}

	var push feed.PushClient
	if loaded.Features.EnablePush {
		push = binance.NewPushClient(binance.PushConfig{URL: loaded.StreamURL})
	}

	core, err := app.New(app.Options{
		Config:   loaded,
		Push:     push,
		Poll:     binance.NewPollClient(loaded.RestURL, nil),
		Provider: provider,
		Store:    store,
		Recover:  recoverEnabled,
	})
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	if loaded.Features.EnableJournal {
		db, err := conn.New(ctx, loaded.Journal)
		if err != nil {
			return err
		}
		defer db.Close()
		j, err := journal.New(db.DB(), 0)
		if err != nil {
			return err
		}
		if err := j.Migrate(ctx); err != nil {
			return err
		}
		core.Ledger.OnClose(j.Hook())
		wg.Go(func() { j.Run(ctx) })
	}

	if err := core.Start(ctx); err != nil {
		return err
	}

	if loaded.Features.EnableStatus {
		server, err := status.NewServer(loaded.StatusAddr, core.Coordinator, core.Gate, core.Ledger, core.Metrics)
		if err != nil {
			return err
		}
		wg.Go(func() {
			if err := server.Run(ctx); err != nil {
				logs.Errorf("status server stopped, err: %+v", err)
			}
		})
	}

	if reload > 0 {
		wg.Go(func() { ops.Watch(ctx, configPath, reload, core.ApplyConfig) })
	}

	core.Coordinator.OnEvent(func(ev feed.Event) {
		if ev.Type == feed.EventSwitch {
			logs.Warnf("market data source %s -> %s", ev.From, ev.To)
		}
	})

	<-sys.Shutdown()
	logs.Info("shutdown signal received")

	cancel()
	if err := core.Stop(); err != nil {
		logs.Errorf("stop trading core, err: %+v", err)
	}
	wg.Wait()

	stats := core.Ledger.Stats()
	logs.Infof("final stats, open: %d, realized: %.4f, losses: %d, daily loss: %.2f%%",
		stats.OpenCount, stats.RealizedPnL, stats.ConsecutiveLosses, stats.DailyLossPercent)
	return core.SaveSnapshot(snapshotPath)
}

func startProfiler(addr string) (*pyroscope.Profiler, error) {
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: "tradeguard.trader",
		ServerAddress:   addr,
		Logger:          profilerLogger{},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "start pyroscope")
	}
	return profiler, nil
}

type profilerLogger struct{}

func (profilerLogger) Infof(string, ...any) {}
func (profilerLogger) Debugf(string, ...any) {}
func (profilerLogger) Errorf(format string, args ...any) {
	logs.Errorf("pyroscope: "+format, args...)
}
