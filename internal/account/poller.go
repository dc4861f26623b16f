package account

import (
	"context"
	"time"

	"github.com/yanun0323/logs"
)

const defaultPollInterval = 30 * time.Second

// Poller refreshes the account balance periodically and hands the equity
// to its sinks, typically the ledger and the last-known store.
type Poller struct {
	provider Provider
	store    Store
	interval time.Duration
	sinks    []func(equity float64)
}

// NewPoller creates a poller. store may be nil.
func NewPoller(provider Provider, store Store, interval time.Duration, sinks ...func(float64)) *Poller {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Poller{provider: provider, store: store, interval: interval, sinks: sinks}
}

// Run refreshes once immediately, then every interval until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	p.Refresh(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Refresh(ctx)
		}
	}
}

// Refresh performs one balance lookup. On failure the stored equity is
// handed to the sinks instead.
func (p *Poller) Refresh(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()

	balance, err := p.provider.Balance(ctx)
	if err != nil {
		logs.Errorf("refresh balance, err: %+v", err)
		if p.store == nil {
			return false
		}
		equity, err := p.store.LoadEquity(ctx)
		if err != nil || equity <= 0 {
			return false
		}
		p.publish(equity)
		return false
	}
	if balance.Total <= 0 {
		return false
	}
	if p.store != nil {
		if err := p.store.SaveEquity(ctx, balance.Total); err != nil {
			logs.Errorf("save equity, err: %+v", err)
		}
	}
	p.publish(balance.Total)
	return true
}

func (p *Poller) publish(equity float64) {
	for _, sink := range p.sinks {
		sink(equity)
	}
}
