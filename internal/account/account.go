package account

import (
	"context"
	"math"
	"sync"

	"tradeguard/pkg/exception"
)

// Balance is the account equity.
type Balance struct {
	Total     float64 `json:"total"`
	Available float64 `json:"available"`
}

// Position is a position held on the exchange outside the ledger.
type Position struct {
	Symbol    string  `json:"symbol" yaml:"symbol"`
	Size      float64 `json:"size" yaml:"size"`
	LastPrice float64 `json:"lastPrice" yaml:"lastPrice"`
}

// Notional returns the absolute marked value.
func (p Position) Notional() float64 {
	return math.Abs(p.Size) * p.LastPrice
}

// Provider reads live account state. Both calls may fail.
type Provider interface {
	Balance(ctx context.Context) (Balance, error)
	Positions(ctx context.Context) ([]Position, error)
}

// Static is an in-memory provider, used for paper runs and tests.
type Static struct {
	mu        sync.RWMutex
	balance   Balance
	positions []Position
	err       error
}

// NewStatic creates a provider with a fixed balance.
func NewStatic(total float64) *Static {
	return &Static{balance: Balance{Total: total, Available: total}}
}

// SetBalance replaces the balance.
func (s *Static) SetBalance(b Balance) {
	s.mu.Lock()
	s.balance = b
	s.mu.Unlock()
}

// SetPositions replaces the external positions.
func (s *Static) SetPositions(positions []Position) {
	s.mu.Lock()
	s.positions = append([]Position(nil), positions...)
	s.mu.Unlock()
}

// SetError makes every call fail with err until cleared with nil.
func (s *Static) SetError(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *Static) Balance(ctx context.Context) (Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return Balance{}, s.err
	}
	if err := ctx.Err(); err != nil {
		return Balance{}, err
	}
	return s.balance, nil
}

func (s *Static) Positions(ctx context.Context) ([]Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]Position(nil), s.positions...), nil
}

// Unavailable is a provider that always fails, for deployments without
// an account endpoint.
type Unavailable struct{}

func (Unavailable) Balance(context.Context) (Balance, error) {
	return Balance{}, exception.ErrAccountUnavailable
}

func (Unavailable) Positions(context.Context) ([]Position, error) {
	return nil, exception.ErrAccountUnavailable
}
