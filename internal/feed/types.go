package feed

import (
	"context"
	"time"

	"tradeguard/internal/health"
)

// Tick is the normalized market data shape shared by both feeds.
type Tick struct {
	Symbol           string    `json:"symbol"`
	Timestamp        time.Time `json:"timestamp"`
	Price            float64   `json:"price"`
	Bid              float64   `json:"bid"`
	Ask              float64   `json:"ask"`
	Volume24h        float64   `json:"volume24h"`
	ChangePercent24h float64   `json:"changePercent24h"`
	High24h          float64   `json:"high24h"`
	Low24h           float64   `json:"low24h"`
}

// Spread returns ask - bid, or 0 when either side is missing.
func (t Tick) Spread() float64 {
	if t.Bid <= 0 || t.Ask <= 0 {
		return 0
	}
	return t.Ask - t.Bid
}

// Update is a merged tick delivered to subscribers.
type Update struct {
	Symbol string        `json:"symbol"`
	Tick   Tick          `json:"tick"`
	Source health.Source `json:"source"`
}

// EventType is a coordinator lifecycle event kind.
type EventType uint8

const (
	EventConnected EventType = iota + 1
	EventAuthenticated
	EventDisconnected
	EventReconnecting
	EventSwitch
	EventError
	EventSymbolAdded
	EventSymbolRemoved
)

func (e EventType) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventAuthenticated:
		return "authenticated"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventSwitch:
		return "switch"
	case EventError:
		return "error"
	case EventSymbolAdded:
		return "symbol_added"
	case EventSymbolRemoved:
		return "symbol_removed"
	default:
		return "unknown"
	}
}

func (e EventType) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// Event is a discrete coordinator lifecycle event.
type Event struct {
	Seq     uint64        `json:"seq"`
	Type    EventType     `json:"type"`
	Time    time.Time     `json:"time"`
	Symbol  string        `json:"symbol,omitempty"`
	From    health.Source `json:"from"`
	To      health.Source `json:"to"`
	Attempt int           `json:"attempt,omitempty"`
	Err     string        `json:"err,omitempty"`
}

// ConnectionHandlers receive push feed lifecycle callbacks.
type ConnectionHandlers struct {
	OnOpen          func()
	OnAuthenticated func()
	OnClose         func(err error)
	OnError         func(err error)
	OnReconnecting  func(attempt int)
}

// PushClient is a streaming market data client. Connect starts the
// connection in the background; lifecycle is reported through handlers.
// Subscriptions survive reconnects.
type PushClient interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, channel, symbol string, handler func(Tick)) error
	Unsubscribe(ctx context.Context, channel, symbol string) error
	SetHandlers(handlers ConnectionHandlers)
	Close() error
}

// PollClient is a request-response market data client.
type PollClient interface {
	LatestTick(ctx context.Context, symbol string) (Tick, error)
}
