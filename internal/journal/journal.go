package journal

import (
	"context"
	"sync"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tradeguard/internal/state"
)

const (
	defaultQueueSize    = 256
	defaultWriteTimeout = 5 * time.Second
)

// Trade is a closed position row.
type Trade struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	PositionID  string    `gorm:"size:64;uniqueIndex" json:"positionId"`
	Coin        string    `gorm:"size:32;index" json:"coin"`
	Side        string    `gorm:"size:8" json:"side"`
	Timeframe   string    `gorm:"size:8" json:"timeframe"`
	SignalID    string    `gorm:"size:64" json:"signalId,omitempty"`
	EntryPrice  float64   `json:"entryPrice"`
	ExitPrice   float64   `json:"exitPrice"`
	Size        float64   `json:"size"`
	StopLoss    float64   `json:"stopLoss"`
	TakeProfit  float64   `json:"takeProfit"`
	PnL         float64   `json:"pnl"`
	CloseReason string    `gorm:"size:32;index" json:"closeReason"`
	OpenedAt    time.Time `json:"openedAt"`
	ClosedAt    time.Time `gorm:"index" json:"closedAt"`
	CreatedAt   time.Time `json:"-"`
}

func (Trade) TableName() string {
	return "trades"
}

// FromPosition converts a closed ledger position into a row.
func FromPosition(p state.Position) Trade {
	return Trade{
		PositionID:  p.ID,
		Coin:        p.Coin,
		Side:        string(p.Side),
		Timeframe:   p.Timeframe,
		SignalID:    p.SignalID,
		EntryPrice:  p.EntryPrice,
		ExitPrice:   p.ClosePrice,
		Size:        p.Size,
		StopLoss:    p.StopLoss,
		TakeProfit:  p.TakeProfit,
		PnL:         p.PnL,
		CloseReason: string(p.CloseReason),
		OpenedAt:    p.EntryTime.UTC(),
		ClosedAt:    p.CloseTime.UTC(),
	}
}

// Journal persists closed positions. Hook enqueues without blocking the
// ledger; Run drains the queue.
type Journal struct {
	db     *gorm.DB
	insert func(ctx context.Context, trade *Trade) error
	queue  chan Trade

	mu      sync.Mutex
	dropped uint64
}

// New creates a journal on db. queueSize <= 0 uses the default.
func New(db *gorm.DB, queueSize int) (*Journal, error) {
	if db == nil {
		return nil, errors.New("journal: nil db")
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	j := &Journal{db: db, queue: make(chan Trade, queueSize)}
	j.insert = j.create
	return j, nil
}

// Migrate creates or updates the trades table.
func (j *Journal) Migrate(ctx context.Context) error {
	if err := j.db.WithContext(ctx).AutoMigrate(&Trade{}); err != nil {
		return errors.Wrap(err, "migrate trades")
	}
	return nil
}

// Record writes one closed position. Open positions are rejected.
func (j *Journal) Record(ctx context.Context, p state.Position) error {
	if !p.Closed {
		return errors.Errorf("journal: position %s is still open", p.ID)
	}
	trade := FromPosition(p)
	return j.insert(ctx, &trade)
}

// Hook returns a ledger close hook.
func (j *Journal) Hook() func(state.Position) {
	return func(p state.Position) {
		if !p.Closed {
			return
		}
		select {
		case j.queue <- FromPosition(p):
		default:
			j.mu.Lock()
			j.dropped++
			j.mu.Unlock()
			logs.Errorf("journal queue full, drop trade %s", p.ID)
		}
	}
}

// Dropped returns how many trades were dropped on a full queue.
func (j *Journal) Dropped() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.dropped
}

// Run writes queued trades until ctx is done, then flushes what is left.
func (j *Journal) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			j.flush()
			return
		case trade := <-j.queue:
			j.write(context.Background(), trade)
		}
	}
}

// Recent returns the latest trades, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	var trades []Trade
	err := j.db.WithContext(ctx).Order("closed_at DESC").Limit(limit).Find(&trades).Error
	if err != nil {
		return nil, errors.Wrap(err, "query trades")
	}
	return trades, nil
}

func (j *Journal) flush() {
	for {
		select {
		case trade := <-j.queue:
			j.write(context.Background(), trade)
		default:
			return
		}
	}
}

func (j *Journal) write(parent context.Context, trade Trade) {
	ctx, cancel := context.WithTimeout(parent, defaultWriteTimeout)
	defer cancel()
	if err := j.insert(ctx, &trade); err != nil {
		logs.Errorf("journal trade %s, err: %+v", trade.PositionID, err)
	}
}

func (j *Journal) create(ctx context.Context, trade *Trade) error {
	err := j.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "position_id"}}, DoNothing: true}).
		Create(trade).Error
	if err != nil {
		return errors.Wrapf(err, "insert trade %s", trade.PositionID)
	}
	return nil
}
