package binance

import (
	"time"

	"github.com/shopspring/decimal"

	"tradeguard/internal/feed"
)

// restTicker is the /api/v3/ticker/24hr response.
type restTicker struct {
	Symbol             string          `json:"symbol"`
	PriceChangePercent decimal.Decimal `json:"priceChangePercent"`
	LastPrice          decimal.Decimal `json:"lastPrice"`
	BidPrice           decimal.Decimal `json:"bidPrice"`
	AskPrice           decimal.Decimal `json:"askPrice"`
	Volume             decimal.Decimal `json:"volume"`
	HighPrice          decimal.Decimal `json:"highPrice"`
	LowPrice           decimal.Decimal `json:"lowPrice"`
	CloseTime          int64           `json:"closeTime"`
}

func (r restTicker) tick() feed.Tick {
	return feed.Tick{
		Symbol:           r.Symbol,
		Timestamp:        millis(r.CloseTime),
		Price:            r.LastPrice.InexactFloat64(),
		Bid:              r.BidPrice.InexactFloat64(),
		Ask:              r.AskPrice.InexactFloat64(),
		Volume24h:        r.Volume.InexactFloat64(),
		ChangePercent24h: r.PriceChangePercent.InexactFloat64(),
		High24h:          r.HighPrice.InexactFloat64(),
		Low24h:           r.LowPrice.InexactFloat64(),
	}
}

// streamTicker is the <symbol>@ticker and <symbol>@miniTicker stream event.
// Mini tickers carry no bid, ask or change percent.
type streamTicker struct {
	Event              string          `json:"e"`
	EventTime          int64           `json:"E"`
	Symbol             string          `json:"s"`
	PriceChangePercent decimal.Decimal `json:"P"`
	LastPrice          decimal.Decimal `json:"c"`
	BidPrice           decimal.Decimal `json:"b"`
	AskPrice           decimal.Decimal `json:"a"`
	Volume             decimal.Decimal `json:"v"`
	HighPrice          decimal.Decimal `json:"h"`
	LowPrice           decimal.Decimal `json:"l"`
}

func (s streamTicker) tick() feed.Tick {
	return feed.Tick{
		Symbol:           s.Symbol,
		Timestamp:        millis(s.EventTime),
		Price:            s.LastPrice.InexactFloat64(),
		Bid:              s.BidPrice.InexactFloat64(),
		Ask:              s.AskPrice.InexactFloat64(),
		Volume24h:        s.Volume.InexactFloat64(),
		ChangePercent24h: s.PriceChangePercent.InexactFloat64(),
		High24h:          s.HighPrice.InexactFloat64(),
		Low24h:           s.LowPrice.InexactFloat64(),
	}
}

// streamEnvelope covers both events and request acks.
type streamEnvelope struct {
	Event  string `json:"e"`
	Symbol string `json:"s"`
	ID     *int64 `json:"id"`
	Error  *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error"`
}

type streamRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// apiError is the REST error body.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func millis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
