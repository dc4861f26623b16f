package binance

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"

	"tradeguard/internal/feed"
	"tradeguard/pkg/exception"
)

const (
	DefaultRestURL     = "https://api.binance.com"
	defaultHTTPTimeout = 5 * time.Second
	maxErrorBody       = 512
)

// PollClient reads the 24h ticker over REST.
type PollClient struct {
	baseURL    string
	httpClient *http.Client
}

var _ feed.PollClient = (*PollClient)(nil)

// NewPollClient creates a REST client. httpClient may be nil.
func NewPollClient(baseURL string, httpClient *http.Client) *PollClient {
	if baseURL == "" {
		baseURL = DefaultRestURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &PollClient{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// LatestTick fetches the latest 24h ticker for a symbol.
func (c *PollClient) LatestTick(ctx context.Context, symbol string) (feed.Tick, error) {
	symbol = feed.NormalizeSymbol(symbol)
	if symbol == "" {
		return feed.Tick{}, exception.ErrFeedEmptySymbol
	}
	endpoint := c.baseURL + "/api/v3/ticker/24hr?" + url.Values{"symbol": {symbol}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return feed.Tick{}, errors.Wrap(err, "build ticker request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return feed.Tick{}, errors.Wrapf(err, "get ticker %s", symbol)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var apiErr apiError
		if sonic.ConfigFastest.Unmarshal(body, &apiErr) == nil && apiErr.Msg != "" {
			return feed.Tick{}, errors.Wrapf(exception.ErrFeedStatus, "status: %d, code: %d, msg: %s", resp.StatusCode, apiErr.Code, apiErr.Msg)
		}
		return feed.Tick{}, errors.Wrapf(exception.ErrFeedStatus, "status: %d, body: %s", resp.StatusCode, string(body))
	}

	var payload restTicker
	if err := sonic.ConfigFastest.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return feed.Tick{}, errors.Wrapf(exception.ErrFeedBadPayload, "decode ticker %s: %v", symbol, err)
	}
	tick := payload.tick()
	if tick.Symbol == "" {
		tick.Symbol = symbol
	}
	return tick, nil
}
