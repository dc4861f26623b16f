package exception

import "github.com/yanun0323/errors"

// Feed errors
var (
	ErrFeedAlreadyRunning = errors.New("feed: coordinator already running")
	ErrFeedNotRunning     = errors.New("feed: coordinator not running")
	ErrFeedNilPollClient  = errors.New("feed: nil poll client")
	ErrFeedNilTracker     = errors.New("feed: nil health tracker")
	ErrFeedEmptySymbol    = errors.New("feed: empty symbol")
	ErrFeedInvalidPrice   = errors.New("feed: invalid price")
	ErrFeedNotConnected   = errors.New("feed: push client not connected")
	ErrFeedBadPayload     = errors.New("feed: malformed payload")
	ErrFeedStatus         = errors.New("feed: unexpected response status")

	ErrFeedUnsupportedChannel = errors.New("feed: unsupported stream channel")
)
