package health

import (
	"math"
	"time"
)

// Source identifies which feed is trusted to update the merged market view.
type Source uint8

const (
	SourcePoll Source = iota
	SourcePush
	SourceDegraded
)

func (s Source) String() string {
	switch s {
	case SourcePush:
		return "push"
	case SourcePoll:
		return "poll"
	case SourceDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ConnectionState is the push feed lifecycle state.
type ConnectionState uint8

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateAuthenticated
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsConnected reports whether the socket is open.
func (s ConnectionState) IsConnected() bool {
	return s == StateConnected || s == StateAuthenticated
}

// Health is the overall resilience verdict.
type Health uint8

const (
	Disconnected Health = iota
	Healthy
	Degraded
	Unhealthy
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

func (h Health) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// unknownAge is reported for a feed that never delivered data.
const unknownAge = time.Duration(math.MaxInt64)

// FeedHealth is the raw health of a single feed.
type FeedHealth struct {
	Connected      bool          `json:"connected"`
	LastDataAt     time.Time     `json:"lastDataAt"`
	StaleThreshold time.Duration `json:"staleThreshold"`
}

// Age returns the time since the last data arrival.
func (f FeedHealth) Age(now time.Time) time.Duration {
	if f.LastDataAt.IsZero() {
		return unknownAge
	}
	age := now.Sub(f.LastDataAt)
	if age < 0 {
		return 0
	}
	return age
}

// Fresh reports whether data arrived within the stale threshold.
func (f FeedHealth) Fresh(now time.Time) bool {
	return !f.LastDataAt.IsZero() && f.Age(now) <= f.StaleThreshold
}

// Healthy reports connected && fresh.
func (f FeedHealth) Healthy(now time.Time) bool {
	return f.Connected && f.Fresh(now)
}

// View is the resilience snapshot. It is replaced whole on every recompute.
type View struct {
	PrimarySource       Source          `json:"primarySource"`
	OverallHealth       Health          `json:"overallHealth"`
	ConnectionState     ConnectionState `json:"connectionState"`
	LastPushDataAt      time.Time       `json:"lastPushDataAt"`
	LastPollDataAt      time.Time       `json:"lastPollDataAt"`
	IsStale             bool            `json:"isStale"`
	ConsecutiveFailures int             `json:"consecutiveFailures"`
	ReconnectAttempts   int             `json:"reconnectAttempts"`
	ConnectedSince      time.Time       `json:"connectedSince"`
	LastError           string          `json:"lastError,omitempty"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

// DataAge returns the age of the data behind the primary source.
// The degraded source is backed by the quiet push feed.
func (v View) DataAge(now time.Time) time.Duration {
	last := v.LastPollDataAt
	if v.PrimarySource != SourcePoll {
		last = v.LastPushDataAt
	}
	return FeedHealth{LastDataAt: last}.Age(now)
}

// ConnectionDuration returns how long the push socket has been up.
func (v View) ConnectionDuration(now time.Time) time.Duration {
	if v.ConnectedSince.IsZero() {
		return 0
	}
	return now.Sub(v.ConnectedSince)
}

func (v View) significantlyDiffers(other View) bool {
	return v.PrimarySource != other.PrimarySource ||
		v.OverallHealth != other.OverallHealth ||
		v.ConnectionState != other.ConnectionState ||
		v.IsStale != other.IsStale
}

// Change is emitted when a significant field of the view changes.
type Change struct {
	Old    View
	New    View
	Reason string
}
