package push

import (
	"time"

	"github.com/riverbend/streamwatch/upstream"
)

// SessionState is a push connection's position in the state machine
// (spec §4.3).
type SessionState int

const (
	StateConnecting SessionState = iota
	StateConnected
	StateReconnecting
	StateDisconnected
	StateFailed
)

// IsConnected reports whether the session is currently usable for
// subscription traffic — used by the Supervisor's push-health check.
func (s SessionState) IsConnected() bool { return s == StateConnected }

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// subscriptionEntry is the Manager's in-memory record of one push
// subscription (spec §3's Subscription entity).
type subscriptionEntry struct {
	SubID     string
	ChannelID string
	Kind      upstream.EventKind
	SessionID string // owning session's upstream session-id
}

// Notification is the typed event the Manager emits to the Supervisor on
// notification receipt (spec §4.3 step 4).
type Notification struct {
	ChannelID string
	Kind      upstream.EventKind
	Title     string
	Thumbnail string
}

// Handler carries the Supervisor-side callbacks the Manager invokes.
// Mirrors the teacher's overseer.Handler shape: exported func fields
// instead of a bespoke observer interface.
type Handler struct {
	// OnNotification fires once per routed LIVE-STARTED/LIVE-ENDED event.
	OnNotification func(n Notification)
	// OnSessionStateChange fires whenever any session transitions state,
	// for observability and the Supervisor's push-health check.
	OnSessionStateChange func(sessionIdx int, state SessionState)
}

const (
	pingInterval = 60 * time.Second
	pongTimeout  = 10 * time.Second
)
