package push

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	reconnectBaseDelay = 2 * time.Second
	reconnectFactor    = 1.5
	reconnectCap       = 300 * time.Second
	maxReconnectTries  = 15
)

// inbound is the superset of frames the push transport can send.
type inbound struct {
	Type string `json:"type"`

	// session_welcome / session_reconnect
	Session *struct {
		ID           string `json:"id"`
		ReconnectURL string `json:"reconnect_url,omitempty"`
	} `json:"session,omitempty"`

	// notification
	Subscription *struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"subscription,omitempty"`
	Event *struct {
		BroadcasterUserID string `json:"broadcaster_user_id"`
		Title             string `json:"title,omitempty"`
		ThumbnailURL      string `json:"thumbnail_url,omitempty"`
	} `json:"event,omitempty"`

	// revocation
	SubscriptionID string `json:"subscription_id,omitempty"`
}

// sessionHandler carries the Manager-side callbacks a session invokes.
// Mirrors the teacher overseer.Handler shape.
type sessionHandler struct {
	onStateChange  func(idx int, s SessionState)
	onWelcome      func(idx int, sessionID string)
	onNotification func(idx int, subType, broadcasterID, title, thumbnail string)
	onRevocation   func(idx int, subID string)
}

// session is one of up to C parallel push connections (spec §4.3). Its
// Run method owns dial, reconnect backoff, liveness ping/pong, and frame
// dispatch — directly modeled on the teacher's overseer.Client.Run/
// connect/dispatch, generalized from a single persistent endpoint to a
// connection that can be redirected mid-life by a session_reconnect
// frame.
type session struct {
	idx       int
	dialURL   string // initial URL; overwritten by a cached reconnect-url
	handler   sessionHandler
	dialer    *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	state     SessionState
	sessionID string

	lastFrame atomic.Int64 // unix nanos of last frame received (any type)
}

func newSession(idx int, dialURL string, h sessionHandler) *session {
	return &session{
		idx:     idx,
		dialURL: dialURL,
		handler: h,
		dialer:  websocket.DefaultDialer,
	}
}

func (s *session) setState(st SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	if s.handler.onStateChange != nil {
		s.handler.onStateChange(s.idx, st)
	}
}

func (s *session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Run connects and reconnects until ctx is cancelled, following the
// DISCONNECTED → CONNECTING backoff (2s, factor 1.5, cap 300s, 15
// attempts then FAILED) from spec §4.3.
func (s *session) Run(ctx context.Context) {
	url := s.dialURL
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}

		s.setState(StateConnecting)
		conn, _, err := s.dialer.DialContext(ctx, url, http.Header{})
		if err != nil {
			attempt++
			if attempt >= maxReconnectTries {
				log.Printf("push: session[%d] failed after %d attempts: %v", s.idx, attempt, err)
				s.setState(StateFailed)
				return
			}
			delay := backoffDelay(attempt)
			log.Printf("push: session[%d] dial failed, retrying in %s: %v", s.idx, delay, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		reconnectURL, closedByReconnect := s.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		if closedByReconnect && reconnectURL != "" {
			// RECONNECTING → CONNECTING: dial the cached reconnect-url
			// once; the old session-id is discarded by the Manager the
			// moment the new session_welcome carries a different id.
			url = reconnectURL
			continue
		}

		s.setState(StateDisconnected)
		attempt++
		if attempt >= maxReconnectTries {
			s.setState(StateFailed)
			return
		}
		delay := backoffDelay(attempt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		url = s.dialURL // reconnect-url is one-time use only
	}
}

func backoffDelay(attempt int) time.Duration {
	d := float64(reconnectBaseDelay)
	for i := 1; i < attempt; i++ {
		d *= reconnectFactor
	}
	if d > float64(reconnectCap) {
		return reconnectCap
	}
	return time.Duration(d)
}

// serve owns one physical connection end-to-end: read loop, liveness
// ping/pong, and dispatch. Returns (reconnectURL, true) if the connection
// ended because a session_reconnect frame was processed.
func (s *session) serve(ctx context.Context, conn *websocket.Conn) (string, bool) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.lastFrame.Store(time.Now().UnixNano())

	livenessCtx, cancelLiveness := context.WithCancel(ctx)
	defer cancelLiveness()
	go s.livenessLoop(livenessCtx, conn)

	defer func() {
		conn.Close()
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
	}()

	var reconnectURL string
	var gotReconnect bool

	for {
		if ctx.Err() != nil {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return "", false
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return reconnectURL, gotReconnect
		}
		s.lastFrame.Store(time.Now().UnixNano())

		var msg inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("push: session[%d] bad frame: %v", s.idx, err)
			continue
		}

		switch msg.Type {
		case "session_welcome":
			if msg.Session == nil {
				continue
			}
			s.mu.Lock()
			s.sessionID = msg.Session.ID
			s.mu.Unlock()
			s.setState(StateConnected)
			if s.handler.onWelcome != nil {
				s.handler.onWelcome(s.idx, msg.Session.ID)
			}

		case "session_keepalive":
			// lastFrame already bumped above; nothing further to do.

		case "session_reconnect":
			if msg.Session == nil || msg.Session.ReconnectURL == "" {
				continue
			}
			reconnectURL = msg.Session.ReconnectURL
			gotReconnect = true
			s.setState(StateReconnecting)
			return reconnectURL, true

		case "notification":
			if msg.Subscription == nil || msg.Event == nil {
				continue
			}
			if s.handler.onNotification != nil {
				s.handler.onNotification(s.idx, msg.Subscription.Type, msg.Event.BroadcasterUserID, msg.Event.Title, msg.Event.ThumbnailURL)
			}

		case "revocation":
			if msg.Subscription == nil {
				continue
			}
			if s.handler.onRevocation != nil {
				s.handler.onRevocation(s.idx, msg.Subscription.ID)
			}

		default:
			// unrecognized frame type — ignore.
		}
	}
}

// livenessLoop implements spec §4.3: ping if idle for 60s, force
// disconnect if the pong doesn't arrive within 10s.
func (s *session) livenessLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	var pingSentAt time.Time
	conn.SetPongHandler(func(string) error {
		s.lastFrame.Store(time.Now().UnixNano())
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, s.lastFrame.Load())
			idle := time.Since(last)

			if !pingSentAt.IsZero() {
				if last.After(pingSentAt) {
					// Pong (or any other frame) arrived: the connection is
					// alive, so the next idle spell earns a fresh ping.
					pingSentAt = time.Time{}
				} else if time.Since(pingSentAt) >= pongTimeout {
					log.Printf("push: session[%d] ping timeout, forcing disconnect", s.idx)
					conn.Close()
					return
				}
				continue
			}

			if idle >= pingInterval {
				deadline := time.Now().Add(5 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					conn.Close()
					return
				}
				pingSentAt = time.Now()
			}
		}
	}
}
