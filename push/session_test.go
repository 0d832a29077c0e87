package push

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	d1 := backoffDelay(1)
	d2 := backoffDelay(2)
	if d2 <= d1 {
		t.Errorf("backoffDelay should grow: attempt 1=%v, attempt 2=%v", d1, d2)
	}
	big := backoffDelay(100)
	if big != reconnectCap {
		t.Errorf("backoffDelay(100) = %v, want cap %v", big, reconnectCap)
	}
}

func TestSessionStateString(t *testing.T) {
	cases := map[SessionState]string{
		StateConnecting:   "CONNECTING",
		StateConnected:    "CONNECTED",
		StateReconnecting: "RECONNECTING",
		StateDisconnected: "DISCONNECTED",
		StateFailed:       "FAILED",
	}
	for st, want := range cases {
		if got := st.String(); got != want {
			t.Errorf("%v.String() = %q, want %q", int(st), got, want)
		}
	}
}

func TestSessionStateIsConnected(t *testing.T) {
	if !StateConnected.IsConnected() {
		t.Error("StateConnected.IsConnected() should be true")
	}
	if StateReconnecting.IsConnected() {
		t.Error("StateReconnecting.IsConnected() should be false")
	}
}

// wsTestServer upgrades the single expected connection and lets the test
// script frames to/from it.
func wsTestServer(t *testing.T, handle func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Fatalf("upgrade: %v", err)
		}
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSessionWelcomeReachesConnectedAndFiresOnWelcome(t *testing.T) {
	srv := wsTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		conn.WriteJSON(map[string]any{
			"type":    "session_welcome",
			"session": map[string]string{"id": "sess-1"},
		})
		// Keep the connection open until the test tears it down.
		time.Sleep(200 * time.Millisecond)
	})

	var mu sync.Mutex
	var welcomedID string
	welcomed := make(chan struct{}, 1)
	h := sessionHandler{
		onWelcome: func(idx int, sessionID string) {
			mu.Lock()
			welcomedID = sessionID
			mu.Unlock()
			welcomed <- struct{}{}
		},
	}

	dialURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	s := newSession(0, dialURL, h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	select {
	case <-welcomed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for onWelcome")
	}

	mu.Lock()
	defer mu.Unlock()
	if welcomedID != "sess-1" {
		t.Errorf("welcomed session id = %q, want %q", welcomedID, "sess-1")
	}
	if s.State() != StateConnected {
		t.Errorf("state = %v, want CONNECTED", s.State())
	}
	if s.SessionID() != "sess-1" {
		t.Errorf("SessionID() = %q, want %q", s.SessionID(), "sess-1")
	}
}

func TestSessionNotificationDispatch(t *testing.T) {
	srv := wsTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		conn.WriteJSON(map[string]any{
			"type":    "session_welcome",
			"session": map[string]string{"id": "sess-1"},
		})
		time.Sleep(20 * time.Millisecond)
		conn.WriteJSON(map[string]any{
			"type": "notification",
			"subscription": map[string]string{
				"id":   "sub-1",
				"type": "stream.online",
			},
			"event": map[string]string{
				"broadcaster_user_id": "42",
				"title":               "hello world",
			},
		})
		time.Sleep(200 * time.Millisecond)
	})

	notified := make(chan struct{}, 1)
	var gotBroadcaster, gotTitle string
	h := sessionHandler{
		onNotification: func(idx int, subType, broadcasterID, title, thumbnail string) {
			gotBroadcaster, gotTitle = broadcasterID, title
			notified <- struct{}{}
		},
	}

	dialURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	s := newSession(0, dialURL, h)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	select {
	case <-notified:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification dispatch")
	}
	if gotBroadcaster != "42" || gotTitle != "hello world" {
		t.Errorf("got broadcaster=%q title=%q", gotBroadcaster, gotTitle)
	}
}
