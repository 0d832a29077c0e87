package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, "client-id", "streamwatch/test", 4)
	return c, srv
}

func TestLookupIDFound(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("login") != "alice" {
			t.Errorf("unexpected login query: %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"id": "12345"}},
		})
	})

	id, err := c.LookupID(context.Background(), "tok", "alice")
	if err != nil {
		t.Fatalf("LookupID: %v", err)
	}
	if id != "12345" {
		t.Errorf("id = %q, want %q", id, "12345")
	}
}

func TestLookupIDNotFound(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": []map[string]string{}})
	})

	_, err := c.LookupID(context.Background(), "tok", "nobody")
	if err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestGetChannelUsesCacheWithinTTL(t *testing.T) {
	calls := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{
				"broadcaster_login": "alice",
				"title":             "hello",
				"is_live":           true,
			}},
		})
	})

	if _, err := c.GetChannel(context.Background(), "tok", "1", false); err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if _, err := c.GetChannel(context.Background(), "tok", "1", false); err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 upstream call (second served from cache), got %d", calls)
	}
}

func TestGetChannelBypassCacheAlwaysFetches(t *testing.T) {
	calls := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"broadcaster_login": "alice", "is_live": true}},
		})
	})

	c.GetChannel(context.Background(), "tok", "1", true)
	c.GetChannel(context.Background(), "tok", "1", true)
	if calls != 2 {
		t.Errorf("expected 2 upstream calls with bypassCache, got %d", calls)
	}
}

func TestGetChannelNotFound(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{}})
	})

	_, err := c.GetChannel(context.Background(), "tok", "1", true)
	if err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestInvalidateChannelForcesRefetch(t *testing.T) {
	calls := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"broadcaster_login": "alice", "is_live": true}},
		})
	})

	c.GetChannel(context.Background(), "tok", "1", false)
	c.InvalidateChannel("1")
	c.GetChannel(context.Background(), "tok", "1", false)
	if calls != 2 {
		t.Errorf("expected 2 calls after invalidate, got %d", calls)
	}
}

func TestCreateSubscriptionConflictIsTreatedAsSuccess(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	id, err := c.CreateSubscription(context.Background(), "tok", EventLiveStarted, "1", "session-0")
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	if id != "" {
		t.Errorf("id = %q, want empty on conflict", id)
	}
}

func TestCreateSubscriptionSuccess(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"id": "sub-1"}},
		})
	})

	id, err := c.CreateSubscription(context.Background(), "tok", EventLiveStarted, "1", "session-0")
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	if id != "sub-1" {
		t.Errorf("id = %q, want %q", id, "sub-1")
	}
}

func TestDeleteSubscriptionNotFound(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	err := c.DeleteSubscription(context.Background(), "tok", "sub-1")
	if err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteSubscriptionSuccess(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	if err := c.DeleteSubscription(context.Background(), "tok", "sub-1"); err != nil {
		t.Fatalf("DeleteSubscription: %v", err)
	}
}

func TestValidateToken(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token header")
		}
		w.WriteHeader(http.StatusOK)
	})

	ok, err := c.ValidateToken(context.Background(), "tok")
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if !ok {
		t.Error("expected ValidateToken true for 200 response")
	}
}

func TestValidateTokenRejected(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	ok, err := c.ValidateToken(context.Background(), "tok")
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if ok {
		t.Error("expected ValidateToken false for 401 response")
	}
}

func TestDoRetriesOn429ThenSucceeds(t *testing.T) {
	attempts := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": []map[string]string{{"id": "1"}}})
	})

	id, err := c.LookupID(context.Background(), "tok", "alice")
	if err != nil {
		t.Fatalf("LookupID: %v", err)
	}
	if id != "1" {
		t.Errorf("id = %q, want %q", id, "1")
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts (1 retry), got %d", attempts)
	}
}

func TestClassifyTransientVsPermanent(t *testing.T) {
	if !IsTransient(classify(500, context.DeadlineExceeded)) {
		t.Error("500 should classify transient")
	}
	if !IsTransient(classify(0, context.DeadlineExceeded)) {
		t.Error("network error (status 0) should classify transient")
	}
	if !IsPermanent(classify(404, context.DeadlineExceeded)) {
		t.Error("404 should classify permanent")
	}
}

func TestRetryAfterExpires(t *testing.T) {
	c := NewClient("http://example.invalid", "id", "ua", 1)
	c.publishRetryAfter(10 * time.Millisecond)
	if c.RetryAfter().IsZero() {
		t.Fatal("expected non-zero RetryAfter right after publish")
	}
	time.Sleep(20 * time.Millisecond)
	if !c.RetryAfter().IsZero() {
		t.Error("expected RetryAfter to report zero once the deadline has passed")
	}
}
