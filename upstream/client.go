// Package upstream is the thin request layer over the broadcaster
// platform's HTTPS APIs: channel-id lookup, channel metadata, and push
// subscription create/list/delete (spec §4.1). It is stateless except for
// a request-concurrency limiter and a short-lived read-through cache.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"
)

const (
	minBackoff = 5 * time.Second
	maxBackoff = 60 * time.Second
)

// EventKind is a push-subscription event kind (spec §3).
type EventKind string

const (
	EventLiveStarted EventKind = "live.started"
	EventLiveEnded   EventKind = "live.ended"
)

// Subscription is one row of list-subscriptions (spec §3).
type Subscription struct {
	ID        string
	ChannelID string
	Kind      EventKind
	SessionID string
}

// Client is the Upstream Client (spec §4.1). It carries no credential of
// its own — every call takes the bearer token supplied by the caller
// (normally the token.Manager's current access token), so the Client has
// no notion of refresh and no import-cycle onto the token package.
type Client struct {
	baseURL    string
	clientID   string
	userAgent  string
	httpClient *http.Client

	sem   chan struct{} // request-concurrency limiter (~10 in-flight)
	cache *metadataCache

	// retryAfter is a shared deadline (unix nanos) published on HTTP 429
	// so concurrent callers can defer voluntarily instead of piling onto
	// a rate limit that's already tripped.
	retryAfter atomic.Int64
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithHTTPClient overrides the *http.Client used for requests (tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient returns an Upstream Client targeting baseURL (the platform's
// API root) with the given request-concurrency ceiling.
func NewClient(baseURL, clientID, userAgent string, concurrency int, opts ...Option) *Client {
	if concurrency <= 0 {
		concurrency = 10
	}
	c := &Client{
		baseURL:    baseURL,
		clientID:   clientID,
		userAgent:  userAgent,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		sem:        make(chan struct{}, concurrency),
		cache:      newMetadataCache(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RetryAfter returns the shared rate-limit deadline, or the zero Time if
// no 429 has been observed (or it has already passed). Every request made
// through this Client waits for it before going out.
func (c *Client) RetryAfter() time.Time {
	ns := c.retryAfter.Load()
	if ns == 0 {
		return time.Time{}
	}
	t := time.Unix(0, ns)
	if t.Before(time.Now()) {
		return time.Time{}
	}
	return t
}

func (c *Client) publishRetryAfter(d time.Duration) {
	c.retryAfter.Store(time.Now().Add(d).UnixNano())
}

// acquire blocks for a concurrency slot, honoring ctx cancellation.
func (c *Client) acquire(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) release() { <-c.sem }

// do sends req, retrying on HTTP 429 per the rate-limit policy (spec
// §4.1): honor Retry-After if present, else exponential backoff from 5s
// doubling to a 60s cap with ±10% jitter. A transient network error or
// 5xx is classified and returned immediately — retrying those is the
// caller's decision, not the client's.
func (c *Client) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	req.Header.Set("Client-Id", c.clientID)
	req.Header.Set("User-Agent", c.userAgent)

	backoff := minBackoff
	for attempt := 0; ; attempt++ {
		if wait := time.Until(c.RetryAfter()); wait > 0 {
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}
		}

		resp, err := c.httpClient.Do(req.Clone(ctx))
		if err != nil {
			return nil, classify(0, err)
		}

		if resp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}

		wait := retryAfterDuration(resp.Header.Get("Retry-After"), backoff)
		resp.Body.Close()
		c.publishRetryAfter(wait)

		if attempt >= 5 {
			return nil, classify(http.StatusTooManyRequests, fmt.Errorf("rate limited after %d attempts", attempt+1))
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return nil, err
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func retryAfterDuration(header string, backoff time.Duration) time.Duration {
	if header != "" {
		if secs, err := strconv.Atoi(header); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	jitter := time.Duration(float64(backoff) * (rand.Float64()*0.2 - 0.1)) // ±10%
	d := backoff + jitter
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LookupID resolves a display name to an upstream channel id (spec
// §4.1). Returns ErrNotFound if the name doesn't resolve.
func (c *Client) LookupID(ctx context.Context, accessToken, name string) (string, error) {
	req, err := c.newRequest(ctx, accessToken, http.MethodGet, "/helix/users?login="+name, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", classify(resp.StatusCode, fmt.Errorf("lookup-id %s", name))
	}

	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", classify(resp.StatusCode, err)
	}
	if len(body.Data) == 0 {
		return "", ErrNotFound
	}
	return body.Data[0].ID, nil
}

// GetChannel returns channel metadata for id, consulting the read-through
// cache first (spec §4.1: 24h static / 60s live TTLs). Pass bypassCache
// true when a fresh query is required regardless of cache state (the
// Recorder Pool's start contract demands this).
func (c *Client) GetChannel(ctx context.Context, accessToken, id string, bypassCache bool) (Metadata, error) {
	now := time.Now()
	if !bypassCache {
		if cached, action := c.cache.plan(id, now); action == actionNone {
			return cached, nil
		} else if action == actionLiveOnly {
			live, err := c.fetchLiveStatus(ctx, accessToken, id)
			if err != nil {
				return cached, err // stale-but-present data beats nothing
			}
			c.cache.storeLiveOnly(id, live, time.Now())
			merged := cached
			merged.Live, merged.Title, merged.ThumbnailURL, merged.ViewerCount = live.Live, live.Title, live.ThumbnailURL, live.ViewerCount
			return merged, nil
		}
	}

	full, err := c.fetchChannel(ctx, accessToken, id)
	if err != nil {
		return Metadata{}, err
	}
	c.cache.storeFull(id, full, time.Now())
	return full, nil
}

// InvalidateChannel drops any cached metadata for id.
func (c *Client) InvalidateChannel(id string) { c.cache.invalidate(id) }

func (c *Client) fetchChannel(ctx context.Context, accessToken, id string) (Metadata, error) {
	return c.fetchHelixUser(ctx, accessToken, id, true)
}

func (c *Client) fetchLiveStatus(ctx context.Context, accessToken, id string) (Metadata, error) {
	return c.fetchHelixUser(ctx, accessToken, id, false)
}

func (c *Client) fetchHelixUser(ctx context.Context, accessToken, id string, withStatic bool) (Metadata, error) {
	req, err := c.newRequest(ctx, accessToken, http.MethodGet, "/helix/channels?broadcaster_id="+id, nil)
	if err != nil {
		return Metadata{}, err
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return Metadata{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Metadata{}, classify(resp.StatusCode, fmt.Errorf("get-channel %s", id))
	}

	var body struct {
		Data []struct {
			BroadcasterLogin string `json:"broadcaster_login"`
			Title            string `json:"title"`
			IsLive           bool   `json:"is_live"`
			ThumbnailURL     string `json:"thumbnail_url"`
			ViewerCount      int    `json:"viewer_count"`
			ProfileImageURL  string `json:"profile_image_url"`
			OfflineImageURL  string `json:"offline_image_url"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Metadata{}, classify(resp.StatusCode, err)
	}
	if len(body.Data) == 0 {
		return Metadata{}, ErrNotFound
	}
	d := body.Data[0]
	m := Metadata{
		Login:        d.BroadcasterLogin,
		Live:         d.IsLive,
		Title:        d.Title,
		ThumbnailURL: d.ThumbnailURL,
		ViewerCount:  d.ViewerCount,
	}
	if withStatic {
		m.ProfileImageURL = d.ProfileImageURL
		m.OfflineImageURL = d.OfflineImageURL
	}
	return m, nil
}

// ListSubscriptions returns every push subscription visible to the
// credential (spec §4.1), used by the hygiene pass and full restart.
func (c *Client) ListSubscriptions(ctx context.Context, accessToken string) ([]Subscription, error) {
	req, err := c.newRequest(ctx, accessToken, http.MethodGet, "/helix/eventsub/subscriptions", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classify(resp.StatusCode, fmt.Errorf("list-subscriptions"))
	}

	var body struct {
		Data []struct {
			ID        string `json:"id"`
			Type      string `json:"type"`
			Condition struct {
				BroadcasterID string `json:"broadcaster_user_id"`
			} `json:"condition"`
			Transport struct {
				SessionID string `json:"session_id"`
			} `json:"transport"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, classify(resp.StatusCode, err)
	}

	out := make([]Subscription, 0, len(body.Data))
	for _, d := range body.Data {
		out = append(out, Subscription{
			ID:        d.ID,
			ChannelID: d.Condition.BroadcasterID,
			Kind:      helixTypeToKind(d.Type),
			SessionID: d.Transport.SessionID,
		})
	}
	return out, nil
}

// CreateSubscription installs a push subscription for (kind, channelID)
// on sessionID. Idempotent at the semantic level: a 409 "already exists"
// response is treated as success per spec §4.1.
func (c *Client) CreateSubscription(ctx context.Context, accessToken string, kind EventKind, channelID, sessionID string) (string, error) {
	payload := map[string]any{
		"type":    kindToHelixType(kind),
		"version": "1",
		"condition": map[string]string{
			"broadcaster_user_id": channelID,
		},
		"transport": map[string]string{
			"method":     "websocket",
			"session_id": sessionID,
		},
	}
	b, _ := json.Marshal(payload)

	req, err := c.newRequest(ctx, accessToken, http.MethodPost, "/helix/eventsub/subscriptions", bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(ctx, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusCreated:
		var body struct {
			Data []struct {
				ID string `json:"id"`
			} `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return "", classify(resp.StatusCode, err)
		}
		if len(body.Data) == 0 {
			return "", classify(resp.StatusCode, fmt.Errorf("create-subscription: empty response"))
		}
		return body.Data[0].ID, nil
	case http.StatusConflict:
		return "", nil // already exists — caller treats as success, no id to report
	default:
		return "", classify(resp.StatusCode, fmt.Errorf("create-subscription %s/%s", kind, channelID))
	}
}

// DeleteSubscription removes a push subscription by id. A 404 is
// reported as ErrNotFound, not an error the caller needs to retry.
func (c *Client) DeleteSubscription(ctx context.Context, accessToken, subID string) error {
	req, err := c.newRequest(ctx, accessToken, http.MethodDelete, "/helix/eventsub/subscriptions?id="+subID, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return classify(resp.StatusCode, fmt.Errorf("delete-subscription %s", subID))
	}
}

// ValidateToken performs the lightweight identity call the Token Manager
// uses to check whether a token is still accepted (spec §4.2 validate).
func (c *Client) ValidateToken(ctx context.Context, accessToken string) (bool, error) {
	req, err := c.newRequest(ctx, accessToken, http.MethodGet, "/oauth2/validate", nil)
	if err != nil {
		return false, err
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK, nil
}

func (c *Client) newRequest(ctx context.Context, accessToken, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, classify(0, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	return req, nil
}

func kindToHelixType(k EventKind) string {
	if k == EventLiveEnded {
		return "stream.offline"
	}
	return "stream.online"
}

func helixTypeToKind(t string) EventKind {
	if t == "stream.offline" {
		return EventLiveEnded
	}
	return EventLiveStarted
}
