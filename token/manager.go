// Package token is the single-writer owner of the upstream credential
// bundle (spec §4.2): it refreshes proactively before expiry, persists
// atomically, and fans a refresh event out to subscribers (the
// Supervisor, which restarts the Push Subscription Manager on it).
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/riverbend/streamwatch/store"
)

// Validator performs the lightweight identity call used by validate().
// Satisfied by *upstream.Client; declared as an interface here so tests
// can stub it without a network-backed client.
type Validator interface {
	ValidateToken(ctx context.Context, accessToken string) (bool, error)
}

// ErrCredentialExpired is surfaced when the refresh token itself is
// rejected by upstream — spec §4.2: "no recovery is attempted ... the
// error is surfaced up as credential-expired".
var ErrCredentialExpired = errors.New("token: credential expired, refresh token rejected")

// Manager is the Token Manager (spec §4.2).
type Manager struct {
	paths           store.Paths
	refreshEndpoint string
	clientID        string
	clientSecret    string
	refreshBuffer   time.Duration
	httpClient      *http.Client
	validator       Validator

	refreshMu sync.Mutex // single-flight: serializes concurrent refresh attempts
	mu        sync.RWMutex
	bundle    store.TokenBundle

	subMu       sync.Mutex
	subscribers []func(store.TokenBundle)

	timerMu sync.Mutex
	timer   *time.Timer

	expiredMu sync.Mutex
	expired   bool
}

// Config carries the construction-time parameters that aren't part of
// the persisted state.
type Config struct {
	Paths           store.Paths
	RefreshEndpoint string
	ClientID        string
	ClientSecret    string
	RefreshBuffer   time.Duration
	Validator       Validator
}

// NewManager loads the persisted bundle (spec §7 fatal-corruption: an
// unparseable token.json logs and proceeds unauthenticated rather than
// failing startup) and arms the refresh scheduler if a usable bundle was
// found.
func NewManager(cfg Config) (*Manager, error) {
	bundle, err := store.LoadToken(cfg.Paths)
	if err != nil {
		if errors.Is(err, store.ErrCorruptToken) {
			log.Printf("token: %v — starting unauthenticated", err)
			bundle = store.TokenBundle{}
		} else {
			return nil, err
		}
	}

	m := &Manager{
		paths:           cfg.Paths,
		refreshEndpoint: cfg.RefreshEndpoint,
		clientID:        cfg.ClientID,
		clientSecret:    cfg.ClientSecret,
		refreshBuffer:   cfg.RefreshBuffer,
		httpClient:      &http.Client{Timeout: 10 * time.Second},
		validator:       cfg.Validator,
		bundle:          bundle,
	}
	if !bundle.Empty() {
		m.armTimer(bundle.ExpiresAt)
	}
	return m, nil
}

// Get returns the current token, refreshing first if it expires within
// the refresh buffer or force is set. refreshed reports whether this
// call triggered a change (spec §4.2).
func (m *Manager) Get(ctx context.Context, force bool) (store.TokenBundle, bool, error) {
	m.mu.RLock()
	cur := m.bundle
	m.mu.RUnlock()

	if !force && !cur.Empty() && time.Until(cur.ExpiresAt) > m.refreshBuffer {
		return cur, false, nil
	}

	if err := m.refresh(ctx, force); err != nil {
		// Stale token returned even on failure — spec §4.2: "the
		// existing bundle is left untouched".
		m.mu.RLock()
		cur = m.bundle
		m.mu.RUnlock()
		return cur, false, err
	}

	m.mu.RLock()
	cur = m.bundle
	m.mu.RUnlock()
	return cur, true, nil
}

// AccessToken is a convenience wrapper around Get for callers (the Push
// Subscription Manager, the Recorder Pool) that only need a bearer token
// and don't care whether this call triggered a refresh.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	bundle, _, err := m.Get(ctx, false)
	if err != nil {
		return "", err
	}
	return bundle.AccessToken, nil
}

// Validate performs the lightweight identity call against upstream.
func (m *Manager) Validate(ctx context.Context, t store.TokenBundle) (bool, error) {
	return m.validator.ValidateToken(ctx, t.AccessToken)
}

// Subscribe registers an observer invoked once per successful refresh.
func (m *Manager) Subscribe(cb func(store.TokenBundle)) {
	m.subMu.Lock()
	m.subscribers = append(m.subscribers, cb)
	m.subMu.Unlock()
}

// CredentialExpired reports whether the refresh token itself has been
// rejected — the Supervisor consults this to enter a degraded state.
func (m *Manager) CredentialExpired() bool {
	m.expiredMu.Lock()
	defer m.expiredMu.Unlock()
	return m.expired
}

// refresh is the single-flight refresh protocol (spec §4.2): concurrent
// callers coalesce behind refreshMu. On success the bundle is written
// atomically and subscribers are notified; on failure the existing
// bundle is left untouched. A forced refresh skips the expiry re-check.
func (m *Manager) refresh(ctx context.Context, force bool) error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	// Re-check: another goroutine may have already refreshed while we
	// waited for the lock.
	m.mu.RLock()
	cur := m.bundle
	m.mu.RUnlock()
	if !force && !cur.Empty() && time.Until(cur.ExpiresAt) > m.refreshBuffer {
		return nil
	}
	if cur.RefreshToken == "" {
		return fmt.Errorf("token: no refresh token available")
	}

	next, err := m.doRefresh(ctx, cur.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrCredentialExpired) {
			m.expiredMu.Lock()
			m.expired = true
			m.expiredMu.Unlock()
		}
		return err
	}

	if err := store.SaveToken(m.paths, next); err != nil {
		return fmt.Errorf("persist refreshed token: %w", err)
	}

	m.mu.Lock()
	m.bundle = next
	m.mu.Unlock()

	m.expiredMu.Lock()
	m.expired = false
	m.expiredMu.Unlock()

	m.armTimer(next.ExpiresAt)
	m.notify(next)
	return nil
}

func (m *Manager) doRefresh(ctx context.Context, refreshToken string) (store.TokenBundle, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {m.clientID},
		"client_secret": {m.clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.refreshEndpoint, nil)
	if err != nil {
		return store.TokenBundle{}, err
	}
	req.URL.RawQuery = form.Encode()

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return store.TokenBundle{}, fmt.Errorf("refresh request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
		return store.TokenBundle{}, ErrCredentialExpired
	}
	if resp.StatusCode != http.StatusOK {
		return store.TokenBundle{}, fmt.Errorf("refresh: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return store.TokenBundle{}, fmt.Errorf("decode refresh response: %w", err)
	}

	return store.TokenBundle{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(body.ExpiresIn) * time.Second),
	}, nil
}

func (m *Manager) notify(t store.TokenBundle) {
	m.subMu.Lock()
	subs := append([]func(store.TokenBundle){}, m.subscribers...)
	m.subMu.Unlock()
	for _, cb := range subs {
		cb(t)
	}
}

// armTimer re-arms the refresh scheduler for (expiry - buffer), per spec
// §4.2. A non-positive delay fires immediately — the token is already
// inside its refresh window.
func (m *Manager) armTimer(expiresAt time.Time) {
	delay := time.Until(expiresAt) - m.refreshBuffer
	if delay < 0 {
		delay = 0
	}

	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.refresh(ctx, false); err != nil {
			// Retried at the next arming point, not in a tight loop
			// (spec §4.2) — the caller's next Get(force=true), or the
			// Supervisor's supervise-tick, will try again.
			log.Printf("token: scheduled refresh failed: %v", err)
		}
	})
}

// Stop releases the scheduler timer.
func (m *Manager) Stop() {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
