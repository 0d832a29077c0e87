// Package push is the Push Subscription Manager (spec §4.3): up to C
// parallel persistent push connections, each carrying up to K
// subscriptions, with adopt/create/flip subscription lifecycle,
// round-robin batching, periodic hygiene dedup, and full restart.
package push

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/riverbend/streamwatch/upstream"
)

// RosterLookup resolves an upstream channel id to the Supervisor's
// roster view, without this package importing supervisor (which in turn
// depends on push) — the same seam the teacher draws between manager and
// store via a narrow interface.
type RosterLookup interface {
	// ChannelByUpstreamID returns the channel name and its last-known-live
	// flag, or ok=false if the id isn't on the roster.
	ChannelByUpstreamID(id string) (name string, lastKnownLive bool, ok bool)
}

// TokenSource supplies the current bearer token for upstream calls.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Config configures a Manager.
type Config struct {
	WSURL                 string
	MaxSessions           int // C, spec I7's companion at the manager level
	MaxSubsPerSession     int // K, spec I7
	BatchSize             int
	HygieneInterval       time.Duration
	RequestsPerSecond     float64 // subscription-request throttle
	Upstream              *upstream.Client
	Tokens                TokenSource
	Roster                RosterLookup
	Handler               Handler
}

// Manager is the Push Subscription Manager (spec §4.3).
type Manager struct {
	cfg Config

	limiter *rate.Limiter

	mu             sync.Mutex
	sessions       []*session
	subs           map[string]*subscriptionEntry // subID -> entry
	pending        []string                      // channel ids awaiting a rebalance slot
	channelBatches map[int][]string              // session index -> assigned channel ids

	hygieneStop chan struct{}
	hygieneDone chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
}

// NewManager constructs a Manager. Call Start to bring sessions up.
func NewManager(cfg Config) *Manager {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 3
	}
	if cfg.MaxSubsPerSession <= 0 {
		cfg.MaxSubsPerSession = 8
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	return &Manager{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)),
		subs:    make(map[string]*subscriptionEntry),
	}
}

// Start launches sessions for the given channel ids, distributed
// round-robin in batches of cfg.BatchSize, capped at cfg.MaxSessions
// parallel connections (spec §4.3 "Batching & assignment").
func (m *Manager) Start(ctx context.Context, channelIDs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.runCtx, m.runCancel = context.WithCancel(ctx)

	sessionCount := (len(channelIDs) + m.cfg.BatchSize - 1) / m.cfg.BatchSize
	if sessionCount < 1 {
		sessionCount = 1
	}
	if sessionCount > m.cfg.MaxSessions {
		sessionCount = m.cfg.MaxSessions
	}

	m.sessions = make([]*session, sessionCount)
	for i := range m.sessions {
		idx := i
		h := sessionHandler{
			onStateChange:  m.onStateChange,
			onWelcome:      m.onWelcome,
			onNotification: m.onNotification,
			onRevocation:   m.onRevocation,
		}
		s := newSession(idx, m.cfg.WSURL, h)
		m.sessions[i] = s
		go s.Run(m.runCtx)
	}

	// Round-robin assignment; each session's onWelcome reconciles its own
	// batch once CONNECTED, so we only need to remember the assignment.
	m.channelBatches = make(map[int][]string, sessionCount)
	for i, id := range channelIDs {
		idx := i % sessionCount
		m.channelBatches[idx] = append(m.channelBatches[idx], id)
	}

	m.hygieneStop = make(chan struct{})
	m.hygieneDone = make(chan struct{})
	go m.hygieneLoop()
}

// Stop halts all sessions and the hygiene loop. It does not delete
// upstream subscriptions — use FullRestart for that.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.runCancel
	hygieneStop := m.hygieneStop
	m.mu.Unlock()

	if hygieneStop != nil {
		close(hygieneStop)
		<-m.hygieneDone
	}
	if cancel != nil {
		cancel()
	}
}

func (m *Manager) onStateChange(idx int, st SessionState) {
	if m.cfg.Handler.OnSessionStateChange != nil {
		m.cfg.Handler.OnSessionStateChange(idx, st)
	}
}

// onWelcome runs the subscription-lifecycle reconciliation for a session
// that just reached CONNECTED (spec §4.3 "On entering CONNECTED"):
// adopt subscriptions already pointed at this session-id, drop orphans
// from a prior process lifetime, then create whatever this session's
// batch still needs.
func (m *Manager) onWelcome(idx int, sessionID string) {
	ctx := m.runCtx
	token, err := m.cfg.Tokens.AccessToken(ctx)
	if err != nil {
		log.Printf("push: session[%d] welcome: no token: %v", idx, err)
		return
	}

	remote, err := m.cfg.Upstream.ListSubscriptions(ctx, token)
	if err != nil {
		log.Printf("push: session[%d] welcome: list-subscriptions failed: %v", idx, err)
		remote = nil
	}

	knownSessions := m.knownSessionIDs()

	m.mu.Lock()
	for _, rs := range remote {
		if rs.SessionID == sessionID {
			m.subs[rs.ID] = &subscriptionEntry{SubID: rs.ID, ChannelID: rs.ChannelID, Kind: rs.Kind, SessionID: sessionID}
		}
	}
	// Drop anything we're tracking whose session is neither this one nor
	// any session we currently recognize — garbage from a prior lifetime.
	for id, e := range m.subs {
		if e.SessionID != sessionID && !knownSessions[e.SessionID] {
			delete(m.subs, id)
		}
	}
	batch := append([]string{}, m.channelBatches[idx]...)
	m.mu.Unlock()

	for _, channelID := range batch {
		m.ensureDesiredSubscription(ctx, token, sessionID, channelID)
	}
}

func (m *Manager) knownSessionIDs() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool, len(m.sessions))
	for _, s := range m.sessions {
		if id := s.SessionID(); id != "" {
			out[id] = true
		}
	}
	return out
}

// ensureDesiredSubscription creates the subscription for channelID's
// complement-of-last-known-live kind if one doesn't already exist
// anywhere in the table (spec I4, §4.3 step 2).
func (m *Manager) ensureDesiredSubscription(ctx context.Context, token, sessionID, channelID string) {
	_, lastLive, ok := m.cfg.Roster.ChannelByUpstreamID(channelID)
	if !ok {
		return
	}
	desired := desiredKind(lastLive)

	m.mu.Lock()
	for _, e := range m.subs {
		if e.ChannelID == channelID && e.Kind == desired {
			m.mu.Unlock()
			return
		}
	}
	count := m.sessionSubCount(sessionID)
	m.mu.Unlock()

	if count >= m.cfg.MaxSubsPerSession {
		m.mu.Lock()
		m.pending = append(m.pending, channelID)
		m.mu.Unlock()
		return
	}

	m.createSubscription(ctx, token, desired, channelID, sessionID)
}

func (m *Manager) sessionSubCount(sessionID string) int {
	n := 0
	for _, e := range m.subs {
		if e.SessionID == sessionID {
			n++
		}
	}
	return n
}

func desiredKind(lastKnownLive bool) upstream.EventKind {
	if lastKnownLive {
		return upstream.EventLiveEnded
	}
	return upstream.EventLiveStarted
}

func (m *Manager) createSubscription(ctx context.Context, token string, kind upstream.EventKind, channelID, sessionID string) {
	if err := m.limiter.Wait(ctx); err != nil {
		return
	}
	subID, err := m.cfg.Upstream.CreateSubscription(ctx, token, kind, channelID, sessionID)
	if err != nil {
		log.Printf("push: create-subscription %s/%s failed: %v", channelID, kind, err)
		return
	}
	if subID == "" {
		// Already existed upstream (409) — spec §4.1: treat as success.
		// There is no id to track, so the subscription stays out of the
		// table; the hygiene pass does not add it either.
		return
	}
	m.mu.Lock()
	m.subs[subID] = &subscriptionEntry{SubID: subID, ChannelID: channelID, Kind: kind, SessionID: sessionID}
	m.mu.Unlock()
}

// onNotification implements spec §4.3 "On notification receipt".
func (m *Manager) onNotification(idx int, subType, broadcasterID, title, thumbnail string) {
	kind := helixSubTypeToKind(subType)
	if kind == "" {
		return // reruns / non-live subtypes are filtered, not forwarded
	}

	name, lastLive, ok := m.cfg.Roster.ChannelByUpstreamID(broadcasterID)
	if !ok {
		log.Printf("push: notification for unknown broadcaster id %s — dropped", broadcasterID)
		return
	}

	if m.cfg.Handler.OnNotification != nil {
		m.cfg.Handler.OnNotification(Notification{ChannelID: name, Kind: kind, Title: title, Thumbnail: thumbnail})
	}

	m.flipSubscription(idx, broadcasterID, kind, lastLive)
}

// flipSubscription deletes the subscription that just fired and creates
// the complementary one on the same session (spec §4.3 step 5, I4).
func (m *Manager) flipSubscription(idx int, channelID string, firedKind upstream.EventKind, _ bool) {
	ctx := m.runCtx
	token, err := m.cfg.Tokens.AccessToken(ctx)
	if err != nil {
		log.Printf("push: flip: no token: %v", err)
		return
	}

	m.mu.Lock()
	var oldID, sessionID string
	for id, e := range m.subs {
		if e.ChannelID == channelID && e.Kind == firedKind {
			oldID, sessionID = id, e.SessionID
			break
		}
	}
	m.mu.Unlock()

	if oldID != "" {
		if err := m.cfg.Upstream.DeleteSubscription(ctx, token, oldID); err != nil && err != upstream.ErrNotFound {
			log.Printf("push: flip: delete %s failed: %v", oldID, err)
		}
		m.mu.Lock()
		delete(m.subs, oldID)
		m.mu.Unlock()
	}

	complement := complementKind(firedKind)
	if sessionID == "" {
		sessionID = m.sessionIDForIndex(idx)
	}
	m.createSubscription(ctx, token, complement, channelID, sessionID)
}

func (m *Manager) sessionIDForIndex(idx int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx >= 0 && idx < len(m.sessions) {
		return m.sessions[idx].SessionID()
	}
	return ""
}

func complementKind(k upstream.EventKind) upstream.EventKind {
	if k == upstream.EventLiveStarted {
		return upstream.EventLiveEnded
	}
	return upstream.EventLiveStarted
}

func helixSubTypeToKind(subType string) upstream.EventKind {
	switch subType {
	case "stream.online":
		return upstream.EventLiveStarted
	case "stream.offline":
		return upstream.EventLiveEnded
	default:
		return "" // reruns / other subtypes: filtered per spec §4.3 step 3
	}
}

// onRevocation implements spec §4.3 "On revocation frame": remove from
// the table, never recreate.
func (m *Manager) onRevocation(idx int, subID string) {
	m.mu.Lock()
	delete(m.subs, subID)
	m.mu.Unlock()
	log.Printf("push: session[%d] subscription %s revoked by upstream", idx, subID)
}

// AddChannel places a newly-watched channel onto the session with the
// fewest subscriptions under K, or enqueues it for the next rebalance
// (spec §4.3 "On adding/removing a channel at runtime").
func (m *Manager) AddChannel(channelID string) {
	ctx := m.runCtx
	token, err := m.cfg.Tokens.AccessToken(ctx)
	if err != nil {
		log.Printf("push: add-channel: no token: %v", err)
		return
	}

	m.mu.Lock()
	bestIdx, bestCount := -1, m.cfg.MaxSubsPerSession
	for i, s := range m.sessions {
		if s.State() != StateConnected {
			continue
		}
		c := m.sessionSubCount(s.SessionID())
		if c < bestCount {
			bestIdx, bestCount = i, c
		}
	}
	m.mu.Unlock()

	if bestIdx == -1 {
		m.mu.Lock()
		m.pending = append(m.pending, channelID)
		m.mu.Unlock()
		return
	}

	m.ensureDesiredSubscription(ctx, token, m.sessionIDForIndex(bestIdx), channelID)
}

// RemoveChannel deletes every subscription tracked for channelID.
func (m *Manager) RemoveChannel(channelID string) {
	ctx := m.runCtx
	token, err := m.cfg.Tokens.AccessToken(ctx)
	if err != nil {
		log.Printf("push: remove-channel: no token: %v", err)
		return
	}

	m.mu.Lock()
	var toDelete []string
	for id, e := range m.subs {
		if e.ChannelID == channelID {
			toDelete = append(toDelete, id)
		}
	}
	m.mu.Unlock()

	for _, id := range toDelete {
		if err := m.cfg.Upstream.DeleteSubscription(ctx, token, id); err != nil && err != upstream.ErrNotFound {
			log.Printf("push: remove-channel: delete %s failed: %v", id, err)
			continue
		}
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// hygieneLoop runs the authoritative dedup pass every cfg.HygieneInterval
// (spec §4.3 "Periodic hygiene"): for any (broadcaster, kind) group with
// more than one upstream subscription, delete all but the most recent.
func (m *Manager) hygieneLoop() {
	defer close(m.hygieneDone)

	interval := m.cfg.HygieneInterval
	if interval <= 0 {
		interval = 12 * time.Hour
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-m.hygieneStop:
			return
		case <-t.C:
			m.runHygiene()
		}
	}
}

// drainPending retries channels that couldn't find a session with room
// the first time (spec §4.3: "enqueue for the next rebalancing cycle").
// Piggybacks on the hygiene ticker rather than its own timer — both are
// low-frequency maintenance passes and the spec doesn't mandate a
// separate cadence for rebalancing.
func (m *Manager) drainPending() {
	m.mu.Lock()
	batch := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, channelID := range batch {
		m.AddChannel(channelID)
	}
}

func (m *Manager) runHygiene() {
	m.drainPending()

	ctx := m.runCtx
	token, err := m.cfg.Tokens.AccessToken(ctx)
	if err != nil {
		log.Printf("push: hygiene: no token: %v", err)
		return
	}

	remote, err := m.cfg.Upstream.ListSubscriptions(ctx, token)
	if err != nil {
		log.Printf("push: hygiene: list-subscriptions failed: %v", err)
		return
	}

	type key struct {
		channelID string
		kind      upstream.EventKind
	}
	groups := make(map[key][]upstream.Subscription)
	for _, s := range remote {
		k := key{s.ChannelID, s.Kind}
		groups[k] = append(groups[k], s)
	}

	for _, subs := range groups {
		if len(subs) <= 1 {
			continue
		}
		// No created-at on the wire type — "most recent" is approximated
		// by the id our own table still tracks; if none match, keep the
		// one with the greatest id and delete the rest. Tolerates
		// individual delete failures.
		sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })
		keepIdx := len(subs) - 1
		m.mu.Lock()
		for i, s := range subs {
			if _, tracked := m.subs[s.ID]; tracked {
				keepIdx = i
			}
		}
		m.mu.Unlock()
		for i, s := range subs {
			if i == keepIdx {
				continue
			}
			if err := m.cfg.Upstream.DeleteSubscription(ctx, token, s.ID); err != nil && err != upstream.ErrNotFound {
				log.Printf("push: hygiene: delete %s failed: %v", s.ID, err)
			}
			m.mu.Lock()
			delete(m.subs, s.ID)
			m.mu.Unlock()
		}
	}
}

// FullRestart implements spec §4.3 "Full restart": stop all sessions,
// best-effort delete every subscription attributable to the credential,
// then start from empty. Driven by the Supervisor on token refresh or
// detected mass failure.
func (m *Manager) FullRestart(ctx context.Context, channelIDs []string) error {
	m.Stop()

	token, err := m.cfg.Tokens.AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("full restart: no token: %w", err)
	}

	remote, err := m.cfg.Upstream.ListSubscriptions(ctx, token)
	if err != nil {
		log.Printf("push: full restart: list-subscriptions failed (continuing): %v", err)
	}
	for _, s := range remote {
		if err := m.cfg.Upstream.DeleteSubscription(ctx, token, s.ID); err != nil && err != upstream.ErrNotFound {
			log.Printf("push: full restart: delete %s failed (continuing): %v", s.ID, err)
		}
	}

	m.mu.Lock()
	m.subs = make(map[string]*subscriptionEntry)
	m.pending = nil
	m.mu.Unlock()

	m.Start(ctx, channelIDs)
	return nil
}

// SubscriptionCount returns how many subscriptions the Manager currently
// tracks, for the Supervisor's roster-consistency check.
func (m *Manager) SubscriptionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Sessions returns a point-in-time snapshot of session states, for the
// Supervisor's push-health check.
func (m *Manager) Sessions() []SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionState, len(m.sessions))
	for i, s := range m.sessions {
		out[i] = s.State()
	}
	return out
}
