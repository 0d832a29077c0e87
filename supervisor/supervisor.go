// Package supervisor is the top-level control loop (spec §4.5): it owns
// the roster, runs the periodic fallback poll and the self-heal
// supervise-tick, and coordinates cross-component restarts on token
// refresh. Grounded on the teacher's manager.Manager reconcile-loop
// pattern (a periodic ticker driving a reconcile pass against an
// authoritative source of truth) generalized from the teacher's
// subscriber/source bookkeeping to the spec's channel roster, and on the
// original background_service.py for the exact supervise-tick checks.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/riverbend/streamwatch/push"
	"github.com/riverbend/streamwatch/recorder"
	"github.com/riverbend/streamwatch/store"
	"github.com/riverbend/streamwatch/store/history"
	"github.com/riverbend/streamwatch/upstream"
)

// Push is the subset of push.Manager the Supervisor drives.
type Push interface {
	Start(ctx context.Context, channelIDs []string)
	Stop()
	AddChannel(channelID string)
	RemoveChannel(channelID string)
	FullRestart(ctx context.Context, channelIDs []string) error
	Sessions() []push.SessionState
	SubscriptionCount() int
}

// TokenSource is the subset of token.Manager the Supervisor consults for
// token health and refresh coordination.
type TokenSource interface {
	Get(ctx context.Context, force bool) (store.TokenBundle, bool, error)
	Validate(ctx context.Context, t store.TokenBundle) (bool, error)
	Subscribe(cb func(store.TokenBundle))
	AccessToken(ctx context.Context) (string, error)
}

// Upstream is the subset of upstream.Client the Supervisor needs for
// roster-changed handling (resolving a newly-added channel's id) and
// poll-tick reconciliation.
type Upstream interface {
	LookupID(ctx context.Context, accessToken, name string) (string, error)
	GetChannel(ctx context.Context, accessToken, id string, bypassCache bool) (upstream.Metadata, error)
}

// RecorderPool is the subset of recorder.Pool the Supervisor drives.
type RecorderPool interface {
	Start(ctx context.Context, ch recorder.ChannelInfo) (*recorder.Job, error)
	Stop(name string) error
	StopNatural(name string) error
	IsRecording(name string) bool
	InCooldown(name string) bool
	Reconcile(ctx context.Context, desired []recorder.ChannelInfo)
}

// History is the subset of history.DB the Supervisor consults for the
// repair-attempt registry (spec §4.5: "no repair fires more than once
// per hour").
type History interface {
	RepairDue(ctx context.Context, kind string, minInterval time.Duration) (bool, error)
	RecordEvent(ctx context.Context, channel string, typ history.EventType, detail string) error
}

// Config configures a Supervisor.
type Config struct {
	Paths store.Paths

	Push     Push
	Tokens   TokenSource
	Upstream Upstream
	Pool     RecorderPool
	History  History

	PollInterval      time.Duration // default 300s
	SuperviseInterval time.Duration // default 600s
	RepairCooldown    time.Duration // default 1h
	RosterMargin      int           // default 3, spec §4.5 check 3
}

// Supervisor is the top-level control component (spec §4.5).
type Supervisor struct {
	cfg Config

	mu      sync.RWMutex
	roster  map[string]*store.Channel // keyed by normalized name
	backups *store.BackupRegistry

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// New constructs a Supervisor and loads the persisted roster.
func New(cfg Config) (*Supervisor, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 300 * time.Second
	}
	if cfg.SuperviseInterval <= 0 {
		cfg.SuperviseInterval = 600 * time.Second
	}
	if cfg.RepairCooldown <= 0 {
		cfg.RepairCooldown = time.Hour
	}
	if cfg.RosterMargin <= 0 {
		cfg.RosterMargin = 3
	}

	roster, err := store.LoadRoster(cfg.Paths)
	if err != nil {
		return nil, fmt.Errorf("supervisor: load roster: %w", err)
	}

	return &Supervisor{
		cfg:     cfg,
		roster:  roster,
		backups: &store.BackupRegistry{},
	}, nil
}

// SetPush wires the push subsystem after construction. The Push
// Subscription Manager needs a RosterLookup that only the Supervisor can
// provide, and the Supervisor needs the Push handle back — the same
// circular-construction seam the teacher resolves with
// mgr.SetOverseerClient. Must be called before Start.
func (s *Supervisor) SetPush(p Push) {
	s.cfg.Push = p
}

// Start seeds the push subsystem from the loaded roster, reconciles
// in-flight recordings against a fresh live check, and launches the
// poll-tick and supervise-tick loops. It also subscribes to token
// refresh events to drive the coordination sequence in spec §4.5.
func (s *Supervisor) Start(ctx context.Context) {
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	s.cfg.Tokens.Subscribe(func(store.TokenBundle) {
		s.onTokenRefreshed()
	})

	ids := s.knownUpstreamIDs()
	s.cfg.Push.Start(s.runCtx, ids)
	s.cfg.Pool.Reconcile(s.runCtx, s.desiredRecordingChannels())

	s.wg.Add(2)
	go s.loop(s.cfg.PollInterval, s.pollTick)
	go s.loop(s.cfg.SuperviseInterval, s.superviseTick)
}

// Stop halts both periodic loops and waits for them to exit. It does not
// stop the push subsystem or the recorder pool — callers orchestrate
// full process shutdown themselves (spec §5).
func (s *Supervisor) Stop() {
	if s.runCancel != nil {
		s.runCancel()
	}
	s.wg.Wait()
}

func (s *Supervisor) loop(interval time.Duration, fn func(context.Context)) {
	defer s.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.runCtx.Done():
			return
		case <-t.C:
			fn(s.runCtx)
		}
	}
}

// ---- roster ----

// RosterChanged implements spec §4.5 "roster-changed": for each removed
// channel, request subscription removal and stop its recorder; for each
// added channel, resolve its upstream-id if missing, then request a
// subscription.
func (s *Supervisor) RosterChanged(ctx context.Context, added, removed []string) error {
	for _, name := range removed {
		name = store.NormalizeName(name)
		s.mu.Lock()
		ch, ok := s.roster[name]
		if ok {
			delete(s.roster, name)
		}
		s.mu.Unlock()
		if !ok {
			continue
		}
		if ch.UpstreamID != "" {
			s.cfg.Push.RemoveChannel(ch.UpstreamID)
		}
		_ = s.cfg.Pool.Stop(name)
	}

	for _, rawName := range added {
		name := store.NormalizeName(rawName)
		s.mu.Lock()
		_, exists := s.roster[name]
		s.mu.Unlock()
		if exists {
			continue
		}

		ch := &store.Channel{Name: name, UpdatedAt: time.Now()}
		token, err := s.cfg.Tokens.AccessToken(ctx)
		if err == nil {
			if id, lookupErr := s.cfg.Upstream.LookupID(ctx, token, name); lookupErr == nil {
				ch.UpstreamID = id
			} else if !upstream.IsPermanent(lookupErr) {
				log.Printf("supervisor: lookup-id %s: %v", name, lookupErr)
			}
		}

		s.mu.Lock()
		s.roster[name] = ch
		s.mu.Unlock()

		if ch.UpstreamID != "" {
			s.cfg.Push.AddChannel(ch.UpstreamID)
		}
	}

	return s.persistRoster()
}

// OnNotification implements spec §4.5 "on-notification": updates the
// channel's last-known-live flag and title bookkeeping, then — if the
// channel is now desired and live — asks the Pool to start a recording.
func (s *Supervisor) OnNotification(ctx context.Context, channelName string, kind upstream.EventKind, title string) {
	name := store.NormalizeName(channelName)

	s.mu.Lock()
	ch, ok := s.roster[name]
	if !ok {
		s.mu.Unlock()
		// Unknown to the roster — dropped without error (spec §8 boundary
		// behavior).
		return
	}

	switch kind {
	case upstream.EventLiveEnded:
		ch.LastKnownLive = false
		if ch.CurrentTitle != "" {
			ch.LastNonemptyTitle = ch.CurrentTitle
		}
		ch.CurrentTitle = "Offline"
	case upstream.EventLiveStarted:
		ch.LastKnownLive = true
		if ch.LastNonemptyTitle != "" {
			ch.CurrentTitle = ch.LastNonemptyTitle
		}
		if title != "" {
			ch.CurrentTitle = title
			ch.LastNonemptyTitle = title
		}
	}
	ch.UpdatedAt = time.Now()
	info := channelInfo(ch)
	desired := ch.DesiredRecording
	live := ch.LastKnownLive
	s.mu.Unlock()

	if s.cfg.History != nil {
		detail := string(kind)
		if err := s.cfg.History.RecordEvent(ctx, name, history.EventLiveTransition, detail); err != nil {
			log.Printf("supervisor: record event %s: %v", name, err)
		}
	}

	if err := s.persistRoster(); err != nil {
		log.Printf("supervisor: persist roster after notification: %v", err)
	}

	if kind == upstream.EventLiveEnded {
		// The stream ended on its own — a natural completion, so the
		// post-completion cooldown still applies.
		_ = s.cfg.Pool.StopNatural(name)
		return
	}
	if desired && live && !s.cfg.Pool.IsRecording(name) && !s.cfg.Pool.InCooldown(name) {
		if _, err := s.cfg.Pool.Start(ctx, info); err != nil {
			log.Printf("supervisor: start %s after notification: %v", name, err)
		}
	}
}

// ---- poll-tick ----

// pollTick implements spec §4.5 "poll-tick": every P seconds, query
// upstream for each channel with a known upstream-id and reconcile
// live-flag/title/thumbnail, emitting transition events equivalent to
// notifications. A belt-and-braces fallback for missed push events.
func (s *Supervisor) pollTick(ctx context.Context) {
	token, err := s.cfg.Tokens.AccessToken(ctx)
	if err != nil {
		log.Printf("supervisor: poll-tick: no token: %v", err)
		return
	}

	for _, ch := range s.channelsWithUpstreamID() {
		meta, err := s.cfg.Upstream.GetChannel(ctx, token, ch.UpstreamID, false)
		if err != nil {
			if upstream.IsCredentialRejected(err) {
				log.Printf("supervisor: poll-tick: credential rejected, forcing token refresh")
				if _, _, rerr := s.cfg.Tokens.Get(ctx, true); rerr != nil {
					log.Printf("supervisor: poll-tick: forced refresh: %v", rerr)
				}
				return
			}
			if !upstream.IsPermanent(err) {
				log.Printf("supervisor: poll-tick %s: %v", ch.Name, err)
			}
			continue
		}

		s.mu.Lock()
		cur, ok := s.roster[ch.Name]
		if !ok {
			s.mu.Unlock()
			continue
		}
		transitioned := cur.LastKnownLive != meta.Live
		cur.CurrentThumbnailURL = meta.ThumbnailURL
		if meta.Live {
			if meta.Title != "" {
				cur.CurrentTitle = meta.Title
				cur.LastNonemptyTitle = meta.Title
			}
		}
		cur.UpdatedAt = time.Now()
		s.mu.Unlock()

		if transitioned {
			kind := upstream.EventLiveEnded
			if meta.Live {
				kind = upstream.EventLiveStarted
			}
			s.OnNotification(ctx, ch.Name, kind, meta.Title)
		}
	}

	s.maybeBackupRoster()
}

func (s *Supervisor) maybeBackupRoster() {
	now := time.Now()
	if !s.backups.Due(now, 24*time.Hour) {
		return
	}
	if err := store.BackupRoster(s.cfg.Paths, now); err != nil {
		log.Printf("supervisor: roster backup: %v", err)
		return
	}
	s.backups.MarkDone(now)
}

// ---- supervise-tick ----

// superviseTick implements spec §4.5 "supervise-tick": the four-part
// self-heal audit. The push restarts of checks 1 and 3 are each
// rate-limited to once per RepairCooldown via the history-backed
// repair-attempt registry; the token and recorder checks run every tick.
func (s *Supervisor) superviseTick(ctx context.Context) {
	s.checkPushHealth(ctx)
	s.checkTokenHealth(ctx)
	s.checkRosterConsistency(ctx)
	s.checkRecorderReconciliation(ctx)
}

// checkPushHealth implements spec §4.5 check 1: if channels are watched
// but zero sessions are CONNECTED, and the last push repair was more
// than an hour ago, trigger a full push restart.
func (s *Supervisor) checkPushHealth(ctx context.Context) {
	if len(s.channelsWithUpstreamID()) == 0 {
		return
	}
	for _, st := range s.cfg.Push.Sessions() {
		if st.IsConnected() {
			return
		}
	}

	due, err := s.repairDue(ctx, "push")
	if err != nil {
		log.Printf("supervisor: push-health repair-due check: %v", err)
		return
	}
	if !due {
		return
	}

	log.Printf("supervisor: push-health: no connected sessions, triggering full restart")
	if err := s.cfg.Push.FullRestart(ctx, s.knownUpstreamIDs()); err != nil {
		log.Printf("supervisor: push full restart: %v", err)
	}
}

// checkTokenHealth implements spec §4.5 check 2: refetch the current
// token; if validate fails, force a refresh.
func (s *Supervisor) checkTokenHealth(ctx context.Context) {
	bundle, _, err := s.cfg.Tokens.Get(ctx, false)
	if err != nil {
		log.Printf("supervisor: token-health: get: %v", err)
		return
	}
	ok, err := s.cfg.Tokens.Validate(ctx, bundle)
	if err != nil {
		log.Printf("supervisor: token-health: validate: %v", err)
		return
	}
	if ok {
		return
	}
	log.Printf("supervisor: token-health: validate failed, forcing refresh")
	if _, _, err := s.cfg.Tokens.Get(ctx, true); err != nil {
		log.Printf("supervisor: token-health: forced refresh: %v", err)
	}
}

// checkRosterConsistency implements spec §4.5 check 3: if the watched
// count significantly exceeds the subscription count, trigger a push
// restart; stop any Recording Job whose channel is no longer live.
func (s *Supervisor) checkRosterConsistency(ctx context.Context) {
	watched := s.channelsWithUpstreamID()

	activeSubs := s.cfg.Push.SubscriptionCount()
	if len(watched)-activeSubs > s.cfg.RosterMargin {
		due, err := s.repairDue(ctx, "roster-consistency")
		if err != nil {
			log.Printf("supervisor: roster-consistency repair-due check: %v", err)
		} else if due {
			log.Printf("supervisor: roster-consistency: %d watched vs %d active subscriptions, triggering push restart", len(watched), activeSubs)
			if err := s.cfg.Push.FullRestart(ctx, s.knownUpstreamIDs()); err != nil {
				log.Printf("supervisor: roster-consistency full restart: %v", err)
			}
		}
	}

	for _, ch := range watched {
		if !ch.LastKnownLive && s.cfg.Pool.IsRecording(ch.Name) {
			_ = s.cfg.Pool.StopNatural(ch.Name)
		}
	}
}

// checkRecorderReconciliation implements spec §4.5 check 4: for any
// channel desired and live with no Recording Job and no active cooldown,
// request the Pool start it.
func (s *Supervisor) checkRecorderReconciliation(ctx context.Context) {
	for _, info := range s.desiredRecordingChannels() {
		if s.cfg.Pool.IsRecording(info.Name) || s.cfg.Pool.InCooldown(info.Name) {
			continue
		}
		if _, err := s.cfg.Pool.Start(ctx, info); err != nil {
			log.Printf("supervisor: recorder-reconciliation start %s: %v", info.Name, err)
		}
	}
}

func (s *Supervisor) repairDue(ctx context.Context, kind string) (bool, error) {
	if s.cfg.History == nil {
		return true, nil
	}
	return s.cfg.History.RepairDue(ctx, kind, s.cfg.RepairCooldown)
}

// ---- token-refresh coordination ----

// onTokenRefreshed implements spec §4.5 "Token-refresh coordination":
// stop the push subsystem, settle briefly, install the new token (the
// push Manager reads it fresh via TokenSource on its next action, so
// nothing to explicitly "install" here beyond restarting), then start
// it again. The Recorder Pool is left untouched — authentication is
// consulted per-recording at start time.
func (s *Supervisor) onTokenRefreshed() {
	ctx := s.runCtx
	if ctx == nil {
		ctx = context.Background()
	}

	bundle, _, err := s.cfg.Tokens.Get(ctx, false)
	if err == nil {
		if ok, verr := s.cfg.Tokens.Validate(ctx, bundle); verr != nil || !ok {
			log.Printf("supervisor: token-refresh: new token failed validation, skipping push restart")
			return
		}
	}

	log.Printf("supervisor: token refreshed, restarting push subsystem")
	s.cfg.Push.Stop()
	time.Sleep(2 * time.Second)
	s.cfg.Push.Start(ctx, s.knownUpstreamIDs())
}

// ---- roster helpers ----

func channelInfo(ch *store.Channel) recorder.ChannelInfo {
	return recorder.ChannelInfo{
		Name:             ch.Name,
		ChannelLogin:     ch.Name,
		UpstreamID:       ch.UpstreamID,
		SaveDirectory:    ch.SaveDirectory,
		PreferredQuality: ch.PreferredQuality,
		CurrentTitle:     ch.CurrentTitle,
	}
}

func (s *Supervisor) knownUpstreamIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.roster))
	for _, ch := range s.roster {
		if ch.UpstreamID != "" {
			ids = append(ids, ch.UpstreamID)
		}
	}
	return ids
}

func (s *Supervisor) channelsWithUpstreamID() []*store.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*store.Channel, 0, len(s.roster))
	for _, ch := range s.roster {
		if ch.UpstreamID != "" {
			c := *ch
			out = append(out, &c)
		}
	}
	return out
}

func (s *Supervisor) desiredRecordingChannels() []recorder.ChannelInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []recorder.ChannelInfo
	for _, ch := range s.roster {
		if ch.DesiredRecording && ch.LastKnownLive {
			out = append(out, channelInfo(ch))
		}
	}
	return out
}

func (s *Supervisor) persistRoster() error {
	s.mu.RLock()
	snapshot := make(map[string]*store.Channel, len(s.roster))
	for k, v := range s.roster {
		c := *v
		snapshot[k] = &c
	}
	s.mu.RUnlock()
	return store.SaveRoster(s.cfg.Paths, snapshot)
}

// ---- external entry points (spec §6) ----

// ChannelByUpstreamID implements push.RosterLookup.
func (s *Supervisor) ChannelByUpstreamID(id string) (name string, lastKnownLive bool, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.roster {
		if ch.UpstreamID == id {
			return ch.Name, ch.LastKnownLive, true
		}
	}
	return "", false, false
}

// GetRoster implements the get-roster() external entry point (spec §6).
func (s *Supervisor) GetRoster() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.roster))
	for name := range s.roster {
		out = append(out, name)
	}
	return out
}

// ChannelStatus is the shape returned by get-channel-status (spec §6).
type ChannelStatus struct {
	Live             bool
	DownloadsEnabled bool
	Title            string
	Thumbnail        string
	StoragePath      string
	RecordingStatus  string // "", "recording", "cooldown"
}

// GetChannelStatus implements get-channel-status(name) (spec §6).
func (s *Supervisor) GetChannelStatus(name string) (ChannelStatus, bool) {
	name = store.NormalizeName(name)
	s.mu.RLock()
	ch, ok := s.roster[name]
	var snapshot store.Channel
	if ok {
		snapshot = *ch
	}
	s.mu.RUnlock()
	if !ok {
		return ChannelStatus{}, false
	}

	status := ""
	if s.cfg.Pool.IsRecording(name) {
		status = "recording"
	} else if s.cfg.Pool.InCooldown(name) {
		status = "cooldown"
	}

	return ChannelStatus{
		Live:             snapshot.LastKnownLive,
		DownloadsEnabled: snapshot.DesiredRecording,
		Title:            snapshot.CurrentTitle,
		Thumbnail:        snapshot.CurrentThumbnailURL,
		StoragePath:      snapshot.SaveDirectory,
		RecordingStatus:  status,
	}, true
}

// SetDownloadsEnabled implements set-downloads-enabled(name, bool) (spec
// §6). Per the Open Question decision in SPEC_FULL §E, disabling
// downloads on a channel with a running Worker stops it immediately.
func (s *Supervisor) SetDownloadsEnabled(ctx context.Context, name string, enabled bool) error {
	name = store.NormalizeName(name)
	s.mu.Lock()
	ch, ok := s.roster[name]
	if ok {
		ch.DesiredRecording = enabled
		ch.UpdatedAt = time.Now()
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("supervisor: %s: not on roster", name)
	}

	if !enabled {
		_ = s.cfg.Pool.Stop(name)
	}
	return s.persistRoster()
}

// StartRecording implements start-recording(name) (spec §6).
func (s *Supervisor) StartRecording(ctx context.Context, name string) error {
	name = store.NormalizeName(name)
	s.mu.RLock()
	ch, ok := s.roster[name]
	var info recorder.ChannelInfo
	if ok {
		info = channelInfo(ch)
	}
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("supervisor: %s: not on roster", name)
	}
	_, err := s.cfg.Pool.Start(ctx, info)
	return err
}

// StopRecording implements stop-recording(name) (spec §6).
func (s *Supervisor) StopRecording(name string) error {
	return s.cfg.Pool.Stop(store.NormalizeName(name))
}

// PushDebug implements push-debug() (spec §6): a snapshot of session
// states for operator diagnostics.
func (s *Supervisor) PushDebug() []push.SessionState {
	return s.cfg.Push.Sessions()
}

// PushReconnect implements push-reconnect() (spec §6): triggers a full
// push restart unconditionally, bypassing the supervise-tick's repair
// cooldown — an explicit operator action, not an automated repair.
func (s *Supervisor) PushReconnect(ctx context.Context) error {
	return s.cfg.Push.FullRestart(ctx, s.knownUpstreamIDs())
}
