package supervisor

import (
	"context"
	"sync"
	"testing"

	"github.com/riverbend/streamwatch/push"
	"github.com/riverbend/streamwatch/recorder"
	"github.com/riverbend/streamwatch/store"
	"github.com/riverbend/streamwatch/upstream"
)

type fakePush struct {
	mu       sync.Mutex
	added    []string
	removed  []string
	restarts int
	started  int
	stopped  int
	sessions []push.SessionState
	subCount int
}

func (f *fakePush) Start(ctx context.Context, channelIDs []string) {
	f.mu.Lock()
	f.started++
	f.mu.Unlock()
}

func (f *fakePush) Stop() {
	f.mu.Lock()
	f.stopped++
	f.mu.Unlock()
}

func (f *fakePush) AddChannel(channelID string) {
	f.mu.Lock()
	f.added = append(f.added, channelID)
	f.mu.Unlock()
}

func (f *fakePush) RemoveChannel(channelID string) {
	f.mu.Lock()
	f.removed = append(f.removed, channelID)
	f.mu.Unlock()
}

func (f *fakePush) FullRestart(ctx context.Context, channelIDs []string) error {
	f.mu.Lock()
	f.restarts++
	f.mu.Unlock()
	return nil
}

func (f *fakePush) Sessions() []push.SessionState { return f.sessions }

func (f *fakePush) SubscriptionCount() int { return f.subCount }

type fakeTokens struct {
	mu     sync.Mutex
	bundle store.TokenBundle
	valid  bool
	forced int
	subs   []func(store.TokenBundle)
}

func (f *fakeTokens) Get(ctx context.Context, force bool) (store.TokenBundle, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if force {
		f.forced++
	}
	return f.bundle, false, nil
}

func (f *fakeTokens) Validate(ctx context.Context, t store.TokenBundle) (bool, error) {
	return f.valid, nil
}

func (f *fakeTokens) Subscribe(cb func(store.TokenBundle)) {
	f.mu.Lock()
	f.subs = append(f.subs, cb)
	f.mu.Unlock()
}

func (f *fakeTokens) AccessToken(ctx context.Context) (string, error) {
	return f.bundle.AccessToken, nil
}

type fakeUpstream struct {
	ids  map[string]string            // name -> upstream id
	meta map[string]upstream.Metadata // upstream id -> metadata
}

func (f *fakeUpstream) LookupID(ctx context.Context, accessToken, name string) (string, error) {
	id, ok := f.ids[name]
	if !ok {
		return "", upstream.ErrNotFound
	}
	return id, nil
}

func (f *fakeUpstream) GetChannel(ctx context.Context, accessToken, id string, bypassCache bool) (upstream.Metadata, error) {
	m, ok := f.meta[id]
	if !ok {
		return upstream.Metadata{}, upstream.ErrNotFound
	}
	return m, nil
}

type fakePool struct {
	mu              sync.Mutex
	recording       map[string]bool
	cooldown        map[string]bool
	started         []string
	stopped         []string
	naturallyStopped []string
}

func newFakePool() *fakePool {
	return &fakePool{recording: map[string]bool{}, cooldown: map[string]bool{}}
}

func (f *fakePool) Start(ctx context.Context, ch recorder.ChannelInfo) (*recorder.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, ch.Name)
	f.recording[ch.Name] = true
	return &recorder.Job{ChannelName: ch.Name}, nil
}

func (f *fakePool) Stop(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, name)
	delete(f.recording, name)
	return nil
}

func (f *fakePool) StopNatural(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.naturallyStopped = append(f.naturallyStopped, name)
	delete(f.recording, name)
	return nil
}

func (f *fakePool) IsRecording(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recording[name]
}

func (f *fakePool) InCooldown(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cooldown[name]
}

func (f *fakePool) Reconcile(ctx context.Context, desired []recorder.ChannelInfo) {
	for _, ch := range desired {
		f.Start(ctx, ch)
	}
}

type fixture struct {
	s      *Supervisor
	push   *fakePush
	tokens *fakeTokens
	up     *fakeUpstream
	pool   *fakePool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		push:   &fakePush{},
		tokens: &fakeTokens{bundle: store.TokenBundle{AccessToken: "tok"}, valid: true},
		up:     &fakeUpstream{ids: map[string]string{}, meta: map[string]upstream.Metadata{}},
		pool:   newFakePool(),
	}
	s, err := New(Config{
		Paths:    store.Paths{ConfigDir: t.TempDir()},
		Push:     f.push,
		Tokens:   f.tokens,
		Upstream: f.up,
		Pool:     f.pool,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.s = s
	return f
}

func (f *fixture) seed(channels ...*store.Channel) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	for _, ch := range channels {
		f.s.roster[ch.Name] = ch
	}
}

func TestRosterChangedAddResolvesIDAndSubscribes(t *testing.T) {
	f := newFixture(t)
	f.up.ids["alice"] = "11111"

	if err := f.s.RosterChanged(context.Background(), []string{"Alice"}, nil); err != nil {
		t.Fatalf("RosterChanged: %v", err)
	}

	roster := f.s.GetRoster()
	if len(roster) != 1 || roster[0] != "alice" {
		t.Errorf("GetRoster = %v, want [alice] (normalized)", roster)
	}
	if len(f.push.added) != 1 || f.push.added[0] != "11111" {
		t.Errorf("push.added = %v, want [11111]", f.push.added)
	}

	persisted, err := store.LoadRoster(f.s.cfg.Paths)
	if err != nil {
		t.Fatalf("LoadRoster: %v", err)
	}
	if persisted["alice"] == nil || persisted["alice"].UpstreamID != "11111" {
		t.Errorf("persisted roster = %+v, want alice with id 11111", persisted)
	}
}

func TestRosterChangedIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.up.ids["alice"] = "11111"

	for i := 0; i < 2; i++ {
		if err := f.s.RosterChanged(context.Background(), []string{"alice"}, nil); err != nil {
			t.Fatalf("RosterChanged #%d: %v", i, err)
		}
	}
	if len(f.push.added) != 1 {
		t.Errorf("push.added = %v, want a single subscription request", f.push.added)
	}
}

func TestRosterChangedRemoveUnsubscribesAndStopsRecorder(t *testing.T) {
	f := newFixture(t)
	f.seed(&store.Channel{Name: "alice", UpstreamID: "11111", LastKnownLive: true})
	f.pool.recording["alice"] = true

	if err := f.s.RosterChanged(context.Background(), nil, []string{"alice"}); err != nil {
		t.Fatalf("RosterChanged: %v", err)
	}

	if len(f.s.GetRoster()) != 0 {
		t.Error("channel should be removed from roster")
	}
	if len(f.push.removed) != 1 || f.push.removed[0] != "11111" {
		t.Errorf("push.removed = %v, want [11111]", f.push.removed)
	}
	if len(f.pool.stopped) != 1 || f.pool.stopped[0] != "alice" {
		t.Errorf("pool.stopped = %v, want [alice]", f.pool.stopped)
	}
}

func TestOnNotificationLiveEndedPreservesTitleAndStopsRecorder(t *testing.T) {
	f := newFixture(t)
	f.seed(&store.Channel{
		Name: "alice", UpstreamID: "11111",
		LastKnownLive: true, CurrentTitle: "Speedrun", DesiredRecording: true,
	})
	f.pool.recording["alice"] = true

	f.s.OnNotification(context.Background(), "alice", upstream.EventLiveEnded, "")

	f.s.mu.RLock()
	ch := f.s.roster["alice"]
	f.s.mu.RUnlock()
	if ch.LastKnownLive {
		t.Error("LastKnownLive should be false after LIVE-ENDED")
	}
	if ch.LastNonemptyTitle != "Speedrun" {
		t.Errorf("LastNonemptyTitle = %q, want preserved Speedrun", ch.LastNonemptyTitle)
	}
	if ch.CurrentTitle != "Offline" {
		t.Errorf("CurrentTitle = %q, want Offline", ch.CurrentTitle)
	}
	if len(f.pool.naturallyStopped) != 1 {
		t.Errorf("pool.naturallyStopped = %v, want the recording cancelled as a natural completion", f.pool.naturallyStopped)
	}
	if len(f.pool.stopped) != 0 {
		t.Errorf("pool.stopped = %v — a stream-ended stop must not use the operator path (cooldown would be skipped)", f.pool.stopped)
	}
}

func TestOnNotificationLiveStartedRestoresTitleAndStartsRecorder(t *testing.T) {
	f := newFixture(t)
	f.seed(&store.Channel{
		Name: "alice", UpstreamID: "11111",
		LastKnownLive: false, CurrentTitle: "Offline", LastNonemptyTitle: "Speedrun",
		DesiredRecording: true,
	})

	f.s.OnNotification(context.Background(), "alice", upstream.EventLiveStarted, "")

	f.s.mu.RLock()
	ch := f.s.roster["alice"]
	f.s.mu.RUnlock()
	if !ch.LastKnownLive {
		t.Error("LastKnownLive should be true after LIVE-STARTED")
	}
	if ch.CurrentTitle != "Speedrun" {
		t.Errorf("CurrentTitle = %q, want restored Speedrun", ch.CurrentTitle)
	}
	if len(f.pool.started) != 1 || f.pool.started[0] != "alice" {
		t.Errorf("pool.started = %v, want [alice]", f.pool.started)
	}
}

func TestOnNotificationUnknownChannelIsDropped(t *testing.T) {
	f := newFixture(t)
	f.s.OnNotification(context.Background(), "stranger", upstream.EventLiveStarted, "t")
	if len(f.pool.started) != 0 {
		t.Error("a notification for an unknown channel must be dropped without side effects")
	}
}

func TestOnNotificationSkipsStartWhenNotDesired(t *testing.T) {
	f := newFixture(t)
	f.seed(&store.Channel{Name: "alice", UpstreamID: "11111", DesiredRecording: false})

	f.s.OnNotification(context.Background(), "alice", upstream.EventLiveStarted, "t")
	if len(f.pool.started) != 0 {
		t.Error("recording must not start when downloads are disabled")
	}
}

func TestPollTickEmitsTransitionEvents(t *testing.T) {
	f := newFixture(t)
	f.seed(&store.Channel{Name: "alice", UpstreamID: "11111", LastKnownLive: false, DesiredRecording: true})
	f.up.meta["11111"] = upstream.Metadata{Live: true, Title: "Back online"}

	f.s.pollTick(context.Background())

	f.s.mu.RLock()
	ch := f.s.roster["alice"]
	f.s.mu.RUnlock()
	if !ch.LastKnownLive {
		t.Error("poll-tick should reconcile the live flag from upstream")
	}
	if ch.CurrentTitle != "Back online" {
		t.Errorf("CurrentTitle = %q, want Back online", ch.CurrentTitle)
	}
	if len(f.pool.started) != 1 {
		t.Errorf("pool.started = %v, want the transition to trigger a start", f.pool.started)
	}
}

func TestPollTickNoTransitionNoEvent(t *testing.T) {
	f := newFixture(t)
	f.seed(&store.Channel{Name: "alice", UpstreamID: "11111", LastKnownLive: false})
	f.up.meta["11111"] = upstream.Metadata{Live: false}

	f.s.pollTick(context.Background())
	if len(f.pool.started) != 0 || len(f.pool.stopped) != 0 {
		t.Error("no transition should mean no recorder activity")
	}
}

func TestCheckPushHealthRestartsWhenNoSessionConnected(t *testing.T) {
	f := newFixture(t)
	f.seed(&store.Channel{Name: "alice", UpstreamID: "11111"})
	f.push.sessions = []push.SessionState{push.StateDisconnected, push.StateFailed}

	f.s.checkPushHealth(context.Background())
	if f.push.restarts != 1 {
		t.Errorf("restarts = %d, want 1", f.push.restarts)
	}
}

func TestCheckPushHealthSkipsWhenConnected(t *testing.T) {
	f := newFixture(t)
	f.seed(&store.Channel{Name: "alice", UpstreamID: "11111"})
	f.push.sessions = []push.SessionState{push.StateConnected}

	f.s.checkPushHealth(context.Background())
	if f.push.restarts != 0 {
		t.Error("no restart expected while a session is CONNECTED")
	}
}

func TestCheckPushHealthSkipsWhenNothingWatched(t *testing.T) {
	f := newFixture(t)
	f.s.checkPushHealth(context.Background())
	if f.push.restarts != 0 {
		t.Error("no restart expected with an empty roster")
	}
}

func TestCheckTokenHealthForcesRefreshOnInvalidToken(t *testing.T) {
	f := newFixture(t)
	f.tokens.valid = false

	f.s.checkTokenHealth(context.Background())
	if f.tokens.forced != 1 {
		t.Errorf("forced refreshes = %d, want 1", f.tokens.forced)
	}
}

func TestCheckTokenHealthLeavesValidTokenAlone(t *testing.T) {
	f := newFixture(t)
	f.s.checkTokenHealth(context.Background())
	if f.tokens.forced != 0 {
		t.Error("no forced refresh expected for a valid token")
	}
}

func TestCheckRosterConsistencyRestartsOnSubscriptionShortfall(t *testing.T) {
	f := newFixture(t)
	for _, ch := range []string{"a", "b", "c", "d", "e"} {
		f.seed(&store.Channel{Name: ch, UpstreamID: "id-" + ch})
	}
	f.push.subCount = 0 // 5 watched vs 0 subscriptions: over the margin of 3

	f.s.checkRosterConsistency(context.Background())
	if f.push.restarts != 1 {
		t.Errorf("restarts = %d, want 1", f.push.restarts)
	}
}

func TestCheckRosterConsistencyWithinMarginNoRestart(t *testing.T) {
	f := newFixture(t)
	for _, ch := range []string{"a", "b", "c"} {
		f.seed(&store.Channel{Name: ch, UpstreamID: "id-" + ch})
	}
	f.push.subCount = 0 // 3 watched vs 0 subscriptions: within margin

	f.s.checkRosterConsistency(context.Background())
	if f.push.restarts != 0 {
		t.Error("no restart expected within the roster margin")
	}
}

func TestCheckRosterConsistencyStopsStaleRecordings(t *testing.T) {
	f := newFixture(t)
	f.seed(&store.Channel{Name: "alice", UpstreamID: "11111", LastKnownLive: false})
	f.push.subCount = 1
	f.pool.recording["alice"] = true

	f.s.checkRosterConsistency(context.Background())
	if len(f.pool.naturallyStopped) != 1 || f.pool.naturallyStopped[0] != "alice" {
		t.Errorf("pool.naturallyStopped = %v, want the offline channel's job stopped as a natural completion", f.pool.naturallyStopped)
	}
}

func TestCheckRecorderReconciliationStartsMissingJobs(t *testing.T) {
	f := newFixture(t)
	f.seed(
		&store.Channel{Name: "alice", UpstreamID: "1", DesiredRecording: true, LastKnownLive: true},
		&store.Channel{Name: "bob", UpstreamID: "2", DesiredRecording: true, LastKnownLive: false},
		&store.Channel{Name: "carol", UpstreamID: "3", DesiredRecording: false, LastKnownLive: true},
	)

	f.s.checkRecorderReconciliation(context.Background())
	if len(f.pool.started) != 1 || f.pool.started[0] != "alice" {
		t.Errorf("pool.started = %v, want only the desired+live channel", f.pool.started)
	}
}

func TestCheckRecorderReconciliationRespectsCooldown(t *testing.T) {
	f := newFixture(t)
	f.seed(&store.Channel{Name: "alice", UpstreamID: "1", DesiredRecording: true, LastKnownLive: true})
	f.pool.cooldown["alice"] = true

	f.s.checkRecorderReconciliation(context.Background())
	if len(f.pool.started) != 0 {
		t.Error("a channel in cooldown must not be restarted")
	}
}

func TestGetChannelStatus(t *testing.T) {
	f := newFixture(t)
	f.seed(&store.Channel{
		Name: "alice", UpstreamID: "1", LastKnownLive: true,
		DesiredRecording: true, CurrentTitle: "Speedrun",
		CurrentThumbnailURL: "thumb.png", SaveDirectory: "/rec",
	})
	f.pool.recording["alice"] = true

	st, ok := f.s.GetChannelStatus("Alice")
	if !ok {
		t.Fatal("expected status for alice")
	}
	if !st.Live || !st.DownloadsEnabled || st.Title != "Speedrun" || st.RecordingStatus != "recording" {
		t.Errorf("status = %+v", st)
	}

	if _, ok := f.s.GetChannelStatus("nobody"); ok {
		t.Error("unknown channel should report not-ok")
	}
}

func TestSetDownloadsEnabledFalseStopsRunningWorker(t *testing.T) {
	f := newFixture(t)
	f.seed(&store.Channel{Name: "alice", UpstreamID: "1", DesiredRecording: true, LastKnownLive: true})
	f.pool.recording["alice"] = true

	if err := f.s.SetDownloadsEnabled(context.Background(), "alice", false); err != nil {
		t.Fatalf("SetDownloadsEnabled: %v", err)
	}
	if len(f.pool.stopped) != 1 {
		t.Error("disabling downloads should stop the running worker immediately")
	}

	f.s.mu.RLock()
	desired := f.s.roster["alice"].DesiredRecording
	f.s.mu.RUnlock()
	if desired {
		t.Error("DesiredRecording should persist false")
	}
}

func TestPushReconnectBypassesRepairCooldown(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 2; i++ {
		if err := f.s.PushReconnect(context.Background()); err != nil {
			t.Fatalf("PushReconnect #%d: %v", i, err)
		}
	}
	if f.push.restarts != 2 {
		t.Errorf("restarts = %d, want 2 — operator-initiated restarts are not rate-limited", f.push.restarts)
	}
}
