// Command streamwatch is the process entry point: component wiring
// order, signal handling, and graceful shutdown. Grounded on the
// teacher's main.go (env-var config with defaults, ctx-based shutdown
// sequencing); the HTTP front-end it wires (router.New) is out of
// scope (spec §1) and is not reproduced here.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/riverbend/streamwatch/config"
	"github.com/riverbend/streamwatch/push"
	"github.com/riverbend/streamwatch/recorder"
	"github.com/riverbend/streamwatch/store"
	"github.com/riverbend/streamwatch/store/history"
	"github.com/riverbend/streamwatch/supervisor"
	"github.com/riverbend/streamwatch/token"
	"github.com/riverbend/streamwatch/upstream"
)

var version = "dev"

func main() {
	confDir := env("STREAMWATCH_CONF_DIR", "/data/conf")
	apiBaseURL := env("STREAMWATCH_API_BASE_URL", "https://api.twitch.tv")
	pushWSURL := env("STREAMWATCH_PUSH_WS_URL", "wss://eventsub.wss.twitch.tv/ws")
	refreshEndpoint := env("STREAMWATCH_REFRESH_ENDPOINT", "http://localhost:4000/oauth/refresh")
	clientID := env("STREAMWATCH_CLIENT_ID", "")
	clientSecret := env("STREAMWATCH_CLIENT_SECRET", "")

	fmt.Printf("streamwatch %s\n", version)

	if err := os.MkdirAll(confDir, 0o755); err != nil {
		log.Fatalf("conf dir: %v", err)
	}
	paths := store.Paths{ConfigDir: confDir}

	cfg, err := config.Load(filepath.Join(confDir, "config.json"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	data := cfg.Get()

	hist, err := history.Open(filepath.Join(confDir, "history.db"))
	if err != nil {
		log.Fatalf("history: %v", err)
	}
	defer hist.Close()

	upstreamClient := upstream.NewClient(apiBaseURL, clientID, data.UserAgent, data.RequestConcurrency)

	tokenMgr, err := token.NewManager(token.Config{
		Paths:           paths,
		RefreshEndpoint: refreshEndpoint,
		ClientID:        clientID,
		ClientSecret:    clientSecret,
		RefreshBuffer:   mustParseDuration(data.RefreshBuffer, 30*time.Minute),
		Validator:       upstreamClient,
	})
	if err != nil {
		log.Fatalf("token manager: %v", err)
	}
	defer tokenMgr.Stop()

	cookie := store.ReadPushCookie(paths)
	pool := recorder.NewPool(recorder.Config{
		Upstream:             upstreamClient,
		Tokens:               tokenMgr,
		Source:               recorder.NewHTTPSource(unconfiguredManifest, data.ReadBufferBytes),
		History:              hist,
		Auth:                 recorder.AuthOptions{Cookie: cookie, AdFreeMode: cookie == ""},
		Cooldown:             mustParseDuration(data.RecordingCooldown, 30*time.Second),
		DefaultSaveDirectory: data.SaveDirectory,
		StreamOpenTimeout:    mustParseDuration(data.StreamOpenTimeout, 60*time.Second),
	})

	super, err := supervisor.New(supervisor.Config{
		Paths:             paths,
		Tokens:            tokenMgr,
		Upstream:          upstreamClient,
		Pool:              pool,
		History:           hist,
		PollInterval:      mustParseDuration(data.PollInterval, 300*time.Second),
		SuperviseInterval: mustParseDuration(data.SuperviseInterval, 600*time.Second),
		RepairCooldown:    mustParseDuration(data.RepairCooldown, time.Hour),
	})
	if err != nil {
		log.Fatalf("supervisor: %v", err)
	}

	pushMgr := push.NewManager(push.Config{
		WSURL:             pushWSURL,
		MaxSessions:       data.MaxSessions,
		MaxSubsPerSession: data.MaxSubsPerSession,
		BatchSize:         data.BatchSize,
		HygieneInterval:   mustParseDuration(data.HygieneInterval, 12*time.Hour),
		RequestsPerSecond: float64(data.SubscriptionRequestConcurrency),
		Upstream:          upstreamClient,
		Tokens:            tokenMgr,
		Roster:            super,
		Handler: push.Handler{
			OnNotification: func(n push.Notification) {
				super.OnNotification(context.Background(), n.ChannelID, n.Kind, n.Title)
			},
		},
	})
	super.SetPush(pushMgr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	super.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("streamwatch: watching %d channel(s)", len(super.GetRoster()))

	<-sigCh
	log.Println("streamwatch: shutting down…")
	super.Stop()
	pushMgr.Stop()
	pool.StopAll()

	done := make(chan struct{})
	go func() {
		pool.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Println("streamwatch: shutdown grace period expired, exiting with recordings in flight")
	}
}

// unconfiguredManifest is the default StreamSource manifest resolver: the
// media-extraction library is an opaque external dependency the core
// never implements (spec §1) — an operator deploying this binary
// supplies their own via recorder.NewHTTPSource.
func unconfiguredManifest(ctx context.Context, channelLogin string, auth recorder.AuthOptions) ([]recorder.Rendition, error) {
	return nil, fmt.Errorf("streamwatch: no stream-extraction source configured for %s", channelLogin)
}

func mustParseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		log.Printf("streamwatch: bad duration %q, using default %s: %v", s, def, err)
		return def
	}
	return d
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
