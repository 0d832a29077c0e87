package recorder

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/riverbend/streamwatch/upstream"
)

// TokenSource supplies the current bearer token for upstream calls.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Upstream is the subset of upstream.Client the Pool needs: a fresh (not
// cached) live-status query for the start contract (spec §4.4) and title
// resolution fallback.
type Upstream interface {
	GetChannel(ctx context.Context, accessToken, id string, bypassCache bool) (upstream.Metadata, error)
}

// History records a completed recording for the diagnostic ledger
// (SPEC_FULL §D.2). A nil History is valid — the Pool works without one.
type History interface {
	RecordRecording(ctx context.Context, channel, path string, startedAt, endedAt time.Time, bytesWritten int64, completion string) error
}

// ChannelInfo is the subset of roster state the Pool needs to evaluate a
// start request. Passed in by the Supervisor rather than imported from
// store, so recorder carries no dependency on the roster package.
type ChannelInfo struct {
	Name             string
	ChannelLogin     string // upstream login string renditions are resolved by
	UpstreamID       string
	SaveDirectory    string
	PreferredQuality string
	CurrentTitle     string
}

// startErr is one of the spec §7 taxonomy members a Start call can fail
// with; distinct from transport/filesystem errors so the Supervisor can
// tell a declined start from a broken one.
type startErr string

func (e startErr) Error() string { return string(e) }

const (
	// ErrAlreadyRecording means I2 already holds — a job exists for this
	// channel.
	ErrAlreadyRecording startErr = "already-recording"
	// ErrCooldown means a start was rejected silently per spec §4.4/§7 —
	// not an error condition to surface to the operator.
	ErrCooldown startErr = "cooldown"
	// ErrNotLive means the fresh upstream query didn't confirm live.
	ErrNotLive startErr = "not-live"
	// ErrTitleUnresolved means no non-placeholder title could be found
	// even after a fresh fetch (spec §4.4, §7).
	ErrTitleUnresolved startErr = "title-unresolved"
)

// Handler carries the Supervisor-side callback invoked on job completion.
type Handler struct {
	// OnCompletion fires once a channel's Worker has exited, after the job
	// has been removed from the Pool's table and any cooldown installed.
	OnCompletion func(channelName, status string)
}

// Config configures a Pool.
type Config struct {
	Upstream             Upstream
	Tokens               TokenSource
	Source               StreamSource
	History              History
	Handler              Handler
	Auth                 AuthOptions
	Cooldown             time.Duration // default 30s, spec §4.4
	DefaultSaveDirectory string
	StreamOpenTimeout    time.Duration
}

// Job is the Recording Job entity (spec §3): one in-flight capture.
type Job struct {
	ID          string
	ChannelName string
	DestPath    string
	StartedAt   time.Time

	worker     *Worker
	manualStop atomic.Bool
}

// Pool is the Recorder Pool (spec §4.4): owns every Worker, enforces
// at-most-one-job-per-channel (I2), applies post-completion cooldowns,
// and reconciles desired-vs-actual on start-up and on demand.
type Pool struct {
	cfg Config

	mu       sync.Mutex
	jobs     map[string]*Job
	cooldown map[string]time.Time

	wg sync.WaitGroup
}

// NewPool constructs a Pool. Cooldown defaults to 30s if unset.
func NewPool(cfg Config) *Pool {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Pool{
		cfg:      cfg,
		jobs:     make(map[string]*Job),
		cooldown: make(map[string]time.Time),
	}
}

// Start evaluates the spec §4.4 start contract and, on success, launches
// a Worker. Preconditions are evaluated — and the Job inserted — while
// holding the Pool's mutex, so two concurrent Start calls for the same
// channel can never yield two Workers (spec §5).
func (p *Pool) Start(ctx context.Context, ch ChannelInfo) (*Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.jobs[ch.Name]; exists {
		return nil, fmt.Errorf("recorder: %s: %w", ch.Name, ErrAlreadyRecording)
	}
	if until, inCooldown := p.cooldown[ch.Name]; inCooldown {
		if time.Now().Before(until) {
			return nil, fmt.Errorf("recorder: %s: %w", ch.Name, ErrCooldown)
		}
		delete(p.cooldown, ch.Name)
	}

	token, err := p.cfg.Tokens.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("recorder: %s: resolve token: %w", ch.Name, err)
	}

	// Channel confirmed live by a fresh upstream query, never cached
	// roster state (spec §4.4 "Preconditions") — prevents a stale roster
	// from launching a recorder against an offline channel.
	meta, err := p.cfg.Upstream.GetChannel(ctx, token, ch.UpstreamID, true)
	if err != nil {
		return nil, fmt.Errorf("recorder: %s: live check: %w", ch.Name, err)
	}
	if !meta.Live {
		return nil, fmt.Errorf("recorder: %s: %w", ch.Name, ErrNotLive)
	}

	title := ch.CurrentTitle
	if isPlaceholderTitle(title, ch.Name) {
		title = meta.Title
	}
	if isPlaceholderTitle(title, ch.Name) {
		return nil, fmt.Errorf("recorder: %s: %w", ch.Name, ErrTitleUnresolved)
	}

	saveDir := ch.SaveDirectory
	if saveDir == "" {
		saveDir = p.cfg.DefaultSaveDirectory
	}
	dir := filepath.Join(saveDir, ch.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("recorder: %s: create directory: %w", ch.Name, err)
	}
	destPath, err := uniqueDestPath(dir, title, time.Now())
	if err != nil {
		return nil, fmt.Errorf("recorder: %s: %w", ch.Name, err)
	}

	login := ch.ChannelLogin
	if login == "" {
		login = ch.Name
	}
	w := newWorker(WorkerConfig{
		ChannelName:       ch.Name,
		ChannelLogin:      login,
		DestPath:          destPath,
		Source:            p.cfg.Source,
		Preferred:         ch.PreferredQuality,
		Auth:              p.cfg.Auth,
		StreamOpenTimeout: p.cfg.StreamOpenTimeout,
	})

	job := &Job{
		ID:          uuid.NewString(),
		ChannelName: ch.Name,
		DestPath:    destPath,
		StartedAt:   time.Now(),
		worker:      w,
	}
	p.jobs[ch.Name] = job

	p.wg.Add(1)
	go w.run()
	go p.awaitCompletion(job)

	log.Printf("recorder: %s: started, writing to %s", ch.Name, destPath)
	return job, nil
}

// Stop raises the cancellation signal for the channel's Worker, if any
// (spec §4.4 "Stop contract"). This is the operator-facing entry point:
// a manual stop does not impose the natural-completion cooldown.
func (p *Pool) Stop(name string) error {
	return p.stop(name, true)
}

// StopNatural raises the cancellation signal without marking the job as
// an operator stop. Used when the stream itself ended (a LIVE-ENDED
// notification) — the completion is natural, so the post-completion
// cooldown still applies.
func (p *Pool) StopNatural(name string) error {
	return p.stop(name, false)
}

func (p *Pool) stop(name string, manual bool) error {
	p.mu.Lock()
	job, ok := p.jobs[name]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("recorder: %s: not recording", name)
	}
	if manual {
		job.manualStop.Store(true)
	}
	job.worker.Stop()
	return nil
}

// StopAll signals every in-flight Worker, for process shutdown (spec §5
// "Cancellation semantics").
func (p *Pool) StopAll() {
	p.mu.Lock()
	jobs := make([]*Job, 0, len(p.jobs))
	for _, j := range p.jobs {
		jobs = append(jobs, j)
	}
	p.mu.Unlock()
	for _, j := range jobs {
		j.worker.Stop()
	}
}

// Wait blocks until every Worker started by this Pool has reported
// completion. Intended for a bounded-grace-period shutdown sequence.
func (p *Pool) Wait() { p.wg.Wait() }

// IsRecording reports whether a Job currently exists for name (I2).
func (p *Pool) IsRecording(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.jobs[name]
	return ok
}

// InCooldown reports whether name is currently refusing new starts.
func (p *Pool) InCooldown(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	until, ok := p.cooldown[name]
	return ok && time.Now().Before(until)
}

// awaitCompletion blocks on a Worker's completion channel and performs
// the Pool-side completion handling (spec §4.4 "Completion handling"):
// remove the job, install a cooldown on natural completion, publish the
// terminal status, and append a row to the history ledger.
func (p *Pool) awaitCompletion(job *Job) {
	defer p.wg.Done()
	c := <-job.worker.done

	natural := !job.manualStop.Load()

	p.mu.Lock()
	delete(p.jobs, job.ChannelName)
	if natural {
		p.cooldown[job.ChannelName] = time.Now().Add(p.cfg.Cooldown)
	}
	p.mu.Unlock()

	status := "completed"
	if c.Code == CompletionError {
		status = "error"
	}
	log.Printf("recorder: %s: %s (%d bytes written)", job.ChannelName, status, c.BytesWritten)

	if p.cfg.History != nil {
		if err := p.cfg.History.RecordRecording(context.Background(), job.ChannelName, job.DestPath, job.StartedAt, time.Now(), c.BytesWritten, status); err != nil {
			log.Printf("recorder: %s: record history: %v", job.ChannelName, err)
		}
	}
	if p.cfg.Handler.OnCompletion != nil {
		p.cfg.Handler.OnCompletion(job.ChannelName, status)
	}
}

// Reconcile implements the Pool's initial-reconciliation contract (spec
// §4.4 "Initial reconciliation"): for every channel desired, query
// upstream directly for fresh live status and launch a Worker for those
// confirmed live. Recovers from a process restart that happened
// mid-broadcast. Declined starts for channels that simply aren't live
// are expected, not logged as failures.
func (p *Pool) Reconcile(ctx context.Context, desired []ChannelInfo) {
	for _, ch := range desired {
		_, err := p.Start(ctx, ch)
		switch {
		case err == nil:
		case isDeclineErr(err):
			// not live, already recording, or cooling down — not worth logging
		default:
			log.Printf("recorder: reconcile %s: %v", ch.Name, err)
		}
	}
}

func isDeclineErr(err error) bool {
	return errors.Is(err, ErrNotLive) || errors.Is(err, ErrAlreadyRecording) || errors.Is(err, ErrCooldown)
}

// isPlaceholderTitle reports whether title carries no usable information
// (spec §4.4 "Stream title resolved to a non-placeholder value"): empty,
// the literal "Offline", or the synthetic "<name>'s Stream".
func isPlaceholderTitle(title, channelName string) bool {
	if title == "" || title == "Offline" {
		return true
	}
	return title == channelName+"'s Stream"
}

var illegalFilenameChars = regexp.MustCompile(`[<>:"/\\|?*]`)

// sanitizeTitle replaces the character class the spec names with `_` and
// truncates to 100 bytes, suffixing `…` on truncation (spec §4.4
// "Filename policy").
func sanitizeTitle(title string) string {
	s := illegalFilenameChars.ReplaceAllString(title, "_")
	if len(s) <= 100 {
		return s
	}
	return truncateValidUTF8(s, 100) + "…"
}

func truncateValidUTF8(s string, n int) string {
	b := []byte(s)
	if len(b) <= n {
		return s
	}
	b = b[:n]
	for len(b) > 0 && !utf8.Valid(b) {
		b = b[:len(b)-1]
	}
	return string(b)
}

// uniqueDestPath builds the "[YYYY-MM-DD] <title>.mp4" destination inside
// dir and appends " (N)" for the smallest N producing a free name (spec
// §4.4 "Filename policy").
func uniqueDestPath(dir, title string, now time.Time) (string, error) {
	base := fmt.Sprintf("[%s] %s", now.Format("2006-01-02"), sanitizeTitle(title))

	candidate := filepath.Join(dir, base+".mp4")
	free, err := pathFree(candidate)
	if err != nil {
		return "", err
	}
	if free {
		return candidate, nil
	}

	for n := 1; ; n++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d).mp4", base, n))
		free, err := pathFree(candidate)
		if err != nil {
			return "", err
		}
		if free {
			return candidate, nil
		}
	}
}

func pathFree(path string) (bool, error) {
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}
