// Package store persists the supervisor's flat on-disk state: the channel
// roster and the token bundle, both written with the write-to-temp-then-
// rename protocol so a reader never observes a partial file (spec §6, I6).
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/riverbend/streamwatch/config"
)

// Channel is the roster entity (spec §3). Name is the lower-cased primary key.
type Channel struct {
	Name                string    `json:"name"`
	UpstreamID          string    `json:"upstream_id,omitempty"`
	DesiredRecording    bool      `json:"desired_recording"`
	LastKnownLive       bool      `json:"last_known_live"`
	CurrentTitle        string    `json:"current_title,omitempty"`
	LastNonemptyTitle   string    `json:"last_nonempty_title,omitempty"`
	CurrentThumbnailURL string    `json:"current_thumbnail_url,omitempty"`
	SaveDirectory       string    `json:"save_directory,omitempty"`
	PreferredQuality    string    `json:"preferred_quality,omitempty"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Clone returns a deep copy — Channel has no reference fields today, but
// this keeps callers honest about not sharing roster entries across the
// RWMutex boundary in supervisor.
func (c Channel) Clone() Channel { return c }

// NormalizeName lower-cases and trims a channel name (spec I1).
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// TokenBundle is the Token Manager's credential triple (spec §3).
type TokenBundle struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Empty reports whether the bundle is empty (fatal-corruption recovery
// produces a zero-value bundle — spec §7 "fatal-corruption").
func (t TokenBundle) Empty() bool {
	return t.AccessToken == "" && t.RefreshToken == ""
}

// Paths collects the on-disk locations this package reads/writes (spec §6).
type Paths struct {
	ConfigDir string // <config>
}

func (p Paths) rosterPath() string  { return filepath.Join(p.ConfigDir, "roster.json") }
func (p Paths) tokenPath() string   { return filepath.Join(p.ConfigDir, "token.json") }
func (p Paths) backupDir() string   { return filepath.Join(p.ConfigDir, "backups") }
func (p Paths) cookiePath() string  { return filepath.Join(p.ConfigDir, "push-cookie.txt") }

// ---- roster ----

// LoadRoster reads roster.json. A missing file returns an empty roster, not
// an error — a fresh install has none yet.
func LoadRoster(p Paths) (map[string]*Channel, error) {
	raw, err := os.ReadFile(p.rosterPath())
	if os.IsNotExist(err) {
		return map[string]*Channel{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}

	var list []*Channel
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("parse roster: %w", err)
	}

	out := make(map[string]*Channel, len(list))
	for _, c := range list {
		out[NormalizeName(c.Name)] = c
	}
	return out, nil
}

// SaveRoster writes the roster atomically (I6-style crash-atomicity, P6).
// Entries are sorted by name so the file diffs cleanly between writes.
func SaveRoster(p Paths, roster map[string]*Channel) error {
	list := make([]*Channel, 0, len(roster))
	for _, c := range roster {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })

	b, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(p.ConfigDir, 0o755); err != nil {
		return err
	}
	return config.WriteAtomic(p.rosterPath(), b)
}

// ---- token bundle ----

// LoadToken reads token.json. A missing file returns a zero bundle and no
// error. Spec §7 fatal-corruption: an unparseable file returns a zero
// bundle with an error wrapping ErrCorruptToken; this function logs
// nothing, and the caller decides whether to proceed unauthenticated.
func LoadToken(p Paths) (TokenBundle, error) {
	raw, err := os.ReadFile(p.tokenPath())
	if os.IsNotExist(err) {
		return TokenBundle{}, nil
	}
	if err != nil {
		return TokenBundle{}, fmt.Errorf("read token bundle: %w", err)
	}

	var t TokenBundle
	if err := json.Unmarshal(raw, &t); err != nil {
		return TokenBundle{}, fmt.Errorf("%w: %w", ErrCorruptToken, err)
	}
	return t, nil
}

// SaveToken writes the token bundle atomically (I6).
func SaveToken(p Paths, t TokenBundle) error {
	b, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(p.ConfigDir, 0o755); err != nil {
		return err
	}
	return config.WriteAtomic(p.tokenPath(), b)
}

// ErrCorruptToken marks a token.json that exists but fails to parse. The
// caller (token.Manager) treats this as fatal-corruption: log, start
// unauthenticated, proceed (spec §7).
var ErrCorruptToken = fmt.Errorf("token bundle unparseable")

// ReadPushCookie returns the optional authentication cookie used by the
// Recorder Worker, or "" if the operator hasn't provided one.
func ReadPushCookie(p Paths) string {
	b, err := os.ReadFile(p.cookiePath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// ---- rotating backups ----

// BackupRoster copies the current roster.json into <config>/backups/ with a
// timestamped name, then prunes down to the newest 5 (spec §6). Callers
// should rate-limit invocations themselves (at most once per 24h, per spec);
// BackupRegistry below tracks that.
func BackupRoster(p Paths, now time.Time) error {
	raw, err := os.ReadFile(p.rosterPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read roster for backup: %w", err)
	}

	dir := p.backupDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	name := fmt.Sprintf("roster-%s.json", now.UTC().Format("20060102_150405"))
	if err := config.WriteAtomic(filepath.Join(dir, name), raw); err != nil {
		return err
	}
	return pruneBackups(dir, 5)
}

func pruneBackups(dir string, keep int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "roster-") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names) // timestamp-named, lexical == chronological
	if len(names) <= keep {
		return nil
	}
	for _, n := range names[:len(names)-keep] {
		_ = os.Remove(filepath.Join(dir, n))
	}
	return nil
}

// BackupRegistry tracks the last time a roster backup was taken so callers
// can enforce the "at most once per 24h" cadence without persisting extra
// state. It is kept in memory only, unlike the repair-attempt registry,
// which store/history persists.
type BackupRegistry struct {
	mu   sync.Mutex
	last time.Time
}

// Due reports whether a new backup should be taken, given minInterval.
func (r *BackupRegistry) Due(now time.Time, minInterval time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return now.Sub(r.last) >= minInterval
}

// MarkDone records that a backup just completed.
func (r *BackupRegistry) MarkDone(now time.Time) {
	r.mu.Lock()
	r.last = now
	r.mu.Unlock()
}
