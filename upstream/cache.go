package upstream

import (
	"sync"
	"time"
)

const (
	// staticTTL bounds how long profile images and other rarely-changing
	// fields are served from cache before a full re-fetch (spec §4.1).
	staticTTL = 24 * time.Hour
	// liveTTL bounds how long live-status fields (title, live flag,
	// thumbnail) are served from cache before a cheaper live-only refresh.
	liveTTL = 60 * time.Second
)

// Metadata is the channel-metadata shape returned by get-channel.
type Metadata struct {
	Login           string
	DisplayName     string
	Live            bool
	Title           string
	ThumbnailURL    string
	ProfileImageURL string
	OfflineImageURL string
	ViewerCount     int
}

type cacheEntry struct {
	meta      Metadata
	fetchedAt time.Time // last full fetch
	liveAt    time.Time // last live-only refresh
}

// metadataCache is a read-through cache keyed by upstream channel id. A
// full fetch refreshes everything and resets both timers; once the
// live-only TTL elapses but the static TTL hasn't, only the cheap
// live-status query runs and the static fields are carried forward
// untouched — mirroring the two-tier strategy in the upstream's own
// GraphQL client (only a full fetch resets the static clock, so a channel
// that is queried often pays the expensive query once per staticTTL).
type metadataCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
}

func newMetadataCache() *metadataCache {
	return &metadataCache{entries: make(map[string]*cacheEntry)}
}

// cacheAction tells the caller what kind of upstream fetch (if any) is
// needed to satisfy a GetChannel call for id, given now.
type cacheAction int

const (
	actionNone cacheAction = iota
	actionLiveOnly
	actionFull
)

func (c *metadataCache) plan(id string, now time.Time) (Metadata, cacheAction) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return Metadata{}, actionFull
	}
	if now.Sub(e.fetchedAt) >= staticTTL {
		return Metadata{}, actionFull
	}
	if now.Sub(e.liveAt) >= liveTTL {
		return e.meta, actionLiveOnly
	}
	return e.meta, actionNone
}

func (c *metadataCache) storeFull(id string, m Metadata, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = &cacheEntry{meta: m, fetchedAt: now, liveAt: now}
}

// storeLiveOnly merges live-status fields onto an existing entry and
// resets only the live clock; fetchedAt keeps the time of the last full
// fetch, so the static fields are re-fetched once staticTTL has passed.
func (c *metadataCache) storeLiveOnly(id string, live Metadata, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		c.entries[id] = &cacheEntry{meta: live, fetchedAt: now, liveAt: now}
		return
	}
	e.meta.Live = live.Live
	e.meta.Title = live.Title
	e.meta.ThumbnailURL = live.ThumbnailURL
	e.meta.ViewerCount = live.ViewerCount
	e.liveAt = now
}

func (c *metadataCache) invalidate(id string) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}
