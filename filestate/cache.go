package filestate

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/FileSysOrg/jfileserver-sub003/errs"
	"github.com/FileSysOrg/jfileserver-sub003/internal/jflog"
)

// ExpiredListener is notified when the cache is about to evict a
// State. Returning false vetoes the eviction (e.g. the state is still
// pinned by a queued segment request); returning true lets the sweep
// proceed and is the FileLoader's cue to delete the state's temp file.
type ExpiredListener func(s *State) (expire bool)

// ClosedListener is notified when a State's last open handle goes away
// (open_count reaches zero), independent of eviction.
type ClosedListener func(s *State)

// Cache is the path->FileState map described in spec 4.2. The map
// itself is guarded by gocache (github.com/patrickmn/go-cache), which
// gives TTL expiry and sweep scheduling for free; per-State mutable
// fields are guarded by State's own mutex, honoring the spec's lock
// order: cache-map before file-state.
type Cache struct {
	mapMu sync.RWMutex
	store *gocache.Cache

	expiredListeners []ExpiredListener
	closedListeners  []ClosedListener

	nextFileID int64
	fileIDMu   sync.Mutex

	log *logrus.Entry
}

// New builds a Cache with the given sweep interval.
func New(sweepInterval time.Duration) *Cache {
	c := &Cache{
		store: gocache.New(gocache.NoExpiration, sweepInterval),
		log:   jflog.For("filestatecache", nil),
	}
	c.store.OnEvicted(func(path string, v any) {
		st := v.(*State)
		c.handleEviction(path, st)
	})
	return c
}

// OnExpired registers a listener invoked during the eviction sweep,
// before the entry is actually dropped.
func (c *Cache) OnExpired(l ExpiredListener) {
	c.mapMu.Lock()
	defer c.mapMu.Unlock()
	c.expiredListeners = append(c.expiredListeners, l)
}

// OnClosed registers a listener invoked whenever a State's open count
// reaches zero.
func (c *Cache) OnClosed(l ClosedListener) {
	c.mapMu.Lock()
	defer c.mapMu.Unlock()
	c.closedListeners = append(c.closedListeners, l)
}

// handleEviction runs the expired listeners. gocache has already
// decided (by TTL) that the item is due for eviction; the core still
// has the final say per the invariant "a state may be evicted only
// while open_count = 0 and its attached SegmentInfo.queued = false".
// If any listener vetoes, the entry is reinserted with NoTimeout so it
// survives until something re-arms its expiry.
func (c *Cache) handleEviction(path string, st *State) {
	if st.OpenCount() > 0 {
		c.reinstate(path, st, NoTimeout)
		return
	}
	if seg := st.Segment(); seg != nil && seg.Queued() {
		c.reinstate(path, st, NoTimeout)
		return
	}

	c.mapMu.RLock()
	listeners := append([]ExpiredListener(nil), c.expiredListeners...)
	c.mapMu.RUnlock()

	keep := true
	for _, l := range listeners {
		if !l(st) {
			keep = false
		}
	}
	if !keep {
		c.reinstate(path, st, NoTimeout)
	}
}

func (c *Cache) reinstate(path string, st *State, ttl time.Duration) {
	c.store.Set(path, st, ttl)
}

// Find returns the State for path, creating one if create is true and
// none exists yet. Newly created states start pinned (NoTimeout) until
// their first close sets a real expiry.
func (c *Cache) Find(path string, create bool) (*State, bool) {
	if v, ok := c.store.Get(path); ok {
		return v.(*State), true
	}
	if !create {
		return nil, false
	}

	c.mapMu.Lock()
	defer c.mapMu.Unlock()
	// re-check under the write lock in case of a concurrent creator
	if v, ok := c.store.Get(path); ok {
		return v.(*State), true
	}
	st := newState(path, c.allocFileID())
	c.store.Set(path, st, NoTimeout)
	return st, false
}

func (c *Cache) allocFileID() int64 {
	c.fileIDMu.Lock()
	defer c.fileIDMu.Unlock()
	c.nextFileID++
	return c.nextFileID
}

// Rename moves state from its current path key to newPath, flipping
// IsDir if the entry represents a directory.
func (c *Cache) Rename(oldPath string, st *State, newPath string, isDir bool) {
	c.mapMu.Lock()
	defer c.mapMu.Unlock()
	c.store.Delete(oldPath)
	st.Path = newPath
	if isDir {
		st.Status = DirectoryExists
	}
	ttl := NoTimeout
	if st.OpenCount() == 0 {
		ttl = gocache.DefaultExpiration
	}
	c.store.Set(newPath, st, ttl)
}

// Remove drops path unconditionally (e.g. the file was deleted).
func (c *Cache) Remove(path string) {
	c.mapMu.Lock()
	defer c.mapMu.Unlock()
	c.store.Delete(path)
}

// SequentialCooldown sets how long a State lingers after its open count
// reaches zero. Sequential-only files use a short 3s cooldown so a
// rapid reopen reuses the warm temp file (spec 4.3 close behavior);
// everything else uses the cache's configured default.
const (
	SequentialCooldown = 3 * time.Second
)

// GrantFileAccess arbitrates sharing mode for an open against st and
// returns an AccessToken on success, or an AccessDenied *errs.CoreError
// (spec section 7: sharing violations are AccessDenied) if the request
// conflicts with an existing holder.
func (c *Cache) GrantFileAccess(st *State, want AccessAttr) (AccessToken, error) {
	tok, ok := st.grantAccess(want)
	if !ok {
		return AccessToken{}, errs.New(errs.AccessDenied, "sharing violation on %s", st.Path)
	}
	c.mapMu.Lock()
	c.store.Set(st.Path, st, NoTimeout)
	c.mapMu.Unlock()
	return tok, nil
}

// ReleaseFileAccess returns tok and, if the open count reaches zero,
// arms the state's cooldown expiry and fires the closed listeners.
func (c *Cache) ReleaseFileAccess(st *State, tok AccessToken, cooldown time.Duration) int {
	remaining := st.releaseAccess(tok)
	if remaining == 0 {
		c.mapMu.Lock()
		c.store.Set(st.Path, st, cooldown)
		c.mapMu.Unlock()

		c.mapMu.RLock()
		listeners := append([]ClosedListener(nil), c.closedListeners...)
		c.mapMu.RUnlock()
		for _, l := range listeners {
			l(st)
		}
	}
	return remaining
}

// Touch refreshes the cache TTL for st's path without altering
// open-count or token state. BackgroundLoadSave's worker pool calls
// this after dispatching a request to terminal Success/Error, so the
// just-processed FileState lingers for RequestProcessedExpire (spec
// 4.4 step 4) even though nothing has it open right now.
func (c *Cache) Touch(st *State, ttl time.Duration) {
	if st.OpenCount() > 0 {
		return
	}
	c.mapMu.Lock()
	defer c.mapMu.Unlock()
	if _, ok := c.store.Get(st.Path); ok {
		c.store.Set(st.Path, st, ttl)
	}
}

// ItemCount reports the number of tracked paths, for tests and
// diagnostics.
func (c *Cache) ItemCount() int {
	return c.store.ItemCount()
}
