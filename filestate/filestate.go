// Package filestate implements FileState and FileStateCache from spec
// section 3/4.2: the keyed cache entry for a virtual path, and the
// path->FileState map with expiry, listener callbacks and sharing-mode
// arbitration.
//
// Grounded on rclone's backend/cache storage_memory.go, which wraps
// github.com/patrickmn/go-cache for transient chunk storage with TTL
// semantics; FileStateCache reuses the same library for its path->state
// map instead of hand-rolling a sweep goroutine.
package filestate

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/FileSysOrg/jfileserver-sub003/internal/jflog"
	"github.com/FileSysOrg/jfileserver-sub003/segment"
)

// Status is the virtual path's existence status.
type Status int

const (
	Unknown Status = iota
	NotExist
	FileExists
	DirectoryExists
)

// NoTimeout marks a FileState as pinned (open_count > 0): it must never
// be swept by the expiry cache.
const NoTimeout = gocache.NoExpiration

// AccessAttr mirrors the bit of a FileOpenParams the arbiter cares
// about: desired access and the sharing the opener is willing to grant
// to others.
type AccessAttr struct {
	ReadAccess  bool
	WriteAccess bool
	ShareRead   bool
	ShareWrite  bool
	ShareDelete bool
}

// AccessToken is the ticket returned by GrantFileAccess; it must be
// returned via ReleaseFileAccess on close.
type AccessToken struct {
	id     uint64
	Access AccessAttr
}

// permits reports whether the sharing this token grants allows an
// incoming request for access want.
func (t AccessToken) permits(want AccessAttr) bool {
	if want.ReadAccess && !t.Access.ShareRead {
		return false
	}
	if want.WriteAccess && !t.Access.ShareWrite {
		return false
	}
	return true
}

// State is one FileState per virtual path currently tracked by the
// cache.
type State struct {
	Path   string
	FileID int64
	Status Status

	mu          sync.Mutex
	openCount   int
	tokens      []AccessToken
	nextTokenID uint64
	attributes  map[string]any
	segInfo     *segment.Info
	lockSet     LockSet

	log *logrus.Entry
}

func newState(path string, fileID int64) *State {
	return &State{
		Path:       path,
		FileID:     fileID,
		Status:     Unknown,
		attributes: make(map[string]any),
		log:        jflog.For("filestate", logrus.Fields{"path": path}),
	}
}

// OpenCount returns the number of currently granted access tokens.
func (s *State) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openCount
}

// Segment returns the segment.Info attached to this state, or nil if
// none has been attached yet.
func (s *State) Segment() *segment.Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.segInfo
}

// AttachSegment binds a segment.Info to this FileState. It is
// idempotent: calling it again with the same Info is a no-op, and a
// different Info replaces the old attachment only when the state has
// no open handles (the caller is responsible for that check; this
// mirrors the FileState<->SegmentInfo 1:1-per-open-lifetime relation
// from spec section 3).
func (s *State) AttachSegment(info *segment.Info) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segInfo = info
}

// SetAttribute stores a value in the state's attribute bag (spec 3:
// "a bag that holds FileInformation, SegmentInfo, stream-list, etc").
func (s *State) SetAttribute(name string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attributes[name] = value
}

// Attribute retrieves a value from the attribute bag.
func (s *State) Attribute(name string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.attributes[name]
	return v, ok
}

// Locks exposes the byte-range lock set, opaque to this package beyond
// storage (spec 3: "lock_set (byte-range locks, opaque to the core)").
func (s *State) Locks() *LockSet {
	return &s.lockSet
}

// grantAccess is the sharing-mode arbiter from spec 4.2: grant iff
// every existing token's sharing permits the requested access and the
// incoming sharing permits every existing token's access. Ties (two
// requests that would both be satisfied) favor whoever called first,
// which falls out naturally from evaluating the token list under the
// state's own mutex.
func (s *State) grantAccess(want AccessAttr) (AccessToken, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.tokens {
		if !existing.permits(want) {
			return AccessToken{}, false
		}
		if !grantedSharingPermits(want, existing.Access) {
			return AccessToken{}, false
		}
	}

	s.nextTokenID++
	tok := AccessToken{id: s.nextTokenID, Access: want}
	s.tokens = append(s.tokens, tok)
	s.openCount++
	return tok, true
}

// grantedSharingPermits reports whether the incoming requester's
// sharing bits would permit an existing holder's access.
func grantedSharingPermits(incomingSharing AccessAttr, existingAccess AccessAttr) bool {
	if existingAccess.ReadAccess && !incomingSharing.ShareRead {
		return false
	}
	if existingAccess.WriteAccess && !incomingSharing.ShareWrite {
		return false
	}
	return true
}

// releaseAccess removes tok and returns the new open count.
func (s *State) releaseAccess(tok AccessToken) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx, t := range s.tokens {
		if t.id == tok.id {
			s.tokens = append(s.tokens[:idx], s.tokens[idx+1:]...)
			break
		}
	}
	if s.openCount > 0 {
		s.openCount--
	}
	return s.openCount
}
