// Package segment implements the SegmentInfo/FileSegment pair from
// spec section 4.1: the per-file shared metadata and load/save state
// machine that lets a CachedNetworkFile treat a remote object as if it
// were a locally seekable file.
//
// Grounded on rclone's backend/cache Handle/worker pair (handle.go):
// the speculative-readahead-with-retry shape of getChunk/Read, and the
// worker-driven download-then-signal flow, are carried over here as
// ReadBytes/WaitForData/SignalDataAvailable on a shared SegmentInfo
// instead of per-chunk in-memory blobs.
package segment

import (
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/FileSysOrg/jfileserver-sub003/errs"
	"github.com/FileSysOrg/jfileserver-sub003/internal/jflog"
)

// Info is one SegmentInfo per logically cached virtual file. Multiple
// FileSegment handles (one per open CachedNetworkFile) may share a
// single Info.
type Info struct {
	// TempPath is the backing temp file location. Immutable once set
	// by CreateTemporaryFile.
	TempPath string

	mu             sync.Mutex
	state          State
	queued         bool
	updated        bool
	readableLength int64 // -1 until first loader progress is known
	loadError      bool
	saveError      bool
	refCount       int
	file           *os.File
	bufferedBytes  int64 // unsaved bytes written since the last drain

	dataAvailableCV *sync.Cond
	writeBufferCV   *sync.Cond

	log *logrus.Entry
}

// NewInfo builds an Info bound to tempPath. The temp file is not
// created until CreateTemporaryFile is called.
func NewInfo(tempPath string) *Info {
	i := &Info{
		TempPath:       tempPath,
		state:          Initial,
		readableLength: -1,
	}
	i.dataAvailableCV = sync.NewCond(&i.mu)
	i.writeBufferCV = sync.NewCond(&i.mu)
	i.log = jflog.For("segment", logrus.Fields{"temp_path": tempPath})
	return i
}

// CreateTemporaryFile is idempotent: fails only with a genuine I/O
// error. Safe to call from multiple goroutines; only the first caller
// actually creates the file.
func (i *Info) CreateTemporaryFile() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.createTemporaryFileLocked()
}

func (i *Info) createTemporaryFileLocked() error {
	if i.file != nil {
		return nil
	}
	f, err := os.OpenFile(i.TempPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return errs.IOError(err, "create temp file %s", i.TempPath)
	}
	i.file = f
	return nil
}

// Open increments the reference count of open handles against this
// segment. Safe across threads.
func (i *Info) Open() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.createTemporaryFileLocked(); err != nil {
		return err
	}
	i.refCount++
	return nil
}

// Close decrements the reference count. When it reaches zero the
// shared temp file handle is closed (the temp file itself is deleted
// by the FileStateCache expiry/close listener, not here, per spec
// design note on finalizer-driven cleanup being unreliable).
func (i *Info) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.refCount > 0 {
		i.refCount--
	}
	if i.refCount == 0 && i.file != nil {
		err := i.file.Close()
		i.file = nil
		if err != nil {
			return errs.IOError(err, "close temp file %s", i.TempPath)
		}
	}
	return nil
}

// RefCount reports the current number of open FileSegment handles
// against this Info.
func (i *Info) RefCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.refCount
}

// State returns the current lifecycle state.
func (i *Info) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// setState transitions the state and broadcasts to any goroutine
// parked on either condition variable, since a transition to Available
// or Error resolves a read wait, and a transition through SaveWait
// resolves a write-buffer wait.
func (i *Info) setState(s State) {
	i.state = s
	i.dataAvailableCV.Broadcast()
	i.writeBufferCV.Broadcast()
}

// Queued reports whether a request is currently sitting in a queue
// (in-memory or durable) for this segment.
func (i *Info) Queued() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.queued
}

// TryMarkLoadQueued is the at-most-one-load gate described in spec
// 4.3 step 3 and property 8.1: it atomically checks
// "Initial && !queued" and, if true, marks queued and transitions to
// LoadWait, returning true. A second caller racing in sees queued=true
// (or a state past Initial) and gets false.
func (i *Info) TryMarkLoadQueued() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != Initial || i.queued {
		return false
	}
	i.queued = true
	i.setState(LoadWait)
	return true
}

// BeginLoading transitions LoadWait -> Loading. Called by the worker
// that dequeued the Load request.
func (i *Info) BeginLoading() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.setState(Loading)
}

// CompleteLoad transitions Loading -> Available, clears queued and the
// sticky load error, and sets ReadableLength to the file's full size.
func (i *Info) CompleteLoad(size int64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.queued = false
	i.loadError = false
	i.readableLength = size
	i.setState(Available)
}

// FailLoad transitions to Error and sets the sticky load-error flag.
// Per spec 7, load errors are sticky until the owning FileState
// expires and resets this segment to Initial.
func (i *Info) FailLoad() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.queued = false
	i.loadError = true
	i.setState(Error)
	i.log.Warn("load failed, segment sticky-errored")
}

// TryMarkSaveQueued is the write-side analogue of TryMarkLoadQueued: it
// queues a Save only if one is not already queued, regardless of
// current state (Available/Saved -> SaveWait is a legal edge).
func (i *Info) TryMarkSaveQueued() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.queued {
		return false
	}
	i.queued = true
	i.setState(SaveWait)
	return true
}

// BeginSaving transitions SaveWait -> Saving.
func (i *Info) BeginSaving() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.setState(Saving)
}

// CompleteSave transitions Saving -> Saved and clears queued, updated
// and the sticky save-error flag.
func (i *Info) CompleteSave() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.queued = false
	i.updated = false
	i.saveError = false
	i.setState(Saved)
}

// FailSave transitions to Error and sets the sticky save-error flag.
func (i *Info) FailSave() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.queued = false
	i.saveError = true
	i.setState(Error)
}

// ResetToInitial clears sticky errors and returns the segment to
// Initial. Only the FileState expiry path may call this (spec
// invariant: "once Error, only reset-to-Initial via file-state expiry
// may clear it").
func (i *Info) ResetToInitial() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.queued = false
	i.updated = false
	i.loadError = false
	i.saveError = false
	i.readableLength = -1
	i.setState(Initial)
}

// MarkUpdated records that a write has occurred since the last save.
func (i *Info) MarkUpdated() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.updated = true
	// A write after a completed load/save keeps the file Available so
	// readers on other handles keep working; it's the queued Save
	// transition (TryMarkSaveQueued) that moves state to SaveWait.
	if i.state == Saved {
		i.state = Available
	}
}

// Updated reports whether writes have occurred since the last save.
func (i *Info) Updated() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.updated
}

// LoadError reports the sticky load-error flag.
func (i *Info) LoadError() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.loadError
}

// SaveError reports the sticky save-error flag.
func (i *Info) SaveError() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.saveError
}

// ReadableLength returns the highest offset confirmed readable by a
// loader in progress, or -1 if the whole file can be loaded as one
// shot (nothing has reported partial progress yet).
func (i *Info) ReadableLength() int64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.readableLength
}

// SetReadableLength advances the watermark. Per testable property 2 it
// must never decrease except via ResetToInitial; a regression is
// treated as a loader bug and silently clamped rather than panicking,
// since a panic here would take down a worker goroutine mid-load.
func (i *Info) SetReadableLength(n int64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if n > i.readableLength {
		i.readableLength = n
	}
}

// HasDataFor classifies whether [fileOff, fileOff+length) can be
// served right now, partially served with a speculative probe (slack
// bytes past readableLength to absorb a loader's in-flight block
// boundary), or must wait. slack is typically 64 KiB (spec 4.3 step 5).
func (i *Info) HasDataFor(fileOff, length, slack int64) DataAvailability {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == Available || i.state == Saved {
		return FullyAvailable
	}
	// A loaded segment cycling through a save still holds all of its
	// data locally.
	if (i.state == SaveWait || i.state == Saving) && !i.loadError && i.readableLength >= 0 {
		return FullyAvailable
	}
	if i.readableLength < 0 {
		return NotAvailable
	}
	end := fileOff + length
	if i.readableLength >= end {
		return FullyAvailable
	}
	if i.readableLength+slack > end {
		return PartiallyAvailable
	}
	return NotAvailable
}

// SignalDataAvailable wakes every goroutine parked in WaitForData. It
// is the producer side used by loader workers as data progresses, not
// only on full completion.
func (i *Info) SignalDataAvailable() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.dataAvailableCV.Broadcast()
}

// WaitForData parks the calling goroutine on the data-available
// condition for up to timeout. It returns on timeout, spurious wakeup,
// or signal alike -- the caller is expected to re-check its predicate
// after every return, per spec design note on exceptions-as-control-
// flow: "treat spurious wakeups and timeouts identically".
func (i *Info) WaitForData(timeout time.Duration) {
	i.mu.Lock()
	defer i.mu.Unlock()
	// Arm the timer while holding the lock so its Broadcast cannot run
	// before Wait has parked.
	timer := time.AfterFunc(timeout, func() {
		i.mu.Lock()
		i.dataAvailableCV.Broadcast()
		i.mu.Unlock()
	})
	defer timer.Stop()

	i.dataAvailableCV.Wait()
}

// WaitForWriteBuffer parks on the write-buffer condition, used by
// CachedNetworkFile.Write when WriteBytes returns MaxBuffers.
func (i *Info) WaitForWriteBuffer(timeout time.Duration) {
	i.mu.Lock()
	defer i.mu.Unlock()
	timer := time.AfterFunc(timeout, func() {
		i.mu.Lock()
		i.writeBufferCV.Broadcast()
		i.mu.Unlock()
	})
	defer timer.Stop()

	i.writeBufferCV.Wait()
}

// SignalWriteBuffer wakes goroutines parked in WaitForWriteBuffer,
// e.g. once a save has drained part of the buffered extent.
func (i *Info) SignalWriteBuffer() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.writeBufferCV.Broadcast()
}

// AddBuffered accounts for n freshly written, not-yet-saved bytes. The
// counter lives on Info (not on the per-handle Segment) so that a
// worker's ephemeral Segment over the same Info can drain it on behalf
// of whichever handle's writes produced it (spec 4.1: SaveableStatus is
// a property of the segment as a whole, not of one open handle).
func (i *Info) AddBuffered(n int64) int64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.bufferedBytes += n
	return i.bufferedBytes
}

// BufferedBytes reports the current unsaved-bytes counter.
func (i *Info) BufferedBytes() int64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.bufferedBytes
}

// ResetBuffered zeroes the unsaved-bytes counter after a successful
// save and wakes any writer parked on write_buffer_cv.
func (i *Info) ResetBuffered() {
	i.mu.Lock()
	i.bufferedBytes = 0
	i.mu.Unlock()
	i.SignalWriteBuffer()
}

// FileLength returns the current size of the backing temp file.
func (i *Info) FileLength() (int64, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.fileLengthLocked()
}

func (i *Info) fileLengthLocked() (int64, error) {
	if i.file == nil {
		if err := i.createTemporaryFileLocked(); err != nil {
			return 0, err
		}
	}
	fi, err := i.file.Stat()
	if err != nil {
		return 0, errs.IOError(err, "stat temp file %s", i.TempPath)
	}
	return fi.Size(), nil
}

// Truncate resizes the backing temp file. Idempotent: truncating to
// the current size is a no-op observable only through a subsequent
// read returning 0 bytes past n.
func (i *Info) Truncate(size int64) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.createTemporaryFileLocked(); err != nil {
		return err
	}
	if err := i.file.Truncate(size); err != nil {
		return errs.IOError(err, "truncate temp file %s to %d", i.TempPath, size)
	}
	if i.readableLength > size {
		i.readableLength = size
	}
	return nil
}

// readAt and writeAt are the local-I/O primitives shared by every
// FileSegment over this Info. They never block on load completion --
// callers must check HasDataFor first, per spec 4.1.
func (i *Info) readAt(p []byte, off int64) (int, error) {
	i.mu.Lock()
	f := i.file
	i.mu.Unlock()
	if f == nil {
		if err := i.Open(); err != nil {
			return 0, err
		}
		i.mu.Lock()
		f = i.file
		i.mu.Unlock()
		defer func() { _ = i.Close() }()
	}
	n, err := f.ReadAt(p, off)
	if err != nil && err.Error() == "EOF" {
		return n, nil
	}
	return n, err
}

func (i *Info) writeAt(p []byte, off int64) (int, error) {
	i.mu.Lock()
	if err := i.createTemporaryFileLocked(); err != nil {
		i.mu.Unlock()
		return 0, err
	}
	f := i.file
	i.mu.Unlock()
	return f.WriteAt(p, off)
}
