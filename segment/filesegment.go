package segment

import (
	"io"
	"sync/atomic"
	"time"

	"github.com/FileSysOrg/jfileserver-sub003/errs"
)

// Default tuning, overridable per Segment via WithBufferLimits.
const (
	// DefaultMaxBufferBytes is the amount of un-saved, written data a
	// segment tolerates before WriteBytes starts returning MaxBuffers.
	DefaultMaxBufferBytes = 16 * 1024 * 1024
	// DefaultOverflowBytes is the buffered-byte count past which
	// WriteBytes returns BufferOverflow (which CachedNetworkFile.Write
	// turns into DiskFull); no conversion is attempted.
	DefaultOverflowBytes = 64 * 1024 * 1024
)

// Segment is a thin, per-open-handle facade over a shared Info plus
// writability. Multiple Segments may share one Info (spec 4.1). The
// unsaved-write-buffer accounting lives on the shared Info, not here,
// so a background worker's own ephemeral Segment over the same Info
// can drain it (see Info.AddBuffered/ResetBuffered).
type Segment struct {
	Info     *Info
	Writable bool

	opened int32 // atomic: 1 once Open has succeeded, guards double-close
}

// New returns a Segment bound to info. Open must be called before any
// Read/Write.
func New(info *Info, writable bool) *Segment {
	return &Segment{Info: info, Writable: writable}
}

// Open acquires a reference on the shared Info and creates the temp
// file if this is the first handle against it.
func (s *Segment) Open() error {
	if err := s.Info.Open(); err != nil {
		return err
	}
	atomic.StoreInt32(&s.opened, 1)
	return nil
}

// Close releases this handle's reference on the shared Info. Safe to
// call more than once; the second call is a no-op.
func (s *Segment) Close() error {
	if !atomic.CompareAndSwapInt32(&s.opened, 1, 0) {
		return nil
	}
	return s.Info.Close()
}

// ReadBytes reads into p starting at fileOff, blocking only for local
// I/O -- never for load completion. Callers must check HasDataFor
// first (spec 4.1: "the caller is responsible for first checking
// has_data_for"). On an unexpected short/zero read it retries once
// after a defensive close+reopen of the temp handle, mirroring the
// teacher's worker.reader "stale FD" recovery idiom.
func (s *Segment) ReadBytes(p []byte, fileOff int64) (int, error) {
	n, err := s.Info.readAt(p, fileOff)
	if err == nil && n == 0 && len(p) > 0 {
		// Defensive retry: a stale handle observed by a long-lived
		// Segment across a loader's file replacement can yield a
		// spurious zero-length read.
		if reopenErr := s.reopen(); reopenErr == nil {
			n, err = s.Info.readAt(p, fileOff)
		}
	}
	return n, err
}

func (s *Segment) reopen() error {
	if err := s.Info.Close(); err != nil {
		return err
	}
	return s.Info.Open()
}

// WriteBytes writes p at fileOff and reports whether the caller should
// now enqueue a Save, back off, or fail. Forbidden on a read-only
// Segment -- callers must check Writable first.
func (s *Segment) WriteBytes(p []byte, fileOff int64) (SaveableStatus, error) {
	if !s.Writable {
		return 0, errs.New(errs.AccessDenied, "write on read-only segment")
	}

	buffered := s.Info.BufferedBytes()
	if buffered+int64(len(p)) > s.overflowBytes() {
		return BufferOverflow, nil
	}
	if buffered+int64(len(p)) > s.maxBufferBytes() {
		return MaxBuffers, nil
	}

	n, err := s.Info.writeAt(p, fileOff)
	if err != nil {
		return 0, errs.IOError(err, "write temp file %s", s.Info.TempPath)
	}
	s.Info.MarkUpdated()

	buffered = s.Info.AddBuffered(int64(n))
	if buffered >= int64(len(p)) {
		return Saveable, nil
	}
	return Buffering, nil
}

// WriteLoaded writes p at fileOff straight to the temp file, bypassing
// the unsaved-write-buffer accounting that WriteBytes enforces for
// client writes. A FileLoader populating a segment from a remote
// object is filling in already-durable data, not accumulating unsaved
// client changes, so it must never be throttled by MaxBuffers/
// BufferOverflow -- a load larger than DefaultMaxBufferBytes would
// otherwise silently stop reaching the temp file. It also must not
// mark the segment Updated: loaded bytes mirror the durable copy, they
// are not a pending change a Save needs to flush.
func (s *Segment) WriteLoaded(p []byte, fileOff int64) error {
	if !s.Writable {
		return errs.New(errs.AccessDenied, "write on read-only segment")
	}
	if _, err := s.Info.writeAt(p, fileOff); err != nil {
		return errs.IOError(err, "write temp file %s", s.Info.TempPath)
	}
	return nil
}

// DrainBuffer resets the Info-level buffered-bytes counter after a
// successful Save, unblocking any writer parked on MaxBuffers via
// write_buffer_cv -- including one parked against a different Segment
// handle over the same Info.
func (s *Segment) DrainBuffer() {
	s.Info.ResetBuffered()
}

func (s *Segment) maxBufferBytes() int64 { return DefaultMaxBufferBytes }
func (s *Segment) overflowBytes() int64  { return DefaultOverflowBytes }

// WaitForData delegates to Info.
func (s *Segment) WaitForData(timeout time.Duration) { s.Info.WaitForData(timeout) }

// FileLength delegates to Info.
func (s *Segment) FileLength() (int64, error) { return s.Info.FileLength() }

// ReadableLength delegates to Info.
func (s *Segment) ReadableLength() int64 { return s.Info.ReadableLength() }

// Truncate delegates to Info.
func (s *Segment) Truncate(size int64) error { return s.Info.Truncate(size) }

var (
	_ io.ReaderAt = (*readerAtAdapter)(nil)
)

// readerAtAdapter adapts a Segment to io.ReaderAt for callers (e.g. a
// FileLoader's SaveFileData) that want to stream the temp file out
// using standard library idioms like io.Copy via io.NewSectionReader.
type readerAtAdapter struct {
	s *Segment
}

func (a *readerAtAdapter) ReadAt(p []byte, off int64) (int, error) {
	return a.s.ReadBytes(p, off)
}

// AsReaderAt exposes the segment as an io.ReaderAt.
func (s *Segment) AsReaderAt() io.ReaderAt { return &readerAtAdapter{s: s} }
