// Package fakeloader provides an in-memory FileLoader used by the
// cache core's own tests (netfile, loadsave) to stand in for a real
// object-store client, plus instrumentation (call counts, artificial
// delay, a stall hook) the testable-properties scenarios in spec
// section 8 need.
//
// Grounded on rclone's backend/cache worker.download, which reads a
// remote io.ReadCloser in chunkSize pieces and writes each into the
// local cache store as it arrives; Loader does the same against an
// in-memory []byte "object" instead of a real remote.
package fakeloader

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FileSysOrg/jfileserver-sub003/errs"
	"github.com/FileSysOrg/jfileserver-sub003/filestate"
	"github.com/FileSysOrg/jfileserver-sub003/loader"
	"github.com/FileSysOrg/jfileserver-sub003/segment"
)

// Object is a single stored blob, keyed by its object id.
type Object struct {
	Data []byte
}

// Loader is an in-memory FileLoader for tests.
type Loader struct {
	mu      sync.Mutex
	objects map[string][]byte

	// ChunkSize, when > 0, makes LoadFile deliver data in pieces of
	// this size, sleeping ChunkDelay between pieces and calling
	// SignalDataAvailable after each -- simulating the teacher's
	// progressive chunk-by-chunk download.
	ChunkSize  int64
	ChunkDelay time.Duration
	// StallAfter, when > 0, makes LoadFile stop delivering data after
	// this many bytes (simulating scenario 3's stalled loader).
	StallAfter int64

	loadCalls int32
	saveCalls int32

	capabilities loader.Capability
}

// New builds an empty Loader advertising MemoryConversion capability.
func New() *Loader {
	return &Loader{
		objects:      make(map[string][]byte),
		capabilities: loader.MemoryConversion,
	}
}

// Capabilities implements loader.FileLoader.
func (l *Loader) Capabilities() loader.Capability { return l.capabilities }

// SetCapabilities overrides the advertised capability set, e.g. to add
// RandomLoad for a test that exercises out-of-order loads.
func (l *Loader) SetCapabilities(c loader.Capability) { l.capabilities = c }

// PutObject seeds an object store entry directly, bypassing SaveFile,
// for read-path tests.
func (l *Loader) PutObject(objectID string, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	l.objects[objectID] = cp
}

// LoadCalls reports how many times LoadFile has been invoked --
// testable property 1 asserts this equals exactly 1 under N concurrent
// readers.
func (l *Loader) LoadCalls() int { return int(atomic.LoadInt32(&l.loadCalls)) }

// SaveCalls reports how many times SaveFile has been invoked.
func (l *Loader) SaveCalls() int { return int(atomic.LoadInt32(&l.saveCalls)) }

// LoadFile implements loader.FileLoader.
func (l *Loader) LoadFile(ctx context.Context, fileID, streamID int64, objectID string, seg *segment.Segment) error {
	atomic.AddInt32(&l.loadCalls, 1)

	l.mu.Lock()
	data, ok := l.objects[objectID]
	l.mu.Unlock()
	if !ok {
		// Null object id: new, empty file (spec 6).
		seg.Info.SetReadableLength(0)
		seg.Info.SignalDataAvailable()
		return nil
	}

	limit := int64(len(data))
	if l.StallAfter > 0 && l.StallAfter < limit {
		limit = l.StallAfter
	}

	chunk := l.ChunkSize
	if chunk <= 0 {
		chunk = limit
		if chunk == 0 {
			chunk = 1
		}
	}

	var off int64
	for off < limit {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		end := off + chunk
		if end > limit {
			end = limit
		}
		if err := seg.WriteLoaded(data[off:end], off); err != nil {
			return err
		}
		seg.Info.SetReadableLength(end)
		seg.Info.SignalDataAvailable()
		off = end
		if l.ChunkDelay > 0 && off < limit {
			time.Sleep(l.ChunkDelay)
		}
	}

	if limit < int64(len(data)) {
		// Deliberately stalled: never reach full length, so the
		// caller's wait bound will expire (scenario 3).
		return nil
	}
	return nil
}

// SaveFile implements loader.FileLoader: it reads the whole segment
// back via io.ReaderAt and stores it under a freshly minted object id.
func (l *Loader) SaveFile(ctx context.Context, fileID, streamID int64, seg *segment.Segment, attrs []loader.AttrPair) (string, error) {
	atomic.AddInt32(&l.saveCalls, 1)
	size, err := seg.FileLength()
	if err != nil {
		return "", err
	}
	data := make([]byte, size)
	if size > 0 {
		n, err := seg.AsReaderAt().ReadAt(data, 0)
		if err != nil && err != io.EOF {
			return "", err
		}
		data = data[:n]
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	id := objectIDFor(fileID, streamID, len(l.objects))
	l.objects[id] = data
	return id, nil
}

func objectIDFor(fileID, streamID int64, salt int) string {
	return "obj-" + itoa(fileID) + "-" + itoa(streamID) + "-" + itoa(int64(salt))
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// DeleteFile implements loader.FileLoader.
func (l *Loader) DeleteFile(ctx context.Context, virtualPath string, fileID, streamID int64) error {
	return nil
}

// CreateDirectory implements loader.FileLoader; this loader doesn't
// advertise DirectoryOps.
func (l *Loader) CreateDirectory(ctx context.Context, virtualPath string) error {
	return errs.New(errs.NotImplemented, "fakeloader does not implement directory operations")
}

// RenameFileDirectory implements loader.FileLoader.
func (l *Loader) RenameFileDirectory(ctx context.Context, oldPath, newPath string) error {
	return errs.New(errs.NotImplemented, "fakeloader does not implement directory operations")
}

// FileStateExpired implements loader.StateListener: deletes the
// segment's temp file once the state is evicted, per spec's
// finalizer-driven-cleanup design note.
func (l *Loader) FileStateExpired(st *filestate.State) bool {
	deleteSegmentTempFile(st)
	return true
}

// FileStateClosed implements loader.StateListener.
func (l *Loader) FileStateClosed(st *filestate.State) {}

func deleteSegmentTempFile(st *filestate.State) {
	seg := st.Segment()
	if seg == nil {
		return
	}
	_ = os.Remove(seg.TempPath)
}

var (
	_ loader.FileLoader     = (*Loader)(nil)
	_ loader.StateListener  = (*Loader)(nil)
)
