// Package dirloader implements a concrete loader.FileLoader backed by a
// plain directory on the local filesystem, so cmd/jfilecached has a
// real, runnable object store instead of only the test-only
// loader/fakeloader.
//
// Grounded on rclone's backend/local (local.go): objects are addressed
// by a relative path under a root directory exactly like local.Fs's
// Object.path, Mkdir/Rmdir map directly onto os.MkdirAll/os.Remove, and
// Move/DirMove's os.Rename-with-parent-mkdir idiom grounds
// RenameFileDirectory.
package dirloader

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/FileSysOrg/jfileserver-sub003/errs"
	"github.com/FileSysOrg/jfileserver-sub003/internal/jflog"
	"github.com/FileSysOrg/jfileserver-sub003/loader"
	"github.com/FileSysOrg/jfileserver-sub003/segment"
)

// Loader stores each stream as a file under root, named by its object
// id. It advertises MemoryConversion and DirectoryOps: a plain
// directory tree can always grow a new file for an overflowed
// in-memory segment, and it has a real directory structure to mirror
// CreateDirectory/RenameFileDirectory against.
type Loader struct {
	root string
	log  *logrus.Entry

	mu   sync.Mutex
	next int64 // object id counter; starts at zero in every New, it is not seeded from directory contents
}

// New builds a Loader rooted at dir, creating it if it doesn't exist.
func New(dir string) (*Loader, error) {
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, errs.IOError(err, "create loader root %s", dir)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errs.IOError(err, "resolve loader root %s", dir)
	}
	return &Loader{root: abs, log: jflog.For("dirloader", logrus.Fields{"root": abs})}, nil
}

// Capabilities implements loader.FileLoader.
func (l *Loader) Capabilities() loader.Capability {
	return loader.MemoryConversion | loader.DirectoryOps
}

func (l *Loader) objectPath(objectID string) (string, error) {
	if objectID == "" || strings.Contains(objectID, "..") || filepath.IsAbs(objectID) {
		return "", errs.New(errs.FileNotFound, "invalid object id %q", objectID)
	}
	return filepath.Join(l.root, filepath.FromSlash(objectID)), nil
}

func (l *Loader) virtualToPath(virtualPath string) string {
	return filepath.Join(l.root, filepath.FromSlash(strings.TrimPrefix(virtualPath, "/")))
}

func (l *Loader) newObjectID(fileID, streamID int64) string {
	l.mu.Lock()
	l.next++
	n := l.next
	l.mu.Unlock()
	return fmt.Sprintf("%d-%d-%s", fileID, streamID, strconv.FormatInt(n, 36))
}

// LoadFile implements loader.FileLoader: it streams the stored file
// into seg in fixed-size chunks, signalling data availability after
// each write the way rclone's worker.download reports progress as a
// remote read completes, rather than in one single blocking copy.
func (l *Loader) LoadFile(ctx context.Context, fileID, streamID int64, objectID string, seg *segment.Segment) error {
	if objectID == "" {
		seg.Info.SetReadableLength(0)
		seg.Info.SignalDataAvailable()
		return nil
	}

	path, err := l.objectPath(objectID)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errs.New(errs.FileNotFound, "object %s not found under loader root", objectID)
		}
		return errs.IOError(err, "open object %s", objectID)
	}
	defer f.Close()

	const chunkSize = 256 * 1024
	buf := make([]byte, chunkSize)
	var off int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, readErr := f.Read(buf)
		if n > 0 {
			if werr := seg.WriteLoaded(buf[:n], off); werr != nil {
				return werr
			}
			off += int64(n)
			seg.Info.SetReadableLength(off)
			seg.Info.SignalDataAvailable()
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return errs.IOError(readErr, "read object %s", objectID)
		}
	}
}

// SaveFile implements loader.FileLoader: copies seg's temp file
// contents out to a freshly named object file, mirroring
// local.Fs.Put's create-then-copy shape.
func (l *Loader) SaveFile(ctx context.Context, fileID, streamID int64, seg *segment.Segment, attrs []loader.AttrPair) (string, error) {
	size, err := seg.FileLength()
	if err != nil {
		return "", err
	}

	objectID := l.newObjectID(fileID, streamID)
	path, err := l.objectPath(objectID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		return "", errs.IOError(err, "create object directory for %s", objectID)
	}

	dst, err := os.Create(path)
	if err != nil {
		return "", errs.IOError(err, "create object %s", objectID)
	}
	defer dst.Close()

	src := io.NewSectionReader(seg.AsReaderAt(), 0, size)
	if _, err := io.Copy(dst, src); err != nil {
		return "", errs.IOError(err, "write object %s", objectID)
	}
	if err := dst.Sync(); err != nil {
		return "", errs.IOError(err, "sync object %s", objectID)
	}
	return objectID, nil
}

// DeleteFile implements loader.FileLoader: it removes the file at
// virtualPath under the loader root (fileID and streamID are not used).
// A missing file here is not an error -- the delete may be retried
// after already having succeeded.
func (l *Loader) DeleteFile(ctx context.Context, virtualPath string, fileID, streamID int64) error {
	path := l.virtualToPath(virtualPath)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errs.IOError(err, "delete %s", virtualPath)
	}
	return nil
}

// CreateDirectory implements loader.FileLoader.
func (l *Loader) CreateDirectory(ctx context.Context, virtualPath string) error {
	path := l.virtualToPath(virtualPath)
	if err := os.MkdirAll(path, 0o777); err != nil {
		return errs.IOError(err, "create directory %s", virtualPath)
	}
	return nil
}

// RenameFileDirectory implements loader.FileLoader: os.Rename with the
// destination's parent created first, and the race-condition/
// cross-device cases from rclone's Fs.Move mapped onto Kind
// classifications instead of fs.ErrorCantMove.
func (l *Loader) RenameFileDirectory(ctx context.Context, oldPath, newPath string) error {
	src := l.virtualToPath(oldPath)
	dst := l.virtualToPath(newPath)

	if err := os.MkdirAll(filepath.Dir(dst), 0o777); err != nil {
		return errs.IOError(err, "create parent of %s", newPath)
	}
	err := os.Rename(src, dst)
	switch {
	case err == nil:
		return nil
	case os.IsNotExist(err):
		return errs.New(errs.FileNotFound, "rename source %s vanished", oldPath)
	case os.IsPermission(err):
		return errs.New(errs.AccessDenied, "rename %s to %s denied", oldPath, newPath)
	default:
		return errs.IOError(err, "rename %s to %s", oldPath, newPath)
	}
}

var _ loader.FileLoader = (*Loader)(nil)
