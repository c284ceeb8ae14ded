package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/FileSysOrg/jfileserver-sub003/errs"
)

// PathAllocator assigns temp-file paths under a root directory,
// rolling into numbered sub-directories (ldr0, ldr1, ...) once the
// current one holds MaxFilesPerDirectory entries, per spec section 6's
// temp file layout. Grounded on rclone's backend/cache
// storage_persistent.go, which os.MkdirAll's a fresh sub-path under
// its dataPath on demand rather than pre-creating a fixed tree.
type PathAllocator struct {
	root                string
	maxFilesPerDirectory int

	mu      sync.Mutex
	dirIdx  int
	dirUsed int
}

// DefaultMaxFilesPerDirectory is spec 6's documented default.
const DefaultMaxFilesPerDirectory = 500

// NewPathAllocator builds an allocator rooted at root. maxPerDir is
// clamped to the spec's 10..20000 range.
func NewPathAllocator(root string, maxPerDir int) *PathAllocator {
	if maxPerDir < 10 {
		maxPerDir = 10
	}
	if maxPerDir > 20000 {
		maxPerDir = 20000
	}
	return &PathAllocator{root: root, maxFilesPerDirectory: maxPerDir}
}

// Next returns a fresh temp path for (fileID, streamID), creating its
// sub-directory if needed and rolling over to the next numbered
// sub-directory once the current one is full.
func (a *PathAllocator) Next(fileID, streamID int64) (string, error) {
	a.mu.Lock()
	if a.dirUsed >= a.maxFilesPerDirectory {
		a.dirIdx++
		a.dirUsed = 0
	}
	dir := filepath.Join(a.root, fmt.Sprintf("ldr%d", a.dirIdx))
	a.dirUsed++
	a.mu.Unlock()

	if err := os.MkdirAll(dir, 0o777); err != nil {
		return "", errs.IOError(err, "create temp sub-directory %s", dir)
	}

	name := fmt.Sprintf("ldr_%d.tmp", fileID)
	if streamID != 0 {
		name = fmt.Sprintf("ldr_%d_%d.tmp", fileID, streamID)
	}
	return filepath.Join(dir, name), nil
}
