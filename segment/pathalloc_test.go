package segment

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathAllocatorRollsOverAfterMaxFiles(t *testing.T) {
	root := t.TempDir()
	a := NewPathAllocator(root, 10) // 10 is already the minimum, so no clamping

	var paths []string
	for i := 0; i < 3; i++ {
		p, err := a.Next(int64(i), 0)
		require.NoError(t, err)
		paths = append(paths, p)
	}
	for _, p := range paths {
		assert.Equal(t, filepath.Join(root, "ldr0"), filepath.Dir(p))
	}

	a.dirUsed = a.maxFilesPerDirectory
	p, err := a.Next(99, 0)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "ldr1"), filepath.Dir(p))
}

func TestPathAllocatorNamesStreamIDWhenNonzero(t *testing.T) {
	root := t.TempDir()
	a := NewPathAllocator(root, 500)

	p, err := a.Next(7, 0)
	require.NoError(t, err)
	assert.Equal(t, "ldr_7.tmp", filepath.Base(p))

	p, err = a.Next(7, 2)
	require.NoError(t, err)
	assert.Equal(t, "ldr_7_2.tmp", filepath.Base(p))
}

func TestPathAllocatorClampsMaxFilesPerDirectory(t *testing.T) {
	a := NewPathAllocator(t.TempDir(), 1)
	assert.Equal(t, 10, a.maxFilesPerDirectory)
	a2 := NewPathAllocator(t.TempDir(), 1_000_000)
	assert.Equal(t, 20000, a2.maxFilesPerDirectory)
}
