package segment

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInfo(t *testing.T) *Info {
	t.Helper()
	dir := t.TempDir()
	return NewInfo(filepath.Join(dir, "ldr_1.tmp"))
}

func TestCreateTemporaryFileIdempotent(t *testing.T) {
	info := newTestInfo(t)
	require.NoError(t, info.CreateTemporaryFile())
	require.NoError(t, info.CreateTemporaryFile())
}

func TestLoadLifecycle(t *testing.T) {
	info := newTestInfo(t)
	require.Equal(t, Initial, info.State())

	require.True(t, info.TryMarkLoadQueued())
	assert.Equal(t, LoadWait, info.State())
	assert.True(t, info.Queued())

	// A second caller racing a Load must not queue a second one.
	require.False(t, info.TryMarkLoadQueued())

	info.BeginLoading()
	assert.Equal(t, Loading, info.State())

	info.CompleteLoad(1024)
	assert.Equal(t, Available, info.State())
	assert.False(t, info.Queued())
	assert.EqualValues(t, 1024, info.ReadableLength())
}

func TestFailLoadIsSticky(t *testing.T) {
	info := newTestInfo(t)
	require.True(t, info.TryMarkLoadQueued())
	info.BeginLoading()
	info.FailLoad()

	assert.Equal(t, Error, info.State())
	assert.True(t, info.LoadError())

	// Sticky until an explicit reset.
	assert.True(t, info.LoadError())
	info.ResetToInitial()
	assert.False(t, info.LoadError())
	assert.Equal(t, Initial, info.State())
}

func TestReadableLengthMonotonic(t *testing.T) {
	info := newTestInfo(t)
	info.SetReadableLength(100)
	info.SetReadableLength(50) // must not regress
	assert.EqualValues(t, 100, info.ReadableLength())
	info.SetReadableLength(200)
	assert.EqualValues(t, 200, info.ReadableLength())

	info.ResetToInitial()
	assert.EqualValues(t, -1, info.ReadableLength())
}

func TestHasDataForSlack(t *testing.T) {
	info := newTestInfo(t)
	info.SetReadableLength(100)

	assert.Equal(t, FullyAvailable, info.HasDataFor(0, 100, 64*1024))
	assert.Equal(t, PartiallyAvailable, info.HasDataFor(50, 100, 64*1024))
	assert.Equal(t, NotAvailable, info.HasDataFor(1_000_000, 100, 1))
}

func TestWaitForDataWakesOnSignal(t *testing.T) {
	info := newTestInfo(t)
	var woke int32
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		info.WaitForData(5 * time.Second)
		atomic.StoreInt32(&woke, 1)
	}()

	time.Sleep(50 * time.Millisecond)
	info.SignalDataAvailable()
	wg.Wait()
	assert.EqualValues(t, 1, atomic.LoadInt32(&woke))
}

func TestWaitForDataTimesOut(t *testing.T) {
	info := newTestInfo(t)
	start := time.Now()
	info.WaitForData(100 * time.Millisecond)
	assert.WithinDuration(t, start.Add(100*time.Millisecond), time.Now(), 150*time.Millisecond)
}

func TestSaveLifecycle(t *testing.T) {
	info := newTestInfo(t)
	info.CompleteLoad(10) // pretend loaded

	require.True(t, info.TryMarkSaveQueued())
	assert.Equal(t, SaveWait, info.State())
	require.False(t, info.TryMarkSaveQueued())

	info.BeginSaving()
	assert.Equal(t, Saving, info.State())

	info.CompleteSave()
	assert.Equal(t, Saved, info.State())
	assert.False(t, info.Updated())
}

func TestTruncateClampsReadableLength(t *testing.T) {
	info := newTestInfo(t)
	require.NoError(t, info.CreateTemporaryFile())
	info.SetReadableLength(1000)
	require.NoError(t, info.Truncate(10))
	assert.EqualValues(t, 10, info.ReadableLength())

	size, err := info.FileLength()
	require.NoError(t, err)
	assert.EqualValues(t, 10, size)
}
