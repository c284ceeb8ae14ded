package loadsave

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FileSysOrg/jfileserver-sub003/durablequeue"
	"github.com/FileSysOrg/jfileserver-sub003/filestate"
	"github.com/FileSysOrg/jfileserver-sub003/loader"
	"github.com/FileSysOrg/jfileserver-sub003/loader/fakeloader"
	"github.com/FileSysOrg/jfileserver-sub003/request"
	"github.com/FileSysOrg/jfileserver-sub003/segment"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ReadWorkers = 2
	cfg.WriteWorkers = 2
	cfg.RefillPollInterval = 20 * time.Millisecond
	cfg.RequeueWaitTime = 20 * time.Millisecond
	cfg.RequestProcessedExpire = 50 * time.Millisecond
	return cfg
}

func newTestBLS(t *testing.T) (*BackgroundLoadSave, *durablequeue.Bolt, *fakeloader.Loader, *filestate.Cache) {
	t.Helper()
	dir := t.TempDir()
	db, err := durablequeue.Open(filepath.Join(dir, "queue.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ldr := fakeloader.New()
	cache := filestate.New(time.Minute)
	b := New(testConfig(), db, db, ldr, cache, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() {
		cancel()
		_ = b.Stop()
	})
	return b, db, ldr, cache
}

func TestEnqueueLoadDrivesThroughToAvailable(t *testing.T) {
	b, _, ldr, cache := newTestBLS(t)

	ldr.PutObject("obj-1", []byte("hello world"))
	require.NoError(t, saveObjectIDForTest(t, b, 1, 0, "obj-1"))

	dir := t.TempDir()
	st, _ := cache.Find("/a/file.bin", true)
	info := segment.NewInfo(filepath.Join(dir, "ldr_1.tmp"))
	st.AttachSegment(info)
	require.NoError(t, info.CreateTemporaryFile())
	require.True(t, info.TryMarkLoadQueued())

	require.NoError(t, b.EnqueueLoad(request.Single{
		FileID: 1, StreamID: 0, TempPath: info.TempPath, VirtualPath: "/a/file.bin",
	}))

	require.Eventually(t, func() bool {
		return info.State() == segment.Available
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, ldr.LoadCalls())
}

func TestEnqueueSaveRecordsObjectID(t *testing.T) {
	b, _, ldr, cache := newTestBLS(t)

	dir := t.TempDir()
	st, _ := cache.Find("/a/written.bin", true)
	info := segment.NewInfo(filepath.Join(dir, "ldr_2.tmp"))
	st.AttachSegment(info)
	seg := segment.New(info, true)
	require.NoError(t, seg.Open())
	_, err := seg.WriteBytes([]byte("payload"), 0)
	require.NoError(t, err)
	require.True(t, info.TryMarkSaveQueued())

	require.NoError(t, b.EnqueueSave(request.Single{
		FileID: 2, StreamID: 0, TempPath: info.TempPath, VirtualPath: "/a/written.bin",
	}))

	require.Eventually(t, func() bool {
		return info.State() == segment.Saved
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, ldr.SaveCalls())

	id, ok, err := loadObjectIDForTest(t, b, 2, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, id)
}

// saveObjectIDForTest/loadObjectIDForTest reach through BackgroundLoadSave to
// its durablequeue.ObjectIdInterface for setup/assertions without
// exporting it from the production API.
func saveObjectIDForTest(t *testing.T, b *BackgroundLoadSave, fileID, streamID int64, objectID string) error {
	t.Helper()
	return b.objIDs.SaveObjectID(fileID, streamID, objectID)
}

func loadObjectIDForTest(t *testing.T, b *BackgroundLoadSave, fileID, streamID int64) (string, bool, error) {
	t.Helper()
	return b.objIDs.LoadObjectID(fileID, streamID)
}

func TestRequeueVerdictRetriesSameRequest(t *testing.T) {
	dir := t.TempDir()
	db, err := durablequeue.Open(filepath.Join(dir, "queue.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ldr := &requeueingLoader{Loader: fakeloader.New(), failUntil: 2}
	cache := filestate.New(time.Minute)
	b := New(testConfig(), db, db, ldr, cache, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() { cancel(); _ = b.Stop() })

	ldr.PutObject("obj-3", []byte("retry me"))
	require.NoError(t, db.SaveObjectID(3, 0, "obj-3"))

	st, _ := cache.Find("/retry.bin", true)
	info := segment.NewInfo(filepath.Join(dir, "ldr_3.tmp"))
	st.AttachSegment(info)
	require.NoError(t, info.CreateTemporaryFile())
	require.True(t, info.TryMarkLoadQueued())

	require.NoError(t, b.EnqueueLoad(request.Single{FileID: 3, StreamID: 0, TempPath: info.TempPath, VirtualPath: "/retry.bin"}))

	require.Eventually(t, func() bool {
		return info.State() == segment.Available
	}, 3*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, ldr.attempts(), int32(2))
}

// requeueingLoader wraps fakeloader.Loader and fails the first
// failUntil attempts with loader.ErrRequeue before delegating, so the
// test can observe the worker's Requeue backoff-and-retry path (spec
// 8 scenario 6).
type requeueingLoader struct {
	*fakeloader.Loader
	failUntil int32
	seen      int32
}

func (r *requeueingLoader) attempts() int32 { return atomic.LoadInt32(&r.seen) }

func (r *requeueingLoader) LoadFile(ctx context.Context, fileID, streamID int64, objectID string, seg *segment.Segment) error {
	n := atomic.AddInt32(&r.seen, 1)
	if n <= r.failUntil {
		return fmt.Errorf("%w: simulated transient failure", loader.ErrRequeue)
	}
	return r.Loader.LoadFile(ctx, fileID, streamID, objectID, seg)
}
