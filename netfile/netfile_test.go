package netfile

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FileSysOrg/jfileserver-sub003/errs"
	"github.com/FileSysOrg/jfileserver-sub003/filestate"
	"github.com/FileSysOrg/jfileserver-sub003/request"
	"github.com/FileSysOrg/jfileserver-sub003/segment"
)

// fakeEnqueuer stands in for loadsave.BackgroundLoadSave: it records
// every enqueued request and, for loads, asynchronously drives a
// caller-supplied object's bytes into the segment the way a worker
// calling FileLoader.LoadFile would.
type fakeEnqueuer struct {
	mu         sync.Mutex
	loads      []request.Single
	saves      []request.Single
	loadCalls  int32
	data       []byte
	chunkSize  int64
	chunkDelay time.Duration
	stallAfter int64
	infoByPath map[string]*segment.Info
}

func newFakeEnqueuer() *fakeEnqueuer {
	return &fakeEnqueuer{infoByPath: make(map[string]*segment.Info)}
}

func (f *fakeEnqueuer) EnqueueLoad(req request.Single) error {
	f.mu.Lock()
	f.loads = append(f.loads, req)
	info := f.infoByPath[req.TempPath]
	f.mu.Unlock()

	atomic.AddInt32(&f.loadCalls, 1)
	go f.drive(info)
	return nil
}

func (f *fakeEnqueuer) EnqueueSave(req request.Single) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, req)
	return nil
}

func (f *fakeEnqueuer) drive(info *segment.Info) {
	info.BeginLoading()

	limit := int64(len(f.data))
	if f.stallAfter > 0 && f.stallAfter < limit {
		limit = f.stallAfter
	}
	chunk := f.chunkSize
	if chunk <= 0 {
		chunk = limit
		if chunk == 0 {
			chunk = 1
		}
	}

	seg := segment.New(info, true)
	_ = seg.Open()
	defer seg.Close()

	var off int64
	for off < limit {
		end := off + chunk
		if end > limit {
			end = limit
		}
		if err := seg.WriteLoaded(f.data[off:end], off); err != nil {
			info.FailLoad()
			return
		}
		info.SetReadableLength(end)
		info.SignalDataAvailable()
		off = end
		if f.chunkDelay > 0 && off < limit {
			time.Sleep(f.chunkDelay)
		}
	}

	if limit < int64(len(f.data)) {
		return // deliberately stalled, never completes
	}
	info.CompleteLoad(int64(len(f.data)))
}

func newTestSegment(t *testing.T) (*segment.Segment, *segment.Info) {
	t.Helper()
	dir := t.TempDir()
	info := segment.NewInfo(filepath.Join(dir, "ldr_1.tmp"))
	seg := segment.New(info, true)
	require.NoError(t, seg.Open())
	t.Cleanup(func() { _ = seg.Close() })
	return seg, info
}

func newTestState(t *testing.T) *filestate.State {
	t.Helper()
	cache := filestate.New(time.Minute)
	st, _ := cache.Find("/test/file.bin", true)
	return st
}

func TestColdReadBlocksThenLoadsExactlyOnce(t *testing.T) {
	seg, info := newTestSegment(t)
	st := newTestState(t)

	fe := newFakeEnqueuer()
	fe.data = make([]byte, 1<<20)
	for i := range fe.data {
		fe.data[i] = byte(i)
	}
	fe.infoByPath[info.TempPath] = info

	cnf := New(DefaultConfig(), seg, st, fe, OpenParams{FileID: 1, VirtualPath: "/test/file.bin"}, filestate.AccessToken{})

	buf := make([]byte, 4096)
	n, err := cnf.Read(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 4096, n)
	assert.Equal(t, fe.data[:4096], buf)
	assert.EqualValues(t, 1, atomic.LoadInt32(&fe.loadCalls))

	buf2 := make([]byte, 4096)
	n2, err := cnf.Read(buf2, 4096)
	require.NoError(t, err)
	assert.Equal(t, 4096, n2)
	assert.Equal(t, fe.data[4096:8192], buf2)
	assert.EqualValues(t, 1, atomic.LoadInt32(&fe.loadCalls), "second read must not trigger a second load")
}

func TestPartialLoadProgressiveRead(t *testing.T) {
	seg, info := newTestSegment(t)
	st := newTestState(t)

	fe := newFakeEnqueuer()
	fe.data = make([]byte, 1<<20)
	fe.chunkSize = 64 * 1024
	fe.chunkDelay = 100 * time.Millisecond
	fe.infoByPath[info.TempPath] = info

	cfg := DefaultConfig()
	cnf := New(cfg, seg, st, fe, OpenParams{FileID: 2, VirtualPath: "/test/big.bin"}, filestate.AccessToken{})

	start := time.Now()
	buf := make([]byte, 1<<20)
	n, err := cnf.Read(buf, 0)
	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.Equal(t, 1<<20, n)
	assert.Less(t, elapsed, 3*time.Second)
}

func TestLoadTimeoutSticksError(t *testing.T) {
	seg, info := newTestSegment(t)
	st := newTestState(t)

	fe := newFakeEnqueuer()
	fe.data = make([]byte, 256*1024)
	fe.chunkSize = 32 * 1024
	fe.chunkDelay = 50 * time.Millisecond
	fe.stallAfter = 128 * 1024
	fe.infoByPath[info.TempPath] = info

	cfg := Config{
		DataLoadWaitTime:    500 * time.Millisecond,
		DataPollSleepTime:   100 * time.Millisecond,
		WriteBufferWaitTime: time.Second,
	}
	cnf := New(cfg, seg, st, fe, OpenParams{FileID: 3, VirtualPath: "/test/stall.bin"}, filestate.AccessToken{})

	buf := make([]byte, 256*1024)
	_, err := cnf.Read(buf, 0)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.FileOffline))
	assert.Equal(t, segment.Error, info.State())

	_, err = cnf.Read(buf, 0)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.FileOffline))
}

func TestWriteReadRoundTripThroughCache(t *testing.T) {
	seg, info := newTestSegment(t)
	info.CompleteLoad(0) // simulate an already-loaded empty file
	st := newTestState(t)

	fe := newFakeEnqueuer()
	cnf := New(DefaultConfig(), seg, st, fe, OpenParams{FileID: 4, VirtualPath: "/test/rw.bin"}, filestate.AccessToken{})

	payload := []byte("round trip payload")
	n, err := cnf.Write(payload, 0)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	buf := make([]byte, len(payload))
	n, err = cnf.Read(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, buf)

	require.Len(t, fe.saves, 1)
}

func TestWriteOnMaxBuffersTimesOutWithinWriteBufferWaitTime(t *testing.T) {
	seg, info := newTestSegment(t)
	info.CompleteLoad(0)
	st := newTestState(t)
	fe := newFakeEnqueuer()

	cfg := DefaultConfig()
	cfg.WriteBufferWaitTime = 150 * time.Millisecond
	cnf := New(cfg, seg, st, fe, OpenParams{FileID: 6, VirtualPath: "/test/full.bin"}, filestate.AccessToken{})

	// Leave the buffer permanently full: nothing ever drains it, so
	// every MaxBuffers retry keeps finding it full. The write must
	// still fail DiskFull once, within one WriteBufferWaitTime window,
	// rather than blocking forever across repeated 150ms windows.
	info.AddBuffered(segment.DefaultMaxBufferBytes)

	start := time.Now()
	_, err := cnf.Write([]byte("does not fit"), 0)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.DiskFull))
	assert.Less(t, elapsed, cfg.WriteBufferWaitTime*3)
}

func TestWriteOnReadOnlyHandleDenied(t *testing.T) {
	seg, _ := newTestSegment(t)
	st := newTestState(t)
	fe := newFakeEnqueuer()
	cnf := New(DefaultConfig(), seg, st, fe, OpenParams{FileID: 5, ReadOnly: true, VirtualPath: "/test/ro.bin"}, filestate.AccessToken{})

	_, err := cnf.Write([]byte("nope"), 0)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.AccessDenied))
}

func TestTruncateIsIdempotentAndSchedulesSave(t *testing.T) {
	seg, info := newTestSegment(t)
	info.CompleteLoad(0)
	st := newTestState(t)
	fe := newFakeEnqueuer()
	cnf := New(DefaultConfig(), seg, st, fe, OpenParams{FileID: 6, VirtualPath: "/test/trunc.bin"}, filestate.AccessToken{})

	_, err := cnf.Write([]byte("0123456789"), 0)
	require.NoError(t, err)

	require.NoError(t, cnf.Truncate(4))
	require.NoError(t, cnf.Truncate(4)) // idempotent

	buf := make([]byte, 10)
	n, err := cnf.Read(buf, 4)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.GreaterOrEqual(t, len(fe.saves), 1)
}

func TestCloseEnqueuesFinalSaveAfterWrites(t *testing.T) {
	seg, info := newTestSegment(t)
	info.CompleteLoad(0)
	st := newTestState(t)
	fe := newFakeEnqueuer()
	cnf := New(DefaultConfig(), seg, st, fe, OpenParams{FileID: 7, VirtualPath: "/test/close.bin"}, filestate.AccessToken{})

	_, err := cnf.Write([]byte("payload"), 0)
	require.NoError(t, err)

	_, err = cnf.Close(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, fe.saves)
}

func TestCloseSequentialOnlyGetsShortCooldown(t *testing.T) {
	seg, info := newTestSegment(t)
	info.CompleteLoad(0)
	st := newTestState(t)
	fe := newFakeEnqueuer()
	cnf := New(DefaultConfig(), seg, st, fe, OpenParams{FileID: 8, VirtualPath: "/test/seq.bin"}, filestate.AccessToken{})

	buf := make([]byte, 4)
	_, _ = cnf.Read(buf, 0)
	_, _ = cnf.Read(buf, 4)

	cooldown, err := cnf.Close(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filestate.SequentialCooldown, cooldown)
}

func TestErrorFileCleanup(t *testing.T) {
	// sanity: ensure test temp files created under t.TempDir() don't
	// leak across cases when a segment is never opened.
	dir := t.TempDir()
	p := filepath.Join(dir, "ldr_99.tmp")
	_, err := os.Stat(p)
	assert.True(t, os.IsNotExist(err))
}
