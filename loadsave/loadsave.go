// Package loadsave implements BackgroundLoadSave from spec section
// 4.4: the worker-thread pool plus the two queue loaders that refill
// the in-memory FileRequestQueues from the durable store, reconciling
// segments with the object store through FileLoader.
//
// Grounded on rclone's backend/cache worker pool (handle.go: worker,
// startReadWorkers/scaleWorkers) for the pop-dispatch-loop shape, and
// generalized from a raw sync.WaitGroup to golang.org/x/sync/errgroup
// so the pool reacts uniformly to "queue closed" and "context
// cancelled" (SPEC_FULL ambient-stack note on worker lifecycle).
package loadsave

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/FileSysOrg/jfileserver-sub003/durablequeue"
	"github.com/FileSysOrg/jfileserver-sub003/filestate"
	"github.com/FileSysOrg/jfileserver-sub003/internal/jflog"
	"github.com/FileSysOrg/jfileserver-sub003/loader"
	"github.com/FileSysOrg/jfileserver-sub003/request"
	"github.com/FileSysOrg/jfileserver-sub003/segment"
)

// Metrics is the subset of observability hooks BackgroundLoadSave
// drives. metrics.Collectors implements this; nil-safe no-op hooks let
// callers that don't care about Prometheus skip wiring it.
type Metrics interface {
	QueueDepth(kind request.Kind, direction string, n int)
	WorkerBusy(direction string, busy bool)
	ObserveDuration(direction string, d time.Duration)
	IncError(direction string)
	SetLastSeqNo(kind request.Kind, seq int64)
}

// noopMetrics satisfies Metrics without recording anything.
type noopMetrics struct{}

func (noopMetrics) QueueDepth(request.Kind, string, int)  {}
func (noopMetrics) WorkerBusy(string, bool)               {}
func (noopMetrics) ObserveDuration(string, time.Duration) {}
func (noopMetrics) IncError(string)                       {}
func (noopMetrics) SetLastSeqNo(request.Kind, int64)      {}

// BackgroundLoadSave owns the two in-memory FileRequestQueues, the two
// QueueLoaders that refill them from the durable store, the optional
// TransactionQueueLoader, and the read/write worker pools that drain
// them against a FileLoader.
type BackgroundLoadSave struct {
	cfg    Config
	db     durablequeue.DBQueueInterface
	objIDs durablequeue.ObjectIdInterface
	ldr    loader.FileLoader
	cache  *filestate.Cache
	mx     Metrics

	readQueue  *request.Queue
	writeQueue *request.Queue

	readLoader  *queueLoader
	writeLoader *queueLoader
	tranLoader  *transactionLoader

	sf singleflight.Group

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	segmentsMu sync.Mutex
	segments   map[string]*segment.Info // tempPath -> Info, for requests recovered without a live FileState

	log *logrus.Entry
}

// New builds a BackgroundLoadSave. Start must be called to launch its
// goroutines.
func New(cfg Config, db durablequeue.DBQueueInterface, objIDs durablequeue.ObjectIdInterface, ldr loader.FileLoader, cache *filestate.Cache, mx Metrics) *BackgroundLoadSave {
	if mx == nil {
		mx = noopMetrics{}
	}
	b := &BackgroundLoadSave{
		cfg:        cfg,
		db:         db,
		objIDs:     objIDs,
		ldr:        ldr,
		cache:      cache,
		mx:         mx,
		readQueue:  request.NewQueue(cfg.RequestQueueMaxSize),
		writeQueue: request.NewQueue(cfg.RequestQueueMaxSize),
		segments:   make(map[string]*segment.Info),
		log:        jflog.For("loadsave", nil),
	}
	b.readLoader = newQueueLoader(b, request.Load, b.readQueue)
	b.writeLoader = newQueueLoader(b, request.Save, b.writeQueue)
	b.tranLoader = newTransactionLoader(b)
	return b
}

// attachState finds-or-creates the FileState for req.VirtualPath and
// ensures it has a segment.Info bound to req.TempPath, reusing one
// already tracked in-process. This is how a request reloaded from the
// durable store after a restart gets reattached to a live segment the
// rest of the core can operate on (spec 4.4: "re-attach (or create) a
// FileState+SegmentInfo so subsequent processing can find the cached
// segment").
func (b *BackgroundLoadSave) attachState(req request.Single) (*filestate.State, *segment.Info) {
	st, _ := b.cache.Find(req.VirtualPath, true)
	if info := st.Segment(); info != nil {
		return st, info
	}

	b.segmentsMu.Lock()
	info, ok := b.segments[req.TempPath]
	if !ok {
		info = segment.NewInfo(req.TempPath)
		b.segments[req.TempPath] = info
	}
	b.segmentsMu.Unlock()

	st.AttachSegment(info)
	return st, info
}

// Start launches the queue loaders, the optional transaction loader,
// and the read/write worker pools under a shared errgroup bound to
// ctx. Returns once everything has been launched; call Stop (or
// cancel ctx) to shut down.
func (b *BackgroundLoadSave) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.group, b.ctx = errgroup.WithContext(b.ctx)

	b.group.Go(func() error { b.readLoader.run(b.ctx); return nil })
	b.group.Go(func() error { b.writeLoader.run(b.ctx); return nil })
	b.group.Go(func() error { b.tranLoader.run(b.ctx); return nil })

	for i := 0; i < clamp(b.cfg.ReadWorkers, 1, 50); i++ {
		w := &worker{b: b, direction: "read", queue: b.readQueue, loader: b.readLoader}
		b.group.Go(func() error { w.run(b.ctx); return nil })
	}
	for i := 0; i < clamp(b.cfg.WriteWorkers, 1, 50); i++ {
		w := &worker{b: b, direction: "write", queue: b.writeQueue, loader: b.writeLoader}
		b.group.Go(func() error { w.run(b.ctx); return nil })
	}
	return nil
}

// Stop signals every worker and loader to exit and waits for them to
// finish. Workers and queue loaders share one context, so a single
// cancel stops them together; the queue loaders are not kept running
// until after the workers have exited.
func (b *BackgroundLoadSave) Stop() error {
	if b.cancel != nil {
		b.cancel()
	}
	b.readQueue.Close()
	b.writeQueue.Close()
	if b.group != nil {
		_ = b.group.Wait()
	}
	return nil
}

// RecoverOnStartup runs the durable queue's cleanup GC pass and
// re-enqueues whatever Saves it found still referenced by an intact
// temp file (spec 6: "the scan returns a queue of recovered Saves that
// must be re-enqueued"; spec 8 scenario 5).
func (b *BackgroundLoadSave) RecoverOnStartup(tempDir string, prefixes []string) error {
	recovered, err := b.db.PerformQueueCleanup(tempDir, prefixes)
	if err != nil {
		return err
	}
	for _, req := range recovered {
		st, info := b.attachState(req)
		_ = st
		if !info.TryMarkSaveQueued() {
			continue // the write queue loader already queued it
		}
		b.writeQueue.Push(req)
	}
	b.log.WithField("count", len(recovered)).Info("recovered queued saves on startup")
	return nil
}

// EnqueueLoad implements netfile.RequestEnqueuer: persist then push.
func (b *BackgroundLoadSave) EnqueueLoad(req request.Single) error {
	return b.enqueue(request.Load, req, b.readQueue, b.readLoader)
}

// EnqueueSave implements netfile.RequestEnqueuer.
func (b *BackgroundLoadSave) EnqueueSave(req request.Single) error {
	return b.enqueue(request.Save, req, b.writeQueue, b.writeLoader)
}

func (b *BackgroundLoadSave) enqueue(kind request.Kind, req request.Single, q *request.Queue, ql *queueLoader) error {
	req.Kind = kind
	stored, err := b.db.QueueFileRequest(req)
	if err != nil {
		return err
	}
	q.Push(stored)
	ql.notifyNewRecord()
	b.mx.QueueDepth(kind, ql.direction(), q.Len())
	return nil
}

// QueueTransaction persists and schedules a whole MultipleFileRequest
// (spec 4.4 TransactionQueueLoader).
func (b *BackgroundLoadSave) QueueTransaction(tx request.Multiple) error {
	stored, err := b.db.QueueTransaction(tx)
	if err != nil {
		return err
	}
	b.tranLoader.notify(stored.TranID)
	return nil
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
