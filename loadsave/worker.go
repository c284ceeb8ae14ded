package loadsave

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/FileSysOrg/jfileserver-sub003/filestate"
	"github.com/FileSysOrg/jfileserver-sub003/internal/jflog"
	"github.com/FileSysOrg/jfileserver-sub003/loader"
	"github.com/FileSysOrg/jfileserver-sub003/request"
	"github.com/FileSysOrg/jfileserver-sub003/segment"
)

// worker is a single ThreadWorker from spec 4.4: it pops one request
// at a time off its direction's queue and dispatches it to the
// FileLoader, never dying on error (spec 4.4 step 6: "catch every
// exception locally").
type worker struct {
	b         *BackgroundLoadSave
	direction string
	queue     *request.Queue
	loader    *queueLoader

	log *logrus.Entry
}

func (w *worker) run(ctx context.Context) {
	if w.log == nil {
		w.log = jflog.For("worker", logrus.Fields{"direction": w.direction})
	}
	for {
		req, ok := w.queue.Pop()
		if !ok {
			return // queue closed and drained: shutdown
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		w.dispatch(ctx, req)
	}
}

// dispatch runs one request to a terminal verdict, recovering from any
// panic raised by the FileLoader so a single bad request can never
// take down the pool.
func (w *worker) dispatch(ctx context.Context, req request.Single) {
	defer func() {
		if r := recover(); r != nil {
			w.log.WithField("panic", r).Error("worker recovered from panic dispatching request")
			w.finish(req, fmt.Errorf("panic: %v", r))
		}
	}()

	// Notify the queue loader to refill if we've drawn the queue down
	// near the low water mark (spec 4.4 step 2).
	if w.queue.Len() < w.b.cfg.LowQueueSize {
		w.loader.notifyNewRecord()
	}

	w.b.mx.WorkerBusy(w.direction, true)
	start := time.Now()

	st, info := w.b.attachState(req)
	var err error
	if req.Kind == request.Load {
		err = w.doLoad(ctx, req, info)
	} else {
		err = w.doSave(ctx, req, info)
	}

	w.b.mx.ObserveDuration(w.direction, time.Since(start))
	w.b.mx.WorkerBusy(w.direction, false)

	w.finishState(st, req, err)
}

func (w *worker) finish(req request.Single, err error) {
	_, info := w.b.attachState(req)
	if req.Kind == request.Load {
		info.FailLoad()
	} else {
		info.FailSave()
	}
	st, _ := w.b.cache.Find(req.VirtualPath, false)
	w.finishState(st, req, err)
}

// finishState applies the spec 4.4 step 4/5 verdict: terminal
// Success/Error deletes the durable record and lingers the FileState;
// Requeue leaves the durable record in place and re-appends the
// request, backing off when the queue is thin so the same request
// can't be retried in a tight loop.
func (w *worker) finishState(st *filestate.State, req request.Single, err error) {
	if err != nil && errors.Is(err, loader.ErrRequeue) {
		if w.queue.Len() < w.b.cfg.RequeueMinSize {
			time.Sleep(w.b.cfg.RequeueWaitTime)
		}
		w.queue.PushFront(req)
		return
	}

	if delErr := w.b.db.DeleteFileRequest(req); delErr != nil {
		w.log.WithError(delErr).Warn("failed to delete completed request from durable store")
	}
	if err != nil {
		w.b.mx.IncError(w.direction)
		w.log.WithError(err).WithField("file_id", req.FileID).Warn("request failed terminally")
	}
	if st != nil {
		w.b.cache.Touch(st, w.b.cfg.RequestProcessedExpire)
	}
}

func (w *worker) doLoad(ctx context.Context, req request.Single, info *segment.Info) error {
	info.BeginLoading()

	objectID, ok, err := w.b.objIDs.LoadObjectID(req.FileID, req.StreamID)
	if err != nil {
		return fmt.Errorf("%w: load object id: %v", loader.ErrRequeue, err)
	}
	if !ok {
		objectID = ""
	}

	seg := segment.New(info, true)
	if err := seg.Open(); err != nil {
		info.FailLoad()
		return err
	}
	defer seg.Close()

	// The segment's own queued/state fields under its mutex are the
	// authoritative at-most-one-load gate (spec 4.1/8.1). singleflight
	// is a second, purely mechanical backstop within this process: if
	// two goroutines somehow raced past that check for the same
	// (fileID, streamID) they collapse onto one loadFileData call here
	// too.
	sfKey := fmt.Sprintf("%d:%d", req.FileID, req.StreamID)
	_, err = w.b.sf.Do(sfKey, func() (any, error) {
		return nil, w.b.ldr.LoadFile(ctx, req.FileID, req.StreamID, objectID, seg)
	})
	if err != nil {
		if errors.Is(err, loader.ErrRequeue) {
			return err
		}
		info.FailLoad()
		return err
	}

	size, err := seg.FileLength()
	if err != nil {
		info.FailLoad()
		return err
	}
	info.CompleteLoad(size)
	return nil
}

func (w *worker) doSave(ctx context.Context, req request.Single, info *segment.Info) error {
	info.BeginSaving()

	seg := segment.New(info, false)
	if err := seg.Open(); err != nil {
		info.FailSave()
		return err
	}
	defer seg.Close()

	attrs := make([]loader.AttrPair, 0, len(req.Attrs))
	for _, a := range req.Attrs {
		attrs = append(attrs, loader.AttrPair{Name: a.Name, Value: a.Value})
	}

	objectID, err := w.b.ldr.SaveFile(ctx, req.FileID, req.StreamID, seg, attrs)
	if err != nil {
		if errors.Is(err, loader.ErrRequeue) {
			return err
		}
		info.FailSave()
		return err
	}

	if err := w.b.objIDs.SaveObjectID(req.FileID, req.StreamID, objectID); err != nil {
		// Database offline on the object-id write: leave the segment
		// in Saving/SaveWait rather than marking it Saved, so a
		// requeued retry re-attempts the upload (spec 7: "Database
		// offline" recovery policy keeps saves pending until the
		// store returns).
		return fmt.Errorf("%w: save object id: %v", loader.ErrRequeue, err)
	}

	writeSeg := segment.New(info, true)
	if err := writeSeg.Open(); err == nil {
		writeSeg.DrainBuffer()
		_ = writeSeg.Close()
	}
	info.CompleteSave()
	return nil
}
