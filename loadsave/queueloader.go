package loadsave

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/FileSysOrg/jfileserver-sub003/internal/jflog"
	"github.com/FileSysOrg/jfileserver-sub003/request"
)

// queueLoader is one of the two QueueLoaders from spec 4.4: a
// goroutine that continuously drains a durable store of pending
// requests into an in-memory request.Queue, refilling only when the
// queue is below the low water mark and there is a positive
// indication to do so (spec: "a posted 'new record' notification ...
// or an empty queue").
type queueLoader struct {
	b     *BackgroundLoadSave
	kind  request.Kind
	queue *request.Queue

	lastSeqNo int64 // highest SeqNo ever loaded; never regresses except on reset

	newRecord chan struct{}
	log       *logrus.Entry
}

func newQueueLoader(b *BackgroundLoadSave, kind request.Kind, q *request.Queue) *queueLoader {
	return &queueLoader{
		b:         b,
		kind:      kind,
		queue:     q,
		newRecord: make(chan struct{}, 1),
		log:       jflog.For("queueloader", logrus.Fields{"kind": kind.String()}),
	}
}

func (l *queueLoader) direction() string {
	if l.kind == request.Load {
		return "read"
	}
	return "write"
}

// notifyNewRecord posts a non-blocking "a record was just durably
// queued" signal, per spec 4.4's refill trigger.
func (l *queueLoader) notifyNewRecord() {
	select {
	case l.newRecord <- struct{}{}:
	default:
	}
}

// run is the loader's main loop: wake on notification or poll
// interval, refill whenever the queue is below the low water mark or
// empty, exit on ctx cancellation.
func (l *queueLoader) run(ctx context.Context) {
	ticker := time.NewTicker(l.b.cfg.RefillPollInterval)
	defer ticker.Stop()

	// Prime the queue once at startup in case requests were already
	// durably queued before this process started (spec 8 scenario 5).
	l.refill()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.newRecord:
			l.refill()
		case <-ticker.C:
			if l.queue.Len() == 0 || l.queue.Len() < l.b.cfg.LowQueueSize {
				l.refill()
			}
		}
	}
}

// refill loads up to RefillBatchSize records above lastSeqNo while the
// queue remains under LowQueueSize, re-attaching each to a live
// FileState+SegmentInfo. A record whose segment is already marked
// queued (or is past Initial, for a Load) is skipped rather than pushed
// again. If the store returns fewer records than
// requested, refill stops looping so it doesn't busy-spin against an
// exhausted durable queue (spec 4.4: "clear the 'new records pending'
// flag to avoid busy-looping" -- here expressed as simply not looping
// again until the next notify/poll).
func (l *queueLoader) refill() {
	for l.queue.Len() < l.b.cfg.LowQueueSize {
		reqs, err := l.b.db.LoadFileRequests(l.lastSeqNo, l.kind, l.b.cfg.RefillBatchSize)
		if err != nil {
			l.log.WithError(err).Warn("refill load failed")
			return
		}
		if len(reqs) == 0 {
			return
		}
		for _, req := range reqs {
			if req.SeqNo > l.lastSeqNo {
				l.lastSeqNo = req.SeqNo
			}
			_, info := l.b.attachState(req)
			var marked bool
			if l.kind == request.Load {
				marked = info.TryMarkLoadQueued()
			} else {
				marked = info.TryMarkSaveQueued()
			}
			if !marked {
				// Already queued (or loaded) in this process, e.g. pushed
				// directly by enqueue: do not dispatch it a second time.
				continue
			}
			l.queue.Push(req)
		}
		l.b.mx.SetLastSeqNo(l.kind, l.lastSeqNo)
		l.b.mx.QueueDepth(l.kind, l.direction(), l.queue.Len())
		if len(reqs) < l.b.cfg.RefillBatchSize {
			return
		}
	}
}
