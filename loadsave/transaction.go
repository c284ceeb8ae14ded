package loadsave

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/FileSysOrg/jfileserver-sub003/internal/jflog"
	"github.com/FileSysOrg/jfileserver-sub003/request"
)

// transactionLoader is the optional TransactionQueueLoader from spec
// 4.4: it collects transaction ids (posted when the last file of a
// transaction is queued, or an explicit flush) and expands each into
// its MultipleFileRequest's member Single requests, pushed onto the
// write queue exactly like an ordinary Save so the existing worker
// pool drains them uniformly.
type transactionLoader struct {
	b    *BackgroundLoadSave
	pend chan uuid.UUID
	log  *logrus.Entry
}

func newTransactionLoader(b *BackgroundLoadSave) *transactionLoader {
	return &transactionLoader{
		b:    b,
		pend: make(chan uuid.UUID, 256),
		log:  jflog.For("transactionloader", nil),
	}
}

// notify posts a transaction id that is now fully queued and ready to
// be expanded.
func (t *transactionLoader) notify(tranID uuid.UUID) {
	if tranID == uuid.Nil {
		return
	}
	select {
	case t.pend <- tranID:
	default:
		t.log.WithField("tran_id", tranID).Warn("transaction notification queue full, dropping")
	}
}

func (t *transactionLoader) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tranID := <-t.pend:
			t.expand(tranID)
		}
	}
}

func (t *transactionLoader) expand(tranID uuid.UUID) {
	tx, err := t.b.db.LoadTransactionRequest(tranID)
	if err != nil {
		t.log.WithError(err).WithField("tran_id", tranID).Warn("failed to load transaction for expansion")
		return
	}
	for _, member := range tx.Files {
		member.Kind = request.TransSave
		_, info := t.b.attachState(member)
		info.TryMarkSaveQueued()
		t.b.writeQueue.Push(member)
	}
	t.b.writeLoader.notifyNewRecord()
}
