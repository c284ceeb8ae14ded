// Package durablequeue defines the external contracts the cache core
// consumes -- DBQueueInterface and ObjectIdInterface from spec section
// 4.6/6 -- plus a concrete bbolt-backed implementation of each so the
// module is runnable and testable standalone, without a real RDBMS.
//
// Grounded on rclone's backend/cache storage_persistent.go: the
// bucket-per-concern layout and the "DB wrapper with its own mutex
// around a *bolt.DB" shape are carried over, as three flat top-level
// buckets keyed by monotonic sequence number instead of by path
// component, since the durable queue's primary key is sequence_no
// (spec 6).
package durablequeue

import (
	"github.com/google/uuid"

	"github.com/FileSysOrg/jfileserver-sub003/request"
)

// DBQueueInterface is the external contract the core depends on to
// persist, reload and retire queued Load/Save/TransSave requests. An
// embedding server backs this with its relational metadata store; the
// core never assumes any particular schema beyond this interface.
type DBQueueInterface interface {
	// QueueFileRequest durably persists req, assigning it a monotonic
	// SeqNo, and returns the request as stored (with SeqNo filled in).
	QueueFileRequest(req request.Single) (request.Single, error)

	// DeleteFileRequest removes req (matched by SeqNo) from the
	// durable store. Called once a worker reaches a terminal verdict
	// (Success or Error); never called after a Requeue verdict.
	DeleteFileRequest(req request.Single) error

	// LoadFileRequests returns up to limit requests of the given kind
	// with SeqNo > afterSeq, ordered by SeqNo ascending -- the
	// mechanism a QueueLoader uses to refill the in-memory queue.
	LoadFileRequests(afterSeq int64, kind request.Kind, limit int) ([]request.Single, error)

	// QueueTransaction durably persists a whole MultipleFileRequest,
	// returning it with every member's SeqNo filled in.
	QueueTransaction(tx request.Multiple) (request.Multiple, error)

	// LoadTransactionRequest reloads a previously queued transaction by
	// id, for the TransactionQueueLoader.
	LoadTransactionRequest(tranID uuid.UUID) (request.Multiple, error)

	// PerformQueueCleanup is the startup GC pass: given the configured
	// temp_dir and the recognized ldr-prefix set, it deletes any temp
	// file/sub-directory with no corresponding durable Save/TransSave
	// record, and returns the set of Save requests whose temp files
	// were found intact so they can be re-enqueued (spec 6: "the scan
	// returns a queue of recovered Saves that must be re-enqueued").
	PerformQueueCleanup(tempDir string, prefixes []string) ([]request.Single, error)
}

// ObjectIdInterface is the external contract mapping (fileID,
// streamID) to the object store's own id for that stream.
type ObjectIdInterface interface {
	// LoadObjectID returns the object id, or ("", false, nil) if none
	// is recorded yet -- which means "new, empty file" to a loader
	// (spec 6).
	LoadObjectID(fileID, streamID int64) (objectID string, ok bool, err error)
	SaveObjectID(fileID, streamID int64, objectID string) error
	DeleteObjectID(fileID, streamID int64) error
}
