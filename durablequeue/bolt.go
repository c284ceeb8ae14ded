package durablequeue

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/FileSysOrg/jfileserver-sub003/internal/jflog"
	"github.com/FileSysOrg/jfileserver-sub003/request"
)

// Bucket names, mirroring the teacher's RootBucket/DataTsBucket split
// in storage_persistent.go: one bucket for the live request log, one
// for transaction membership, one for the object-id map.
const (
	requestsBucket    = "requests"
	transactionBucket = "transactions"
	objectIDBucket    = "objectids"
)

// Bolt is a concrete DBQueueInterface + ObjectIdInterface backed by a
// single go.etcd.io/bbolt database file.
type Bolt struct {
	dbPath string
	db     *bolt.DB
	mu     sync.Mutex
	log    *logrus.Entry
}

// Open connects to (creating if absent) the bbolt database at dbPath.
func Open(dbPath string, waitTime time.Duration) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, errors.Wrapf(err, "create durable queue directory for %q", dbPath)
	}
	db, err := bolt.Open(dbPath, 0o644, &bolt.Options{Timeout: waitTime})
	if err != nil {
		return nil, errors.Wrapf(err, "open durable queue %q", dbPath)
	}
	b := &Bolt{dbPath: dbPath, db: db, log: jflog.For("durablequeue", logrus.Fields{"db_path": dbPath})}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{requestsBucket, transactionBucket, objectIDBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "initialize durable queue buckets")
	}
	return b, nil
}

// Close releases the underlying bbolt database.
func (b *Bolt) Close() error {
	return b.db.Close()
}

// record is the on-disk representation of a request.Single.
type record struct {
	Kind        request.Kind
	SeqNo       int64
	FileID      int64
	StreamID    int64
	TempPath    string
	VirtualPath string
	TranID      string
	TranOrdinal int
	TranIsLast  bool
	Attrs       []request.Attr
}

func toRecord(s request.Single) record {
	return record{
		Kind: s.Kind, SeqNo: s.SeqNo, FileID: s.FileID, StreamID: s.StreamID,
		TempPath: s.TempPath, VirtualPath: s.VirtualPath,
		TranID: s.TranID.String(), TranOrdinal: s.TranOrdinal, TranIsLast: s.TranIsLast,
		Attrs: s.Attrs,
	}
}

func fromRecord(r record) request.Single {
	tranID, _ := uuid.Parse(r.TranID)
	return request.Single{
		Kind: r.Kind, SeqNo: r.SeqNo, FileID: r.FileID, StreamID: r.StreamID,
		TempPath: r.TempPath, VirtualPath: r.VirtualPath,
		TranID: tranID, TranOrdinal: r.TranOrdinal, TranIsLast: r.TranIsLast,
		Attrs: r.Attrs,
	}
}

func seqKey(seq int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(seq))
	return buf
}

// QueueFileRequest implements DBQueueInterface.
func (b *Bolt) QueueFileRequest(req request.Single) (request.Single, error) {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(requestsBucket))
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		req.SeqNo = int64(seq)
		data, err := json.Marshal(toRecord(req))
		if err != nil {
			return err
		}
		return bucket.Put(seqKey(req.SeqNo), data)
	})
	if err != nil {
		return request.Single{}, errors.Wrap(err, "queue file request")
	}
	return req, nil
}

// DeleteFileRequest implements DBQueueInterface.
func (b *Bolt) DeleteFileRequest(req request.Single) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(requestsBucket)).Delete(seqKey(req.SeqNo))
	})
	if err != nil {
		return errors.Wrap(err, "delete file request")
	}
	return nil
}

// LoadFileRequests implements DBQueueInterface.
func (b *Bolt) LoadFileRequests(afterSeq int64, kind request.Kind, limit int) ([]request.Single, error) {
	var out []request.Single
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(requestsBucket)).Cursor()
		for k, v := c.Seek(seqKey(afterSeq + 1)); k != nil && len(out) < limit; k, v = c.Next() {
			var r record
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.Kind != kind {
				continue
			}
			out = append(out, fromRecord(r))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "load file requests")
	}
	return out, nil
}

// QueueTransaction implements DBQueueInterface.
func (b *Bolt) QueueTransaction(txReq request.Multiple) (request.Multiple, error) {
	if txReq.TranID == uuid.Nil {
		txReq.TranID = uuid.New()
	}
	for i := range txReq.Files {
		txReq.Files[i].TranID = txReq.TranID
		txReq.Files[i].Kind = request.TransSave
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		reqBucket := tx.Bucket([]byte(requestsBucket))
		for i := range txReq.Files {
			seq, err := reqBucket.NextSequence()
			if err != nil {
				return err
			}
			txReq.Files[i].SeqNo = int64(seq)
			data, err := json.Marshal(toRecord(txReq.Files[i]))
			if err != nil {
				return err
			}
			if err := reqBucket.Put(seqKey(txReq.Files[i].SeqNo), data); err != nil {
				return err
			}
		}
		members := make([]int64, 0, len(txReq.Files))
		for _, f := range txReq.Files {
			members = append(members, f.SeqNo)
		}
		data, err := json.Marshal(members)
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(transactionBucket)).Put([]byte(txReq.TranID.String()), data)
	})
	if err != nil {
		return request.Multiple{}, errors.Wrap(err, "queue transaction")
	}
	return txReq, nil
}

// LoadTransactionRequest implements DBQueueInterface.
func (b *Bolt) LoadTransactionRequest(tranID uuid.UUID) (request.Multiple, error) {
	var out request.Multiple
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(transactionBucket)).Get([]byte(tranID.String()))
		if data == nil {
			return errors.Errorf("transaction %s not found", tranID)
		}
		var members []int64
		if err := json.Unmarshal(data, &members); err != nil {
			return err
		}
		reqBucket := tx.Bucket([]byte(requestsBucket))
		out.Kind = request.TransSave
		out.TranID = tranID
		for _, seq := range members {
			v := reqBucket.Get(seqKey(seq))
			if v == nil {
				continue
			}
			var r record
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out.Files = append(out.Files, fromRecord(r))
		}
		return nil
	})
	if err != nil {
		return request.Multiple{}, errors.Wrap(err, "load transaction request")
	}
	return out, nil
}

// PerformQueueCleanup implements DBQueueInterface's startup GC pass: it
// walks tempDir's ldrN sub-directories, and for every file matching one
// of prefixes it checks whether a durable Save/TransSave request still
// references that temp path; files with no such record are removed,
// files with one are returned so the caller re-enqueues them. Only
// files inside the sub-directories are examined: files directly under
// tempDir and the sub-directories themselves are never removed.
func (b *Bolt) PerformQueueCleanup(tempDir string, prefixes []string) ([]request.Single, error) {
	referenced := make(map[string]request.Single)
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(requestsBucket)).ForEach(func(k, v []byte) error {
			var r record
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.Kind == request.Save || r.Kind == request.TransSave {
				referenced[r.TempPath] = fromRecord(r)
			}
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "scan durable requests for cleanup")
	}

	var recovered []request.Single
	entries, err := os.ReadDir(tempDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "read temp dir %q", tempDir)
	}
	for _, subdir := range entries {
		if !subdir.IsDir() {
			continue
		}
		subPath := filepath.Join(tempDir, subdir.Name())
		files, err := os.ReadDir(subPath)
		if err != nil {
			continue
		}
		for _, f := range files {
			if !hasAnyPrefix(f.Name(), prefixes) {
				continue
			}
			full := filepath.Join(subPath, f.Name())
			if req, ok := referenced[full]; ok {
				recovered = append(recovered, req)
				continue
			}
			_ = os.Remove(full)
			b.log.WithField("path", full).Debug("cleaned up orphaned temp file")
		}
	}
	return recovered, nil
}

func hasAnyPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// LoadObjectID implements ObjectIdInterface.
func (b *Bolt) LoadObjectID(fileID, streamID int64) (string, bool, error) {
	var id string
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(objectIDBucket)).Get(objectIDKey(fileID, streamID))
		if v != nil {
			id = string(v)
			found = true
		}
		return nil
	})
	if err != nil {
		return "", false, errors.Wrap(err, "load object id")
	}
	return id, found, nil
}

// SaveObjectID implements ObjectIdInterface.
func (b *Bolt) SaveObjectID(fileID, streamID int64, objectID string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(objectIDBucket)).Put(objectIDKey(fileID, streamID), []byte(objectID))
	})
	return errors.Wrap(err, "save object id")
}

// DeleteObjectID implements ObjectIdInterface.
func (b *Bolt) DeleteObjectID(fileID, streamID int64) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(objectIDBucket)).Delete(objectIDKey(fileID, streamID))
	})
	return errors.Wrap(err, "delete object id")
}

func objectIDKey(fileID, streamID int64) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], uint64(fileID))
	binary.BigEndian.PutUint64(buf[8:], uint64(streamID))
	return buf
}

var (
	_ DBQueueInterface  = (*Bolt)(nil)
	_ ObjectIdInterface = (*Bolt)(nil)
)
