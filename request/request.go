// Package request implements the FileRequest variants and the
// in-memory FileRequestQueue from spec sections 3 and 4.4.
package request

import (
	"github.com/google/uuid"
)

// Kind distinguishes the three request shapes the durable queue and
// the in-memory queues carry. Values match the abstract durable queue
// schema in spec section 6 (Load=1, Save=2, TransSave=3).
type Kind int

const (
	Load      Kind = 1
	Save      Kind = 2
	TransSave Kind = 3
)

func (k Kind) String() string {
	switch k {
	case Load:
		return "Load"
	case Save:
		return "Save"
	case TransSave:
		return "TransSave"
	default:
		return "Unknown"
	}
}

// Attr is a single name/value pair carried on a SingleFileRequest, e.g.
// the updated extent of a Save.
type Attr struct {
	Name  string
	Value any
}

// Single is the SingleFileRequest variant: one Load, Save or TransSave
// against a single (FileID, StreamID).
type Single struct {
	Kind        Kind
	SeqNo       int64
	FileID      int64
	StreamID    int64
	TempPath    string
	VirtualPath string
	ThreadID    *int64
	TranID      uuid.UUID // zero value when Kind != TransSave
	TranOrdinal int
	TranIsLast  bool
	Attrs       []Attr
}

// Multiple is the MultipleFileRequest variant: a transaction's worth of
// Single requests that must be dispatched (best-effort) as a group.
type Multiple struct {
	Kind   Kind // always TransSave
	TranID uuid.UUID
	Files  []Single
}

// Delete describes an offline-delete: a file whose removal could not
// be applied to the metadata store immediately (spec 7 recovery
// policy: "Delete requests made while offline are queued via the
// device context's offline-delete list").
type Delete struct {
	FileID      int64
	StreamID    int64
	TempPath    string
	VirtualPath string
}

// AttrValue fetches a named attribute off a Single request.
func (s Single) AttrValue(name string) (any, bool) {
	for _, a := range s.Attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return nil, false
}
