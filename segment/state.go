package segment

// State is the SegmentInfo lifecycle state (spec section 3/4.1). It is
// monotonic except for the Available<->SaveWait edge: a fully loaded
// file can be reopened for writes and cycle back through SaveWait ->
// Saving -> Saved (treated as Available by callers).
type State int

const (
	// Initial means no load has ever been queued for this segment.
	Initial State = iota
	// LoadWait means a Load request has been queued but not yet picked
	// up by a worker.
	LoadWait
	// Loading means a worker is actively running FileLoader.LoadFile.
	Loading
	// Available means the temp file holds the full, consistent content
	// of the remote object (ReadableLength == file length).
	Available
	// SaveWait means a Save request has been queued but not yet picked
	// up by a worker.
	SaveWait
	// Saving means a worker is actively running FileLoader.SaveFile.
	Saving
	// Saved is semantically identical to Available; it is kept as a
	// distinct value only so a caller can observe that a save round
	// trip has completed since the last write.
	Saved
	// Error is sticky: only an explicit reset-to-Initial (driven by
	// FileState expiry) clears it.
	Error
)

func (s State) String() string {
	switch s {
	case Initial:
		return "Initial"
	case LoadWait:
		return "LoadWait"
	case Loading:
		return "Loading"
	case Available:
		return "Available"
	case SaveWait:
		return "SaveWait"
	case Saving:
		return "Saving"
	case Saved:
		return "Saved"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// SaveableStatus is the outcome of FileSegment.WriteBytes (spec 4.1).
type SaveableStatus int

const (
	// Buffering means the write landed in the temp file but no Save
	// should be queued yet (more writes are expected imminently).
	Buffering SaveableStatus = iota
	// Saveable means the caller should enqueue a Save request if one
	// isn't already queued.
	Saveable
	// MaxBuffers means the segment's in-memory write buffer is at
	// capacity; the caller should back off on write_buffer_cv.
	MaxBuffers
	// BufferOverflow means a segment's buffered bytes would exceed
	// DefaultOverflowBytes. CachedNetworkFile.Write fails the write
	// with DiskFull on it; no conversion of the segment is attempted,
	// whatever the loader's capabilities.
	BufferOverflow
)

func (s SaveableStatus) String() string {
	switch s {
	case Buffering:
		return "Buffering"
	case Saveable:
		return "Saveable"
	case MaxBuffers:
		return "MaxBuffers"
	case BufferOverflow:
		return "BufferOverflow"
	default:
		return "Unknown"
	}
}

// DataAvailability is the verdict of SegmentInfo.HasDataFor, used by the
// CachedNetworkFile read path to decide whether to read immediately,
// speculatively probe the trailing block, or wait.
type DataAvailability int

const (
	// NotAvailable means the requested range is not yet readable.
	NotAvailable DataAvailability = iota
	// PartiallyAvailable means the loader's readable_length watermark
	// is within the speculative-read slack of the end of the
	// requested range (see CachedNetworkFile read step 5).
	PartiallyAvailable
	// FullyAvailable means the whole requested range is confirmed
	// readable.
	FullyAvailable
)
