package loadsave

import "time"

// Config collects the spec section 6 options governing
// BackgroundLoadSave: worker pool sizing, in-memory queue depth, and
// the retry/lingering timings from section 4.4.
type Config struct {
	// ReadWorkers / WriteWorkers size each direction's worker pool.
	// Range 1..50, default 4 (spec 6: ThreadPoolSize "R:W").
	ReadWorkers  int
	WriteWorkers int

	// RequestQueueMaxSize bounds each in-memory Queue's depth (spec 6:
	// RequestQueueMaxSize, max 5000).
	RequestQueueMaxSize int
	// LowQueueSize is the refill trigger: a QueueLoader tops up the
	// in-memory queue whenever its length drops below this (spec 6:
	// LowWaterMark, default 50).
	LowQueueSize int
	// RefillBatchSize bounds how many durable records a single refill
	// pass requests.
	RefillBatchSize int

	// RequeueMinSize and RequeueWaitTime implement spec 4.4 step 5:
	// a Requeue verdict sleeps before re-appending only when the
	// in-memory queue has fewer than RequeueMinSize items pending, so
	// a request can't busy-loop against an empty queue.
	RequeueMinSize int
	RequeueWaitTime time.Duration

	// RequestProcessedExpire is how long a FileState lingers warm
	// after a worker reaches a terminal verdict for a request attached
	// to it (spec 4.4 step 4, default 3s).
	RequestProcessedExpire time.Duration

	// RefillPollInterval is how often a QueueLoader checks the low
	// water mark absent an explicit "new record" notification.
	RefillPollInterval time.Duration
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		ReadWorkers:            4,
		WriteWorkers:           4,
		RequestQueueMaxSize:    5000,
		LowQueueSize:           50,
		RefillBatchSize:        100,
		RequeueMinSize:         20,
		RequeueWaitTime:        500 * time.Millisecond,
		RequestProcessedExpire: 3 * time.Second,
		RefillPollInterval:     time.Second,
	}
}
