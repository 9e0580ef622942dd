// Package ids generates the identifiers the client stamps onto writers,
// readers and outbound requests.
package ids

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// NewWriterID returns a fresh random writer identity, one per
// SegmentWriter for the lifetime of the process (spec ch.4.2).
func NewWriterID() uuid.UUID {
	return uuid.New()
}

// NewReaderID returns a fresh random reader identity for a reader joining
// a reader group (spec ch.4.7).
func NewReaderID() string {
	return uuid.NewString()
}

var requestCounter atomic.Uint64

// NextRequestID returns a process-wide monotonically increasing id used to
// correlate an outbound wire request with its reply. Starts at 1 so a zero
// value can keep meaning "no request in flight" in callers that track it.
func NextRequestID() uint64 {
	return requestCounter.Add(1)
}
