// Package segment defines the scoped-segment data model shared across the
// writer, reactor, selector and reader-group layers.
package segment

import "fmt"

// Scoped identifies a segment by (scope, stream, segment-number). Segment
// numbers are globally unique within a stream; a segment number is never
// reused once its segment is sealed.
type Scoped struct {
	Scope   string
	Stream  string
	Number  int64
}

func (s Scoped) String() string {
	return fmt.Sprintf("%s/%s/%d", s.Scope, s.Stream, s.Number)
}

// WithRange annotates a Scoped segment with its half-open routing-key range
// [MinKey, MaxKey) over [0,1]. A routing key hashed into [0,1] selects
// exactly one segment per stream epoch.
type WithRange struct {
	Scoped Scoped
	MinKey float64
	MaxKey float64
}

func (w WithRange) String() string {
	return fmt.Sprintf("%s#%.17g-%.17g", w.Scoped, w.MinKey, w.MaxKey)
}

// Contains reports whether key lies in the half-open range [MinKey, MaxKey).
// The final segment in a stream epoch owns MaxKey == 1.0 inclusively, since
// the overall keyspace is [0,1] and ranges partition it exhaustively.
func (w WithRange) Contains(key float64) bool {
	if key >= w.MinKey && key < w.MaxKey {
		return true
	}
	return key == 1.0 && w.MaxKey == 1.0
}

// Offset is the pair of byte counters tracked per assigned segment.
//
// Invariant: Processed <= Read <= segment tail. Read advances when bytes
// leave the client toward the application; Processed advances when the
// application acknowledges consumption. The gap between them is in-flight
// work that must be replayed after a reader failure.
type Offset struct {
	Read      uint64
	Processed uint64
}

// ZeroOffset is the offset assigned to a freshly unassigned/ready segment.
var ZeroOffset = Offset{Read: 0, Processed: 0}
