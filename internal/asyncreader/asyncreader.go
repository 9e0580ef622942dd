// Package asyncreader defines the offset-addressed segment read contract
// (spec ch.2 C3, an external collaborator consumed by the byte-stream
// reader). The in-process implementation used by the Mock connection types
// and tests is memstore.Store.ForSegment.
package asyncreader

import "context"

// Result is what a single Read call returns: the bytes available starting
// at the requested offset (which may be shorter, equal to, or longer than
// requested due to protocol buffering) and whether the read reached a
// sealed segment's tail without returning any further data.
type Result struct {
	Data        []byte
	EndOfSegment bool
}

// Reader performs offset-addressed range reads against one segment.
type Reader interface {
	Read(ctx context.Context, offset int64, maxLen int32) (Result, error)
}
