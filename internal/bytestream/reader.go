package bytestream

import (
	"context"
	"fmt"

	"github.com/relaykit/segstream/internal/asyncreader"
	"github.com/relaykit/segstream/internal/controller"
	"github.com/relaykit/segstream/internal/segment"
	"github.com/relaykit/segstream/internal/xerrors"
)

// SeekWhence selects which offset a Seek is relative to.
type SeekWhence int

const (
	SeekStart SeekWhence = iota
	SeekCurrent
	SeekEnd
)

// Reader is a blocking byte-stream reader bound to one segment, holding
// the current read cursor (spec ch.4.5).
type Reader struct {
	segment    segment.Scoped
	reader     asyncreader.Reader
	controller controller.Client
	offset     int64
}

func NewReader(seg segment.Scoped, r asyncreader.Reader, ctrl controller.Client) *Reader {
	return &Reader{segment: seg, reader: r, controller: ctrl}
}

// Read delivers up to len(buf) bytes at the current offset; the server may
// return fewer, equal, or more bytes than requested, of which only
// min(returned, len(buf)) are copied out, and offset advances by that
// count. If the segment is sealed and the read reaches its tail, Read
// fails with a SegmentSealedError without advancing the offset.
func (r *Reader) Read(ctx context.Context, buf []byte) (int, error) {
	res, err := r.reader.Read(ctx, r.offset, int32(len(buf)))
	if err != nil {
		return 0, fmt.Errorf("read at offset %d: %w", r.offset, err)
	}
	if res.EndOfSegment {
		return 0, &xerrors.SegmentSealedError{Segment: r.segment.String()}
	}

	n := len(res.Data)
	if n > len(buf) {
		n = len(buf)
	}
	copy(buf[:n], res.Data[:n])
	r.offset += int64(n)
	return n, nil
}

// Seek resolves the target offset against the segment's current tail,
// fetched freshly via metadata on every call; it never contacts the data
// path. Seeking through a truncated region is permitted syntactically;
// only a subsequent Read at a truncated offset fails (spec ch.4.5).
func (r *Reader) Seek(ctx context.Context, whence SeekWhence, delta int64) (int64, error) {
	_, tail, _, err := r.controller.GetSegmentInfo(ctx, r.segment)
	if err != nil {
		return 0, fmt.Errorf("fetch segment length for seek: %w", err)
	}

	switch whence {
	case SeekStart:
		if delta > tail {
			return 0, &xerrors.InvalidSeekError{Reason: "Seek offset that exceeds segment length"}
		}
		r.offset = delta
	case SeekCurrent:
		newOffset := r.offset + delta
		if newOffset < 0 {
			return 0, &xerrors.InvalidSeekError{Reason: "Cannot seek to a negative offset"}
		}
		if newOffset > tail {
			return 0, &xerrors.InvalidSeekError{Reason: "Seek offset that exceeds segment length"}
		}
		r.offset = newOffset
	case SeekEnd:
		if delta > 0 {
			return 0, &xerrors.InvalidSeekError{Reason: "Seek offset that exceeds segment length"}
		}
		if tail+delta < 0 {
			return 0, &xerrors.InvalidSeekError{Reason: "Cannot seek to a negative offset"}
		}
		r.offset = tail + delta
	default:
		return 0, fmt.Errorf("unknown seek whence %d", whence)
	}
	return r.offset, nil
}

// CurrentHead returns the segment's current starting byte offset, which
// advances monotonically as TruncateDataBefore calls land.
func (r *Reader) CurrentHead(ctx context.Context) (uint64, error) {
	head, _, _, err := r.controller.GetSegmentInfo(ctx, r.segment)
	if err != nil {
		return 0, fmt.Errorf("fetch current head: %w", err)
	}
	return uint64(head), nil
}

// CurrentOffset returns the reader's current cursor position.
func (r *Reader) CurrentOffset() int64 { return r.offset }
