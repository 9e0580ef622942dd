// Package bytestream implements the blocking byte-oriented read/write/seek
// surface layered over a segment reactor and an async segment reader
// (spec ch.4.4/4.5), closely grounded on the original client's
// ByteStreamWriter/ByteStreamReader.
package bytestream

import (
	"context"
	"fmt"

	"github.com/relaykit/segstream/internal/controller"
	"github.com/relaykit/segstream/internal/reactor"
	"github.com/relaykit/segstream/internal/segment"
	"github.com/relaykit/segstream/internal/writer"
)

// completion is the handle a pending write's completion is delivered on;
// stands in for the original client's oneshot channel.
type completion chan error

// Writer is a blocking byte-stream writer bound to one segment. Single-
// owner discipline applies: concurrent calls on the same Writer are not
// supported (spec ch.5).
type Writer struct {
	segment    segment.Scoped
	inbox      chan<- reactor.Incoming
	controller controller.Client

	pending completion // the last chunk's completion handle, retained until flush
}

func NewWriter(seg segment.Scoped, inbox chan<- reactor.Incoming, ctrl controller.Client) *Writer {
	return &Writer{segment: seg, inbox: inbox, controller: ctrl}
}

// Write splits buf into chunks of at most writer.MaxWriteSize, enqueues
// each as a pending event with no routing key (header-less framing, spec
// ch.4.4 rationale), and retains only the last chunk's completion handle.
// It returns len(buf) once every chunk has been accepted onto the
// reactor's inbound channel; it does not wait for any acknowledgment.
func (w *Writer) Write(ctx context.Context, buf []byte) (int, error) {
	if _, err := w.TryFlush(); err != nil {
		return 0, fmt.Errorf("previous chunk failed: %w", err)
	}
	if len(buf) == 0 {
		return 0, nil
	}

	var last completion
	for pos := 0; pos < len(buf); {
		advance := len(buf) - pos
		if advance > writer.MaxWriteSize {
			advance = writer.MaxWriteSize
		}
		chunk := make([]byte, advance)
		copy(chunk, buf[pos:pos+advance])

		done := make(completion, 1)
		ev := &writer.PendingEvent{
			Data: chunk,
			OnComplete: func(err error) { done <- err },
		}
		select {
		case w.inbox <- reactor.Incoming{AppendEvent: ev}:
		case <-ctx.Done():
			return pos, fmt.Errorf("write cancelled: %w", ctx.Err())
		}
		last = done
		pos += advance
	}

	w.pending = last
	return len(buf), nil
}

// Flush blocks on the retained completion handle (if any), guaranteeing
// every previously enqueued chunk is durable on the server.
func (w *Writer) Flush(ctx context.Context) error {
	if w.pending == nil {
		return nil
	}
	handle := w.pending
	w.pending = nil

	select {
	case err := <-handle:
		if err != nil {
			return fmt.Errorf("flush: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flush cancelled: %w", ctx.Err())
	}
}

// TryFlush is flush's non-blocking form (supplemented feature, not present
// in the distilled spec but in the original client's oneshot try_recv):
// it reports whether the retained completion has resolved yet without
// blocking, so a caller can poll in a select loop instead of stalling on
// Flush.
func (w *Writer) TryFlush() (done bool, err error) {
	if w.pending == nil {
		return true, nil
	}
	select {
	case err := <-w.pending:
		w.pending = nil
		return true, err
	default:
		return false, nil
	}
}

// Seal flushes then issues SealSegment via the metadata client. A later
// Write is still accepted onto the reactor's inbox; the server's rejection
// of that chunk surfaces on the next Flush (or on the Write after it, once
// the chunk's completion has resolved).
func (w *Writer) Seal(ctx context.Context) error {
	if err := w.Flush(ctx); err != nil {
		return err
	}
	if err := w.controller.SealSegment(ctx, w.segment); err != nil {
		return fmt.Errorf("seal segment %s: %w", w.segment, err)
	}
	return nil
}

// TruncateDataBefore issues TruncateSegment(offset); subsequent reads
// below offset fail with "no such segment" (spec ch.4.4).
func (w *Writer) TruncateDataBefore(ctx context.Context, offset int64) error {
	if err := w.controller.TruncateSegment(ctx, w.segment, offset); err != nil {
		return fmt.Errorf("truncate segment %s before %d: %w", w.segment, offset, err)
	}
	return nil
}
